package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dev.c0redev.tcprouter/internal/config"
	"dev.c0redev.tcprouter/internal/server/auth"
	"dev.c0redev.tcprouter/internal/store"
)

func hashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token TOKEN",
		Short: "Print the bcrypt hash of TOKEN for token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func tokenCmd() *cobra.Command {
	var dbPath string
	open := func() (*store.DB, error) {
		if dbPath == "" {
			settings, err := config.LoadServer(cfgFile)
			if err != nil {
				return nil, err
			}
			dbPath = settings.DB
		}
		if dbPath == "" {
			return nil, errors.New("no database: set db in the config or pass --db")
		}
		return store.Open(dbPath)
	}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage route tokens stored in the database",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (overrides config)")

	var replace bool
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Issue a token; it is printed once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			tok, err := issueToken(db, args[0], replace)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	create.Flags().BoolVar(&replace, "replace", false, "revoke and reissue an existing token")
	cmd.AddCommand(create)
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke NAME",
		Short: "Revoke a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			return revokeToken(db, args[0])
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List token names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := open()
			if err != nil {
				return err
			}
			defer db.Close()
			list, err := db.ListTokens()
			if err != nil {
				return err
			}
			for _, t := range list {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", t.Name, t.CreatedAt.Format(time.RFC3339))
			}
			return nil
		},
	})
	return cmd
}

func issueToken(db *store.DB, name string, replace bool) (string, error) {
	existing, err := db.TokenByName(name)
	if err != nil {
		return "", err
	}
	if existing == nil {
		return db.CreateToken(name)
	}
	if !replace {
		return "", fmt.Errorf("token %q already exists (issued %s); pass --replace to reissue",
			name, existing.CreatedAt.Format(time.RFC3339))
	}
	return db.ReplaceToken(name)
}

func revokeToken(db *store.DB, name string) error {
	existing, err := db.TokenByName(name)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no token named %q", name)
	}
	return db.RevokeToken(name)
}
