package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"dev.c0redev.tcprouter/internal/config"
	"dev.c0redev.tcprouter/internal/events"
	"dev.c0redev.tcprouter/internal/observability"
	"dev.c0redev.tcprouter/internal/server"
	"dev.c0redev.tcprouter/internal/server/auth"
	"dev.c0redev.tcprouter/internal/server/router"
	"dev.c0redev.tcprouter/internal/store"
	"dev.c0redev.tcprouter/internal/transport"
)

func serveCmd() *cobra.Command {
	var addr, secret string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen and serve until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadServer(cfgFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				settings.Server.Addr = addr
			}
			if cmd.Flags().Changed("secret") {
				settings.Server.Secret = secret
			}
			if logLevel != "" {
				settings.LogLevel = logLevel
			}
			return serve(settings)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port)")
	cmd.Flags().StringVar(&secret, "secret", "", "pre-shared secret")
	return cmd
}

func serve(settings config.ServerSettings) error {
	logger := observability.InitLogger("tcprouter-server", settings.LogLevel)
	if _, err := observability.InitMetrics("tcprouter-server"); err != nil {
		return err
	}
	cfg := settings.Server
	cfg.Logger = &logger
	if cfg.Secret == "" {
		logger.Warn().Msg("no secret configured: envelopes run in plaintext passthrough mode")
	}

	if cfg.Transport == transport.QUIC {
		tlsConf, err := serverTLS(settings)
		if err != nil {
			return err
		}
		cfg.TLS = tlsConf
	}

	var db *store.DB
	if settings.DB != "" {
		var err error
		if db, err = store.Open(settings.DB); err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer db.Close()
	}

	srv := server.New(cfg)
	registerRoutes(srv, db, guard(settings, db))
	srv.Observe(logEvents(logger))
	if db != nil {
		srv.Observe(db.Observer(logger))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Listen(); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return srv.Close()
}

func serverTLS(settings config.ServerSettings) (*tls.Config, error) {
	if settings.TLSCert != "" || settings.TLSKey != "" {
		return transport.LoadTLS(settings.TLSCert, settings.TLSKey)
	}
	return transport.SelfSignedTLS("localhost", "127.0.0.1", "::1")
}

// guard picks the middleware protecting administrative routes: issued tokens
// from the store, else a bcrypt hash, else nothing.
func guard(settings config.ServerSettings, db *store.DB) router.Handler {
	switch {
	case db != nil:
		return auth.Require(db)
	case settings.TokenHash != "":
		return auth.RequireToken(settings.TokenHash)
	}
	return nil
}

func logEvents(logger zerolog.Logger) events.Observer {
	return events.Filter(func(n events.Notification) {
		logger.Warn().Str("event", n.Event.String()).Str("addr", n.Addr).Err(n.Err).Msg("admission")
	}, events.ErrorWhitelist, events.ErrorMaxConnections)
}
