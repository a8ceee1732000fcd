// tcprouter client: sends requests to a tcprouter server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dev.c0redev.tcprouter/internal/client"
	"dev.c0redev.tcprouter/internal/config"
	"dev.c0redev.tcprouter/internal/observability"
)

var (
	cfgFile  string
	logLevel string
	addr     string
	secret   string
	name     string
)

var rootCmd = &cobra.Command{
	Use:           "tcprouter-client",
	Short:         "Client for the encrypted request/response protocol",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "config file (.toml or .yaml)")
	pf.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	pf.StringVar(&addr, "addr", "", "server address (host:port)")
	pf.StringVar(&secret, "secret", "", "pre-shared secret")
	pf.StringVar(&name, "name", "", "name declared in the handshake")
	rootCmd.AddCommand(sendCmd(), benchCmd())
}

// newClient loads settings, applies flag overrides and builds the client.
func newClient(cmd *cobra.Command) (*client.Client, error) {
	settings, err := config.LoadClient(cfgFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		settings.Client.Addr = addr
	}
	if flags.Changed("secret") {
		settings.Client.Secret = secret
	}
	if flags.Changed("name") {
		settings.Client.Name = name
	}
	if logLevel != "" {
		settings.LogLevel = logLevel
	}
	logger := observability.InitLogger("tcprouter-client", settings.LogLevel)
	if _, err := observability.InitMetrics("tcprouter-client"); err != nil {
		return nil, err
	}
	settings.Client.Logger = &logger
	return client.New(settings.Client), nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
