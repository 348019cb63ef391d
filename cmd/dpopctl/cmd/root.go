package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/cmd/key"
	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/client"
	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/config"
	"github.com/terraconstructs/connect-dpop/pkg/sdk/dpop"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "dpopctl",
	Short: "DPoP-authenticated Connect client",
	Long: `dpopctl calls Connect RPC services with DPoP-bound access tokens. Every request
carries an Authorization header and a freshly signed DPoP proof.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default ~/.dpopctl/config.yaml)")
	flags.String("server", "http://localhost:8080", "Connect server base URL")
	flags.Bool("debug", false, "Enable debug logging")
	flags.String("token", "", "Ephemeral access token; skips the client credentials grant")
	flags.String("key-path", "", "DPoP key file (default ~/.dpopctl/dpop-key.json)")
	flags.Bool("http-get", false, "Use GET for side-effect-free procedures")

	rootCmd.AddCommand(headersCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(key.KeyCmd)
}

// flagKeys maps persistent flags to their viper keys.
var flagKeys = map[string]string{
	"server":   "server",
	"debug":    "debug",
	"token":    "token",
	"key-path": "key_path",
	"http-get": "http_get",
}

func bindFlags(flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if err := viper.BindPFlag(key, flags.Lookup(name)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	return nil
}

func setup(cmd *cobra.Command, args []string) error {
	if err := config.Init(cfgFile); err != nil {
		return err
	}
	if err := bindFlags(cmd.Root().PersistentFlags()); err != nil {
		return err
	}

	settings, err := config.Load()
	if err != nil {
		return err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.InfoLevel)
	if settings.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	provider := client.NewProvider(settings.Server, settings.KeyPath, logger)
	provider.SetBearerToken(settings.Token, settings.TokenType)
	provider.SetClientCredentials(dpop.ClientCredentials{
		ClientID:     settings.ClientID,
		ClientSecret: settings.ClientSecret,
		TokenURL:     settings.TokenURL,
		Issuer:       settings.Issuer,
		Scopes:       settings.Scopes,
		Logger:       logger,
	})
	provider.SetHTTPGet(settings.HTTPGet)

	cmd.SetContext(config.InjectConfig(cmd.Context(), &config.GlobalConfig{
		Settings:       settings,
		Logger:         logger,
		ClientProvider: provider,
	}))
	return nil
}
