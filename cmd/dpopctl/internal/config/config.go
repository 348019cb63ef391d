package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/terraconstructs/connect-dpop/cmd/dpopctl/internal/client"
)

// EnvPrefix prefixes every environment variable dpopctl reads, e.g. DPOPCTL_SERVER.
const EnvPrefix = "DPOPCTL"

// Settings is the merged configuration from flags, DPOPCTL_* environment variables and
// the optional YAML config file, in that order of precedence.
type Settings struct {
	// Server is the Connect base URL every procedure is resolved against.
	Server string `mapstructure:"server"`
	Debug  bool   `mapstructure:"debug"`

	// Token is an ephemeral access token that bypasses the client credentials grant.
	Token     string `mapstructure:"token"`
	TokenType string `mapstructure:"token_type"`

	ClientID     string   `mapstructure:"client_id"`
	ClientSecret string   `mapstructure:"client_secret"`
	TokenURL     string   `mapstructure:"token_url"`
	Issuer       string   `mapstructure:"issuer"`
	Scopes       []string `mapstructure:"scopes"`

	// KeyPath is the DPoP key file. Empty means ~/.dpopctl/dpop-key.json.
	KeyPath string `mapstructure:"key_path"`

	// HTTPGet signs side-effect-free procedures for GET, matching connect.WithHTTPGet.
	HTTPGet bool          `mapstructure:"http_get"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Init prepares the global viper instance: defaults, environment binding and the config
// file. An explicit configFile must exist; the default ~/.dpopctl/config.yaml is optional.
func Init(configFile string) error {
	viper.SetDefault("server", "http://localhost:8080")
	viper.SetDefault("debug", false)
	viper.SetDefault("token", "")
	viper.SetDefault("token_type", "DPoP")
	viper.SetDefault("client_id", "")
	viper.SetDefault("client_secret", "")
	viper.SetDefault("token_url", "")
	viper.SetDefault("issuer", "")
	viper.SetDefault("scopes", []string{})
	viper.SetDefault("key_path", "")
	viper.SetDefault("http_get", false)
	viper.SetDefault("timeout", 10*time.Second)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
		return nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	viper.AddConfigPath(filepath.Join(home, ".dpopctl"))
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// Load decodes the global viper state into Settings and validates it.
func Load() (*Settings, error) {
	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&s, hook); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the server URL and per-command timeout. Credentials are checked lazily by the client
// provider since commands like `key` never need them.
func (s *Settings) Validate() error {
	if s.Server == "" {
		return fmt.Errorf("server URL is required (--server or %s_SERVER)", EnvPrefix)
	}
	u, err := url.Parse(s.Server)
	if err != nil {
		return fmt.Errorf("invalid server URL %q: %w", s.Server, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("server URL %q must be absolute", s.Server)
	}
	if s.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", s.Timeout)
	}
	return nil
}

type contextKey string

const configKey contextKey = "dpopctl-config"

// GlobalConfig holds shared state for all dpopctl commands.
// This is injected into the cobra command context by the root command's
// PersistentPreRunE hook and consumed by all subcommands.
type GlobalConfig struct {
	Settings       *Settings
	Logger         logrus.FieldLogger
	ClientProvider *client.Provider
}

// InjectConfig adds config to the cobra command context.
func InjectConfig(ctx context.Context, cfg *GlobalConfig) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from the cobra command context.
// Returns (nil, false) if config is not present.
func FromContext(ctx context.Context) (*GlobalConfig, bool) {
	cfg, ok := ctx.Value(configKey).(*GlobalConfig)
	return cfg, ok
}

// MustFromContext retrieves config from context or panics.
// This should only be used in command RunE functions where we know
// the config has been injected by the root command.
func MustFromContext(ctx context.Context) *GlobalConfig {
	cfg, ok := FromContext(ctx)
	if !ok {
		panic("dpopctl: config not found in context - this is a bug in dpopctl")
	}
	return cfg
}
