// Package config loads the daemon configuration from a file and the
// WALLETD_* environment, with sane defaults for a local node.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	configName = "walletd"
	configType = "yaml"
	configDir  = ".walletd"
	envPrefix  = "WALLETD"
)

// Config is the resolved daemon configuration.
type Config struct {
	// ListenAddr is the bridge's HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`
	// NodeURL is the remote node's API base URL. Plain http is only
	// accepted for loopback and private hosts.
	NodeURL string `mapstructure:"node_url"`
	// DataDir holds the bbolt database.
	DataDir string `mapstructure:"data_dir"`
	// StorePassphrase protects wallet state at rest. Required.
	StorePassphrase string `mapstructure:"store_passphrase"`

	// SettlementAddress receives the batch-call service fee. An empty
	// address disables fee collection.
	SettlementAddress string  `mapstructure:"settlement_address"`
	ServiceFee        float64 `mapstructure:"service_fee"`

	// Approval prompt timeouts.
	ConnectionTimeout  time.Duration `mapstructure:"connection_timeout"`
	TransactionTimeout time.Duration `mapstructure:"transaction_timeout"`

	// MobilePolicy leaves the session unlocked after login instead of
	// requiring a separate PIN entry before signing.
	MobilePolicy bool `mapstructure:"mobile_policy"`

	// TLSCert and TLSKey enable TLS on the bridge listener when both
	// are set.
	TLSCert string `mapstructure:"tls_cert"`
	TLSKey  string `mapstructure:"tls_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// Load resolves the configuration. cfg may be nil; file is an optional
// explicit config path overriding the search in ~/.walletd.
func Load(cfg *viper.Viper, file string) (*Config, error) {
	if cfg == nil {
		cfg = viper.New()
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}

	cfg.SetDefault("listen_addr", "127.0.0.1:7965")
	cfg.SetDefault("node_url", "http://127.0.0.1:8080")
	cfg.SetDefault("data_dir", filepath.Join(homeDir, configDir))
	cfg.SetDefault("service_fee", 0.1)
	cfg.SetDefault("connection_timeout", 120*time.Second)
	cfg.SetDefault("transaction_timeout", 180*time.Second)
	cfg.SetDefault("log_level", "info")

	cfg.SetEnvPrefix(envPrefix)
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	// AutomaticEnv alone does not surface env-only keys to Unmarshal;
	// every field needs an explicit binding so keys without file values
	// or defaults (the passphrase above all) resolve from WALLETD_*.
	for _, key := range []string{
		"listen_addr", "node_url", "data_dir", "store_passphrase",
		"settlement_address", "service_fee",
		"connection_timeout", "transaction_timeout",
		"mobile_policy", "tls_cert", "tls_key", "log_level",
	} {
		if err := cfg.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if file != "" {
		cfg.SetConfigFile(file)
		if err := cfg.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		cfg.SetConfigName(configName)
		cfg.SetConfigType(configType)
		cfg.AddConfigPath(filepath.Join(homeDir, configDir))
		if err := cfg.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var out Config
	if err := cfg.Unmarshal(&out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := out.validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Config) validate() error {
	if c.NodeURL == "" {
		return errors.New("node_url is required")
	}
	if c.StorePassphrase == "" {
		return errors.New("store_passphrase is required; set it in the config file or WALLETD_STORE_PASSPHRASE")
	}
	if c.ServiceFee < 0 {
		return errors.New("service_fee must not be negative")
	}
	if c.ConnectionTimeout <= 0 || c.TransactionTimeout <= 0 {
		return errors.New("approval timeouts must be positive")
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}

// DatabasePath is the bbolt file inside DataDir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "wallet.db")
}
