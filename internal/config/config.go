package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PARLEY"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "parley.db"
	defaultLogLevel      = "info"
	defaultMinAmount     = 0.01
	defaultAuthWindow    = 15
	defaultNotifyCool    = 10
	defaultTurnTTL       = 15
	defaultMinAPIVersion = 1
)

// AppConfig captures runtime configuration for the relay server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	BridgeURL         string
	ContentGateway    string
	SigningKey        string
	TokenSecret       string
	MinCallAmount     float64
	AuthWindow        time.Duration
	NotifyCooldown    time.Duration
	MinAPIVersion     int
	TurnRealm         string
	TurnURLs          []string
	TurnCredentialTTL time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("bridge.url", "")
	configViper.SetDefault("content.gateway", "")
	configViper.SetDefault("call.min_amount", defaultMinAmount)
	configViper.SetDefault("auth.window_days", defaultAuthWindow)
	configViper.SetDefault("notify.cooldown_minutes", defaultNotifyCool)
	configViper.SetDefault("api.min_version", defaultMinAPIVersion)
	configViper.SetDefault("turn.realm", "")
	configViper.SetDefault("turn.urls", []string{})
	configViper.SetDefault("turn.credential_ttl_minutes", defaultTurnTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		BridgeURL:         configViper.GetString("bridge.url"),
		ContentGateway:    configViper.GetString("content.gateway"),
		SigningKey:        configViper.GetString("relay.signing_key"),
		TokenSecret:       configViper.GetString("token.signing_secret"),
		MinCallAmount:     configViper.GetFloat64("call.min_amount"),
		AuthWindow:        time.Duration(configViper.GetInt("auth.window_days")) * 24 * time.Hour,
		NotifyCooldown:    time.Duration(configViper.GetInt("notify.cooldown_minutes")) * time.Minute,
		MinAPIVersion:     configViper.GetInt("api.min_version"),
		TurnRealm:         configViper.GetString("turn.realm"),
		TurnURLs:          configViper.GetStringSlice("turn.urls"),
		TurnCredentialTTL: time.Duration(configViper.GetInt("turn.credential_ttl_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.BridgeURL) == "" {
		return fmt.Errorf("bridge.url is required")
	}
	if strings.TrimSpace(c.TokenSecret) == "" {
		return fmt.Errorf("token.signing_secret is required")
	}
	if c.AuthWindow <= 0 {
		return fmt.Errorf("auth.window_days must be positive")
	}
	return nil
}
