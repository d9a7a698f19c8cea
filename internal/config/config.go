package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "DRAFTSMITH"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "draftsmith.db"
	defaultLogLevel      = "info"
	defaultLogEncoding   = "json"
	defaultTokenTTLMin   = 60
	defaultDebounceMS    = 1000
	minDebounceMS        = 100
	maxDebounceMS        = 10000
	defaultAssistantBase = "https://api.openai.com/v1"
	defaultAssistantName = "gpt-4o-mini"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress      string
	DatabasePath     string
	LogLevel         string
	LogEncoding      string
	SigningSecret    string
	TokenTTL         time.Duration
	DebounceWindow   time.Duration
	AssistantAPIKey  string
	AssistantBaseURL string
	AssistantModel   string
	WebhookSecret    string
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
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMin)
	configViper.SetDefault("editor.debounce_ms", defaultDebounceMS)
	configViper.SetDefault("assistant.base_url", defaultAssistantBase)
	configViper.SetDefault("assistant.model", defaultAssistantName)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	debounceMS := configViper.GetInt("editor.debounce_ms")
	if debounceMS < minDebounceMS {
		debounceMS = minDebounceMS
	}
	if debounceMS > maxDebounceMS {
		debounceMS = maxDebounceMS
	}

	cfg := AppConfig{
		HTTPAddress:      configViper.GetString("http.address"),
		DatabasePath:     configViper.GetString("database.path"),
		LogLevel:         configViper.GetString("log.level"),
		LogEncoding:      configViper.GetString("log.encoding"),
		SigningSecret:    configViper.GetString("auth.signing_secret"),
		TokenTTL:         time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		DebounceWindow:   time.Duration(debounceMS) * time.Millisecond,
		AssistantAPIKey:  configViper.GetString("assistant.api_key"),
		AssistantBaseURL: configViper.GetString("assistant.base_url"),
		AssistantModel:   configViper.GetString("assistant.model"),
		WebhookSecret:    configViper.GetString("billing.webhook_secret"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.AssistantAPIKey) == "" {
		return fmt.Errorf("assistant.api_key is required")
	}
	if strings.TrimSpace(c.AssistantBaseURL) == "" {
		return fmt.Errorf("assistant.base_url is required")
	}
	if strings.TrimSpace(c.AssistantModel) == "" {
		return fmt.Errorf("assistant.model is required")
	}
	return nil
}
