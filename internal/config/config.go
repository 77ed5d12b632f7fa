package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                     = "CHATCORE"
	defaultChannelURL             = "ws://localhost:3001/chat"
	defaultReconnectMin           = 500 * time.Millisecond
	defaultReconnectMax           = 30 * time.Second
	defaultStorePath              = "chatcore.db"
	defaultBridgeAddress          = "127.0.0.1:8787"
	defaultLogLevel               = "info"
	defaultLogFormat              = "json"
	defaultNotificationPermission = true
)

// AppConfig captures runtime configuration for the chat client.
type AppConfig struct {
	ChannelURL             string
	ReconnectMin           time.Duration
	ReconnectMax           time.Duration
	StorePath              string
	IdentityName           string
	AllowedIdentities      []string
	NotificationPermission bool
	BridgeAddress          string
	BridgeOrigins          []string
	LogLevel               string
	LogFormat              string
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

	configViper.SetDefault("channel.url", defaultChannelURL)
	configViper.SetDefault("channel.reconnect_min", defaultReconnectMin)
	configViper.SetDefault("channel.reconnect_max", defaultReconnectMax)
	configViper.SetDefault("store.path", defaultStorePath)
	configViper.SetDefault("identity.name", "")
	configViper.SetDefault("identity.allowed", []string{})
	configViper.SetDefault("notifications.permission", defaultNotificationPermission)
	configViper.SetDefault("bridge.address", defaultBridgeAddress)
	configViper.SetDefault("bridge.allowed_origins", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ChannelURL:             strings.TrimSpace(configViper.GetString("channel.url")),
		ReconnectMin:           configViper.GetDuration("channel.reconnect_min"),
		ReconnectMax:           configViper.GetDuration("channel.reconnect_max"),
		StorePath:              strings.TrimSpace(configViper.GetString("store.path")),
		IdentityName:           strings.TrimSpace(configViper.GetString("identity.name")),
		AllowedIdentities:      splitList(configViper.GetStringSlice("identity.allowed")),
		NotificationPermission: configViper.GetBool("notifications.permission"),
		BridgeAddress:          strings.TrimSpace(configViper.GetString("bridge.address")),
		BridgeOrigins:          splitList(configViper.GetStringSlice("bridge.allowed_origins")),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.ChannelURL == "" {
		return fmt.Errorf("channel.url is required")
	}
	parsed, err := url.Parse(c.ChannelURL)
	if err != nil {
		return fmt.Errorf("channel.url is invalid: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return fmt.Errorf("channel.url must use ws or wss, got %q", parsed.Scheme)
	}
	if c.ReconnectMin <= 0 {
		return fmt.Errorf("channel.reconnect_min must be positive")
	}
	if c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("channel.reconnect_max must not be below channel.reconnect_min")
	}
	if c.StorePath == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.BridgeAddress == "" {
		return fmt.Errorf("bridge.address is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "console" {
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	return nil
}

// splitList accepts both repeated values and comma-separated environment values.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
