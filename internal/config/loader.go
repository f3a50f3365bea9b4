package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix            = "WIRECHAT"
	envConfigDefaultPath = "WIRECHAT_CONFIG_DEFAULT_PATH"
	defaultConfigName    = "config.yaml"
)

// Load resolves configuration and returns it with the config file path used.
// Precedence: defaults < config file < WIRECHAT_* env vars. A missing file is
// created from the defaults.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	cfg := Default()
	defaults := settings(cfg)

	v := viper.New()
	v.SetConfigType("yaml")
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := resolveConfigPath(explicitPath)
	v.SetConfigFile(configPath)

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
	case errors.As(err, &notFound), errors.Is(err, os.ErrNotExist):
		if writeErr := writeDefaultConfig(configPath, defaults); writeErr != nil {
			if logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("could not write default config")
			}
		} else if logger != nil {
			logger.Info().Str("path", configPath).Msg("created default config")
		}
	default:
		return cfg, configPath, fmt.Errorf("read config %s: %w", configPath, err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, configPath, nil
}

// settings lists every config key with its value from cfg. Durations are
// rendered as strings so the written file reads "5s" rather than nanoseconds.
func settings(cfg Config) map[string]any {
	return map[string]any{
		"api_url":             cfg.APIURL,
		"ws_url":              cfg.WSURL,
		"heartbeat_interval":  duration(cfg.HeartbeatInterval),
		"reconnect_delay":     duration(cfg.ReconnectDelay),
		"handshake_timeout":   duration(cfg.HandshakeTimeout),
		"publish_timeout":     duration(cfg.PublishTimeout),
		"log_level":           cfg.LogLevel,
		"listen_addr":         cfg.ListenAddr,
		"read_header_timeout": duration(cfg.ReadHeaderTimeout),
		"shutdown_timeout":    duration(cfg.ShutdownTimeout),
		"jwt_secret":          cfg.JWTSecret,
		"jwt_issuer":          cfg.JWTIssuer,
		"jwt_audience":        cfg.JWTAudience,
		"jwt_ttl":             duration(cfg.JWTTTL),
		"send_rate_limit":     cfg.SendRateLimit,
		"token":               cfg.Token,
	}
}

func duration(d time.Duration) string {
	return d.String()
}

func resolveConfigPath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if base := os.Getenv(envConfigDefaultPath); base != "" {
		return filepath.Join(base, defaultConfigName)
	}
	if cwd, err := os.Getwd(); err == nil {
		return filepath.Join(cwd, defaultConfigName)
	}
	return defaultConfigName
}

func writeDefaultConfig(path string, values map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	fileValues := make(map[string]any, len(values))
	for key, value := range values {
		if s, ok := value.(string); ok && s == "" {
			continue
		}
		fileValues[key] = value
	}
	data, err := yaml.Marshal(fileValues)
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}
