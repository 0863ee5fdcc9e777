// Package config handles application configuration.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/dataguard/dataguard/internal/models"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Auth     AuthConfig     `mapstructure:"auth"`
	OTEL     OTELConfig     `mapstructure:"otel"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            string   `mapstructure:"port"`
	ReadTimeout     int      `mapstructure:"read_timeout"`
	WriteTimeout    int      `mapstructure:"write_timeout"`
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string `mapstructure:"cors_origins"`
	LogLevel        string   `mapstructure:"log_level"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL disables audit
// persistence; the engine runs unaffected.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// PolicyConfig holds policy loading configuration.
type PolicyConfig struct {
	DefaultPath string `mapstructure:"default_path"`
	Watch       bool   `mapstructure:"watch"`
}

// LLMConfig selects the risk scorer backend.
type LLMConfig struct {
	Provider string `mapstructure:"provider"` // stub, anthropic, openai
	APIKey   string `mapstructure:"api_key"`
	Model    string `mapstructure:"model"`
}

// AuthConfig holds API key authentication configuration.
type AuthConfig struct {
	// APIKeys is comma-separated. A bare key grants admin on the default
	// tenant; "key:tenant:role" sets both explicitly.
	APIKeys string `mapstructure:"api_keys"`
	// RateLimitRPM is requests per minute per key. 0 disables rate limiting.
	RateLimitRPM int `mapstructure:"rate_limit_rpm"`
}

// OTELConfig holds OpenTelemetry configuration.
type OTELConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Endpoint       string `mapstructure:"endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// Load reads configuration from file and environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/dataguard")
		v.AddConfigPath("$HOME/.dataguard")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// Config file not found - continue with defaults and env vars
		}
	}

	v.SetEnvPrefix("DATAGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.url", "")

	v.SetDefault("policy.default_path", "policies/default_policy.json")
	v.SetDefault("policy.watch", false)

	v.SetDefault("llm.provider", "stub")
	v.SetDefault("llm.model", "")

	v.SetDefault("auth.api_keys", "")
	v.SetDefault("auth.rate_limit_rpm", 60)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "dataguard")
	v.SetDefault("otel.service_version", "0.1.0")
}

func bindEnvVars(v *viper.Viper) {
	if val := os.Getenv("DATABASE_URL"); val != "" {
		v.Set("database.url", val)
	}
	if val := os.Getenv("DATAGUARD_API_KEYS"); val != "" {
		v.Set("auth.api_keys", val)
	}
	if val := os.Getenv("DATAGUARD_LLM_API_KEY"); val != "" {
		v.Set("llm.api_key", val)
	}
}

// ParseAPIKeys expands the comma-separated key list into structured entries.
// A bare key is admin on the default tenant; "key:tenant:role" overrides.
func (c *AuthConfig) ParseAPIKeys() map[string]models.APIKeyInfo {
	keys := map[string]models.APIKeyInfo{}
	for _, raw := range strings.Split(c.APIKeys, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		info := models.APIKeyInfo{TenantID: "default", Role: models.RoleAdmin}
		parts := strings.Split(raw, ":")
		info.Key = parts[0]
		if len(parts) > 1 && parts[1] != "" {
			info.TenantID = parts[1]
		}
		if len(parts) > 2 {
			switch models.Role(parts[2]) {
			case models.RoleAgent:
				info.Role = models.RoleAgent
			case models.RoleAdmin:
				info.Role = models.RoleAdmin
			}
		}
		keys[info.Key] = info
	}
	return keys
}
