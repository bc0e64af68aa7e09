package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv
const EnvPrefix = "MARKETCHAT_"

// DevTokenSecret is the default signing secret. It is only fit for local development.
const DevTokenSecret = "marketchat-dev-secret"

// Config is the system-wide settings tree
type Config struct {
	Database  *DatabaseConfig  `json:"database" envPrefix:"DATABASE_"`
	HTTP      *HTTPConfig      `json:"http" envPrefix:"HTTP_"`
	WebSocket *WebSocketConfig `json:"websocket" envPrefix:"WEBSOCKET_"`
	Chat      *ChatConfig      `json:"chat" envPrefix:"CHAT_"`
	Auth      *AuthConfig      `json:"auth" envPrefix:"AUTH_"`
	Telemetry *TelemetryConfig `json:"telemetry" envPrefix:"TELEMETRY_"`
}

type DatabaseConfig struct {
	Path    string        `json:"path" env:"PATH"`
	Timeout time.Duration `json:"timeout" env:"TIMEOUT"`
}

type HTTPConfig struct {
	Port         int           `json:"port" env:"PORT"`
	ReadTimeout  time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	Host         string        `json:"host" env:"HOST"`
}

type WebSocketConfig struct {
	PingInterval    time.Duration `json:"ping_interval" env:"PING_INTERVAL"`
	ReadTimeout     time.Duration `json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `json:"write_timeout" env:"WRITE_TIMEOUT"`
	BufferSize      int           `json:"buffer_size" env:"BUFFER_SIZE"`
	MaxMessageBytes int64         `json:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
	AllowedOrigins  []string      `json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// ChatConfig tunes per-room and per-connection chat behavior
type ChatConfig struct {
	HistoryLimit    int     `json:"history_limit" env:"HISTORY_LIMIT"`
	MaxMessageRunes int     `json:"max_message_runes" env:"MAX_MESSAGE_RUNES"`
	RateLimit       float64 `json:"rate_limit" env:"RATE_LIMIT"`
	RateBurst       int     `json:"rate_burst" env:"RATE_BURST"`
}

// AuthConfig configures session token verification
type AuthConfig struct {
	TokenSecret string        `json:"token_secret" env:"TOKEN_SECRET"`
	Issuer      string        `json:"issuer" env:"ISSUER"`
	CookieName  string        `json:"cookie_name" env:"COOKIE_NAME"`
	TokenTTL    time.Duration `json:"token_ttl" env:"TOKEN_TTL"`
}

// TelemetryConfig enables OTLP/HTTP trace export when Endpoint is set
type TelemetryConfig struct {
	Endpoint    string `json:"endpoint" env:"ENDPOINT"`
	ServiceName string `json:"service_name" env:"SERVICE_NAME"`
}

// DefaultConfig returns a configuration that passes Validate and runs locally
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:    "./data/marketchat.db",
			Timeout: 30 * time.Second,
		},
		HTTP: &HTTPConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Host:         "0.0.0.0",
		},
		WebSocket: &WebSocketConfig{
			PingInterval:    30 * time.Second,
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    5 * time.Second,
			BufferSize:      100,
			MaxMessageBytes: 16 * 1024,
			AllowedOrigins:  []string{"*"},
		},
		Chat: &ChatConfig{
			HistoryLimit:    50,
			MaxMessageRunes: 2000,
			RateLimit:       10,
			RateBurst:       20,
		},
		Auth: &AuthConfig{
			TokenSecret: DevTokenSecret,
			Issuer:      "marketplace",
			CookieName:  "session",
			TokenTTL:    24 * time.Hour,
		},
		Telemetry: &TelemetryConfig{
			ServiceName: "marketchat",
		},
	}
}

// Validate rejects configurations that would fail at runtime
func (c *Config) Validate() error {
	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.HTTP == nil {
		return fmt.Errorf("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return fmt.Errorf("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return fmt.Errorf("HTTP write timeout must be positive")
	}
	if c.HTTP.Host == "" {
		return fmt.Errorf("HTTP host cannot be empty")
	}

	if c.WebSocket == nil {
		return fmt.Errorf("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return fmt.Errorf("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return fmt.Errorf("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return fmt.Errorf("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return fmt.Errorf("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		return fmt.Errorf("WebSocket max message bytes must be positive")
	}

	if c.Chat == nil {
		return fmt.Errorf("chat configuration is required")
	}
	if c.Chat.HistoryLimit <= 0 {
		return fmt.Errorf("chat history limit must be positive")
	}
	if c.Chat.MaxMessageRunes <= 0 {
		return fmt.Errorf("chat max message runes must be positive")
	}
	if c.Chat.RateLimit < 0 || c.Chat.RateBurst < 0 {
		return fmt.Errorf("chat rate limit and burst cannot be negative")
	}
	if c.Chat.RateLimit > 0 && c.Chat.RateBurst == 0 {
		return fmt.Errorf("chat rate burst must be positive when rate limiting is enabled")
	}

	if c.Auth == nil {
		return fmt.Errorf("auth configuration is required")
	}
	if c.Auth.TokenSecret == "" {
		return fmt.Errorf("auth token secret cannot be empty")
	}
	if c.Auth.Issuer == "" {
		return fmt.Errorf("auth issuer cannot be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth token TTL must be positive")
	}

	if c.Telemetry == nil {
		return fmt.Errorf("telemetry configuration is required")
	}
	if c.Telemetry.Endpoint != "" && c.Telemetry.ServiceName == "" {
		return fmt.Errorf("telemetry service name is required when an endpoint is set")
	}

	return nil
}

// LoadFromEnv overlays MARKETCHAT_* environment variables on the defaults
func LoadFromEnv() (*Config, error) {
	config := DefaultConfig()
	if err := applyEnv(config); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *Config) error {
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}
	return nil
}

// ConfigFile represents the JSON structure for file-based configuration.
// Durations are strings such as "30s".
type ConfigFile struct {
	Database  *DatabaseConfigFile  `json:"database"`
	HTTP      *HTTPConfigFile      `json:"http"`
	WebSocket *WebSocketConfigFile `json:"websocket"`
	Chat      *ChatConfig          `json:"chat"`
	Auth      *AuthConfigFile      `json:"auth"`
	Telemetry *TelemetryConfig     `json:"telemetry"`
}

type DatabaseConfigFile struct {
	Path    string `json:"path"`
	Timeout string `json:"timeout"`
}

type HTTPConfigFile struct {
	Port         int    `json:"port"`
	ReadTimeout  string `json:"read_timeout"`
	WriteTimeout string `json:"write_timeout"`
	Host         string `json:"host"`
}

type WebSocketConfigFile struct {
	PingInterval    string   `json:"ping_interval"`
	ReadTimeout     string   `json:"read_timeout"`
	WriteTimeout    string   `json:"write_timeout"`
	BufferSize      int      `json:"buffer_size"`
	MaxMessageBytes int64    `json:"max_message_bytes"`
	AllowedOrigins  []string `json:"allowed_origins"`
}

type AuthConfigFile struct {
	TokenSecret string `json:"token_secret"`
	Issuer      string `json:"issuer"`
	CookieName  string `json:"cookie_name"`
	TokenTTL    string `json:"token_ttl"`
}

// LoadFromFile reads a JSON config file over the defaults
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var file ConfigFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	p := durationParser{file: filepath}

	if f := file.Database; f != nil {
		setString(&config.Database.Path, f.Path)
		p.parse(&config.Database.Timeout, "database.timeout", f.Timeout)
	}

	if f := file.HTTP; f != nil {
		setPositive(&config.HTTP.Port, f.Port)
		setString(&config.HTTP.Host, f.Host)
		p.parse(&config.HTTP.ReadTimeout, "http.read_timeout", f.ReadTimeout)
		p.parse(&config.HTTP.WriteTimeout, "http.write_timeout", f.WriteTimeout)
	}

	if f := file.WebSocket; f != nil {
		setPositive(&config.WebSocket.BufferSize, f.BufferSize)
		setPositive(&config.WebSocket.MaxMessageBytes, f.MaxMessageBytes)
		if len(f.AllowedOrigins) > 0 {
			config.WebSocket.AllowedOrigins = f.AllowedOrigins
		}
		p.parse(&config.WebSocket.PingInterval, "websocket.ping_interval", f.PingInterval)
		p.parse(&config.WebSocket.ReadTimeout, "websocket.read_timeout", f.ReadTimeout)
		p.parse(&config.WebSocket.WriteTimeout, "websocket.write_timeout", f.WriteTimeout)
	}

	if f := file.Chat; f != nil {
		setPositive(&config.Chat.HistoryLimit, f.HistoryLimit)
		setPositive(&config.Chat.MaxMessageRunes, f.MaxMessageRunes)
		setPositive(&config.Chat.RateLimit, f.RateLimit)
		setPositive(&config.Chat.RateBurst, f.RateBurst)
	}

	if f := file.Auth; f != nil {
		setString(&config.Auth.TokenSecret, f.TokenSecret)
		setString(&config.Auth.Issuer, f.Issuer)
		setString(&config.Auth.CookieName, f.CookieName)
		p.parse(&config.Auth.TokenTTL, "auth.token_ttl", f.TokenTTL)
	}

	if f := file.Telemetry; f != nil {
		setString(&config.Telemetry.Endpoint, f.Endpoint)
		setString(&config.Telemetry.ServiceName, f.ServiceName)
	}

	return p.err
}

// durationParser keeps the first parse failure
type durationParser struct {
	file string
	err  error
}

func (p *durationParser) parse(dst *time.Duration, field, raw string) {
	if raw == "" || p.err != nil {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.err = fmt.Errorf("invalid duration for %s in %s: %w", field, p.file, err)
		return
	}
	*dst = d
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setPositive[T int | int64 | float64](dst *T, v T) {
	if v > 0 {
		*dst = v
	}
}

// LoadConfigWithPrecedence builds the runtime config.
// Precedence: file > environment > defaults.
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := DefaultConfig()

	if err := applyEnv(config); err != nil {
		return nil, err
	}

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}
