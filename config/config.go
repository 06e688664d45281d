package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Upstream providers
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all relay configuration
type Config struct {
	Port             int           `yaml:"port"`
	UpstreamProvider string        `yaml:"upstream_provider"` // "openai" or "gemini"
	OpenAIAPIKey     string        `yaml:"openai_api_key"`
	OpenAIURL        string        `yaml:"openai_realtime_url"`
	OpenAIModel      string        `yaml:"openai_realtime_model"`
	GeminiAPIKey     string        `yaml:"gemini_api_key"`
	GeminiModel      string        `yaml:"gemini_model"`
	RedisURL         string        `yaml:"redis_url"`
	RedisPassword    string        `yaml:"redis_password"`
	MaxSessions      int           `yaml:"max_sessions"` // 0 means unlimited
	SessionTimeout   time.Duration `yaml:"session_timeout"` // Idle expiry; zero disables the sweep
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	SampleRate       int           `yaml:"audio_sample_rate"` // Hz, mono 16-bit PCM
	MaxAudioSeconds  int           `yaml:"audio_max_seconds"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"` // "json" or "text"
}

// Default returns a Config populated with defaults only
func Default() *Config {
	return &Config{
		Port:             8080,
		UpstreamProvider: ProviderOpenAI,
		OpenAIURL:        "wss://api.openai.com/v1/realtime",
		OpenAIModel:      "gpt-4o-realtime-preview-2024-10-01",
		GeminiModel:      "models/gemini-2.5-flash-native-audio-preview-12-2025",
		RedisURL:         "localhost:6379",
		MaxSessions:      0,
		SessionTimeout:   30 * time.Minute,
		AllowedOrigins:   []string{"*"},
		SampleRate:       16000,
		MaxAudioSeconds:  2,
		DialTimeout:      15 * time.Second,
		LogLevel:         "info",
		LogFormat:        "json",
	}
}

// MaxAudioBytes is the largest audio chunk forwarded upstream:
// sample rate * 2 bytes per sample * max seconds.
func (c *Config) MaxAudioBytes() int {
	return c.SampleRate * 2 * c.MaxAudioSeconds
}

// LoadConfig loads configuration from .env, an optional YAML file named by
// RELAY_CONFIG, and environment variables, in increasing precedence.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	config := Default()

	if path := os.Getenv("RELAY_CONFIG"); path != "" {
		if err := config.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.loadEnv(); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.UpstreamProvider, "UPSTREAM_PROVIDER")
	setString(&c.OpenAIAPIKey, "OPENAI_API_KEY")
	setString(&c.OpenAIURL, "OPENAI_REALTIME_URL")
	setString(&c.OpenAIModel, "OPENAI_REALTIME_MODEL")
	setString(&c.GeminiAPIKey, "GEMINI_API_KEY")
	setString(&c.GeminiModel, "GEMINI_MODEL")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")

	ints := []struct {
		name string
		dst  *int
	}{
		{"PORT", &c.Port},
		{"MAX_SESSIONS", &c.MaxSessions},
		{"AUDIO_SAMPLE_RATE", &c.SampleRate},
		{"AUDIO_MAX_SECONDS", &c.MaxAudioSeconds},
	}
	for _, v := range ints {
		if err := setInt(v.dst, v.name); err != nil {
			return err
		}
	}

	// SESSION_TIMEOUT (in minutes)
	if err := setDuration(&c.SessionTimeout, "SESSION_TIMEOUT", time.Minute); err != nil {
		return err
	}
	// DIAL_TIMEOUT (in seconds)
	if err := setDuration(&c.DialTimeout, "DIAL_TIMEOUT", time.Second); err != nil {
		return err
	}

	// ALLOWED_ORIGINS (comma-separated)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.AllowedOrigins = strings.Split(origins, ",")
	}
	return nil
}

// Validate checks required fields for the selected provider
func (c *Config) Validate() error {
	switch c.UpstreamProvider {
	case ProviderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY environment variable is required")
		}
	case ProviderGemini:
		if c.GeminiAPIKey == "" {
			return fmt.Errorf("GEMINI_API_KEY environment variable is required")
		}
	default:
		return fmt.Errorf("invalid UPSTREAM_PROVIDER: must be '%s' or '%s'", ProviderOpenAI, ProviderGemini)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.MaxAudioBytes() <= 0 {
		return fmt.Errorf("invalid audio bound: sample rate %d, max seconds %d", c.SampleRate, c.MaxAudioSeconds)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("invalid MAX_SESSIONS: %d", c.MaxSessions)
	}
	return nil
}

func setString(dst *string, name string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setInt(dst *int, name string) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, name string, unit time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = time.Duration(n) * unit
	return nil
}
