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

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Generation  GenerationConfig          `mapstructure:"generation"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	RateLimit   RateLimitConfig           `mapstructure:"rate_limit"`
}

type ProviderConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	APIKey      string `mapstructure:"api_key"`
	TokenPrefix string `mapstructure:"token_prefix"`
	TokenLength int    `mapstructure:"token_length"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	// Mode selects the prompt framing: "chat" or "sql".
	Mode     string `mapstructure:"mode"`
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	// SchemaPath points at the schema document used in sql mode.
	SchemaPath         string `mapstructure:"schema_path"`
	SessionTTL         int    `mapstructure:"session_ttl"`         // minutes
	StreamTimeout      int    `mapstructure:"stream_timeout"`      // seconds
	TranscriptDB       string `mapstructure:"transcript_db"`       // key into Databases, empty disables transcripts
	TranscriptRetain   int    `mapstructure:"transcript_retain"`   // hours
	TranscriptInterval int    `mapstructure:"transcript_interval"` // minutes
}

// GenerationConfig holds the default generation parameters for new sessions.
type GenerationConfig struct {
	Temperature       float64 `mapstructure:"temperature"`
	TopP              float64 `mapstructure:"top_p"`
	MaxLength         int     `mapstructure:"max_length"`
	RepetitionPenalty float64 `mapstructure:"repetition_penalty"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// EnvConfigPath names the environment variable consulted when no path is given.
const EnvConfigPath = "LLAMACHAT_CONFIG"

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", ":8090")
	v.SetDefault("basic_config.mode", "chat")
	v.SetDefault("basic_config.provider", "replicate")
	v.SetDefault("basic_config.model", "meta/meta-llama-3.1-405b-instruct")
	v.SetDefault("basic_config.session_ttl", 60)
	v.SetDefault("basic_config.stream_timeout", 120)
	v.SetDefault("basic_config.transcript_retain", 24*7)
	v.SetDefault("basic_config.transcript_interval", 60)

	v.SetDefault("generation.temperature", 0.1)
	v.SetDefault("generation.top_p", 0.9)
	v.SetDefault("generation.max_length", 50)
	v.SetDefault("generation.repetition_penalty", 1.0)

	v.SetDefault("providers.replicate.model", "meta/meta-llama-3.1-405b-instruct")
	v.SetDefault("providers.replicate.token_prefix", "r8_")
	v.SetDefault("providers.replicate.token_length", 40)
	v.SetDefault("providers.mock.model", "mock")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("rate_limit.requests_per_second", 5.0)
	v.SetDefault("rate_limit.burst", 10)
}

// Load reads configuration from the provided path (defaults to $LLAMACHAT_CONFIG, then config.json).
// A missing file is not an error: defaults and LLAMACHAT_* environment variables still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("LLAMACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.BasicConfig.SchemaPath != "" && !filepath.IsAbs(cfg.BasicConfig.SchemaPath) {
		cfg.BasicConfig.SchemaPath = filepath.Join(filepath.Dir(absPath), cfg.BasicConfig.SchemaPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late, at the first turn.
func (c *Config) Validate() error {
	switch c.BasicConfig.Mode {
	case "chat":
	case "sql":
		if c.BasicConfig.SchemaPath == "" {
			return errors.New("schema_path must be configured in sql mode")
		}
	default:
		return fmt.Errorf("invalid mode %q: must be \"chat\" or \"sql\"", c.BasicConfig.Mode)
	}
	if c.BasicConfig.Provider == "" {
		return errors.New("provider must be configured")
	}
	if db := c.BasicConfig.TranscriptDB; db != "" {
		if _, ok := c.Databases[db]; !ok {
			return fmt.Errorf("transcript_db %q has no database config", db)
		}
	}
	return nil
}

// Provider returns the provider section for name, falling back to an empty config.
func (c *Config) Provider(name string) ProviderConfig {
	if c == nil || c.Providers == nil {
		return ProviderConfig{}
	}
	return c.Providers[name]
}

// SessionTTL reports the idle lifetime of a session.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.BasicConfig.SessionTTL) * time.Minute
}

// StreamTimeout bounds one streamed HTTP turn.
func (c *Config) StreamTimeout() time.Duration {
	return time.Duration(c.BasicConfig.StreamTimeout) * time.Second
}
