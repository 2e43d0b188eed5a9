package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/satriahrh/eon-voice/domain/entities"
)

const (
	DefaultVoicePort   = 8001
	DefaultGatewayPort = 8000

	// ConfigFileEnv names an optional YAML config file
	ConfigFileEnv = "EON_CONFIG_FILE"
)

const defaultVoiceInstructions = "You are a warm, helpful voice assistant. Keep answers short and conversational, and ask a follow-up question when it helps."

const defaultGatewayInstructions = "You are Eon, a helpful and friendly AI assistant. Respond naturally and conversationally."

// VoiceConfig configures the voice service and its provider adapter
type VoiceConfig struct {
	Adapter             string        `mapstructure:"adapter"`
	Endpoint            string        `mapstructure:"endpoint"`
	APIKey              string        `mapstructure:"api_key"`
	Model               string        `mapstructure:"model"`
	Voice               string        `mapstructure:"name"`
	APIVersion          string        `mapstructure:"api_version"`
	TranscriptionModel  string        `mapstructure:"transcription_model"`
	StrictHandshake     bool          `mapstructure:"strict_handshake"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout"`
	DefaultInstructions string        `mapstructure:"default_instructions"`
	UserScopedTools     []string      `mapstructure:"-"`
	UserScopedPrefixes  []string      `mapstructure:"-"`
}

// MongoConfig selects the session ledger store. An empty URI keeps the
// ledger in memory.
type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

// LedgerConfig controls the stale session sweep
type LedgerConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// GatewayConfig configures the relay hop
type GatewayConfig struct {
	VoiceServiceURL string                     `mapstructure:"voice_service_url"`
	Instructions    string                     `mapstructure:"instructions"`
	JWTSecret       string                     `mapstructure:"jwt_secret"`
	ToolsFile       string                     `mapstructure:"tools_file"`
	Tools           []entities.ToolDeclaration `mapstructure:"-"`
}

// Config is the process configuration shared by both services
type Config struct {
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Voice           VoiceConfig   `mapstructure:"voice"`
	Mongo           MongoConfig   `mapstructure:"mongodb"`
	Ledger          LedgerConfig  `mapstructure:"ledger"`
	Gateway         GatewayConfig `mapstructure:"gateway"`
}

// Options controls where Load looks for configuration
type Options struct {
	// ConfigFile is an optional YAML file; EON_CONFIG_FILE is used when empty
	ConfigFile string
	// EnvFile is loaded into the environment if it exists
	EnvFile string
	// DefaultPort applies when neither PORT nor the file set a port
	DefaultPort int
}

// env names for every key. Keys without an entry are file-only.
var envBindings = map[string]string{
	"port":                       "PORT",
	"log_level":                  "LOG_LEVEL",
	"shutdown_timeout":           "SHUTDOWN_TIMEOUT",
	"voice.adapter":              "VOICE_ADAPTER",
	"voice.endpoint":             "VOICE_ENDPOINT",
	"voice.api_key":              "VOICE_API_KEY",
	"voice.model":                "VOICE_MODEL",
	"voice.name":                 "VOICE_NAME",
	"voice.api_version":          "VOICE_API_VERSION",
	"voice.transcription_model":  "VOICE_TRANSCRIPTION_MODEL",
	"voice.strict_handshake":     "VOICE_STRICT_HANDSHAKE",
	"voice.handshake_timeout":    "VOICE_HANDSHAKE_TIMEOUT",
	"voice.default_instructions": "VOICE_DEFAULT_INSTRUCTIONS",
	"voice.user_scoped_tools":    "VOICE_USER_SCOPED_TOOLS",
	"voice.user_scoped_prefixes": "VOICE_USER_SCOPED_PREFIXES",
	"mongodb.uri":                "MONGODB_URI",
	"mongodb.database":           "MONGODB_DATABASE",
	"ledger.ttl":                 "SESSION_LEDGER_TTL",
	"ledger.cleanup_interval":    "SESSION_CLEANUP_INTERVAL",
	"gateway.voice_service_url":  "VOICE_SERVICE_URL",
	"gateway.instructions":       "GATEWAY_INSTRUCTIONS",
	"gateway.jwt_secret":         "GATEWAY_JWT_SECRET",
	"gateway.tools_file":         "GATEWAY_TOOLS_FILE",
}

func setDefaults(v *viper.Viper, defaultPort int) {
	v.SetDefault("port", defaultPort)
	v.SetDefault("log_level", "info")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("voice.adapter", "openai_realtime")
	v.SetDefault("voice.model", "gpt-4o-mini-realtime-preview")
	v.SetDefault("voice.name", "alloy")
	v.SetDefault("voice.transcription_model", "whisper-1")
	v.SetDefault("voice.strict_handshake", false)
	v.SetDefault("voice.handshake_timeout", "15s")
	v.SetDefault("voice.default_instructions", defaultVoiceInstructions)
	v.SetDefault("voice.user_scoped_tools", "search_memory,add_memory,get_user_context,forget_memory")
	v.SetDefault("voice.user_scoped_prefixes", "GoogleCalendar_")

	v.SetDefault("mongodb.database", "eon_voice")
	v.SetDefault("ledger.ttl", "6h")
	v.SetDefault("ledger.cleanup_interval", "30m")

	v.SetDefault("gateway.voice_service_url", "ws://localhost:8001/ws/voice")
	v.SetDefault("gateway.instructions", defaultGatewayInstructions)
}

// Load reads configuration from defaults, an optional YAML file, an optional
// .env file and the environment, in increasing order of precedence.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", opts.EnvFile, err)
		}
	}
	if opts.DefaultPort == 0 {
		opts.DefaultPort = DefaultVoicePort
	}

	v := viper.New()
	setDefaults(v, opts.DefaultPort)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	configFile := opts.ConfigFile
	if configFile == "" {
		configFile = os.Getenv(ConfigFileEnv)
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.Voice.UserScopedTools = stringList(v.Get("voice.user_scoped_tools"))
	cfg.Voice.UserScopedPrefixes = stringList(v.Get("voice.user_scoped_prefixes"))

	if cfg.Gateway.ToolsFile != "" {
		tools, err := loadTools(cfg.Gateway.ToolsFile)
		if err != nil {
			return nil, err
		}
		cfg.Gateway.Tools = tools
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make a service unable to start. Missing
// provider credentials are reported per session instead.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be positive")
	}
	if c.Ledger.TTL <= 0 || c.Ledger.CleanupInterval <= 0 {
		return errors.New("ledger ttl and cleanup_interval must be positive")
	}
	return nil
}

// Debug reports whether debug logging was requested
func (c *Config) Debug() bool {
	return strings.EqualFold(c.LogLevel, "debug")
}

// stringList accepts a YAML list or a comma separated string
func stringList(value any) []string {
	var items []string
	switch v := value.(type) {
	case string:
		items = strings.Split(v, ",")
	case []string:
		items = v
	case []any:
		for _, item := range v {
			items = append(items, fmt.Sprint(item))
		}
	}

	result := []string{}
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			result = append(result, item)
		}
	}
	return result
}

func loadTools(path string) ([]entities.ToolDeclaration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tools file: %w", err)
	}

	var tools []entities.ToolDeclaration
	if err := json.Unmarshal(data, &tools); err != nil {
		return nil, fmt.Errorf("failed to parse tools file %s: %w", path, err)
	}
	return tools, nil
}
