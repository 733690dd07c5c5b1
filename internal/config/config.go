package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config captures the runtime configuration for the transcription service and capture tooling.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Transcription TranscriptionConfig `mapstructure:"transcription"`
	Capture       CaptureConfig       `mapstructure:"capture"`
	Redis         RedisConfig         `mapstructure:"redis"`
	RateLimits    RateLimitConfig     `mapstructure:"rate_limits"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Health        HealthConfig        `mapstructure:"health"`
}

type ServerConfig struct {
	ListenAddr            string        `mapstructure:"listen_addr"`
	BodyLimitMB           int           `mapstructure:"body_limit_mb"`
	ReadTimeout           time.Duration `mapstructure:"read_timeout"`
	GracefulShutdownDelay time.Duration `mapstructure:"graceful_shutdown_delay"`
	// AllowedOrigins lists exact http(s) origins; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EngineConfig selects and authenticates the remote speech engine.
type EngineConfig struct {
	Provider          string        `mapstructure:"provider"`
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Organization      string        `mapstructure:"organization"`
	Model             string        `mapstructure:"model"`
	Timeout           time.Duration `mapstructure:"timeout"`
	TranslationTarget string        `mapstructure:"translation_target"`
}

type TranscriptionConfig struct {
	MaxUploadMB int `mapstructure:"max_upload_mb"`
	// IdempotencyTTL bounds how long a keyed upload's response is replayed (redis only).
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// MaxUploadBytes is the accepted payload ceiling, inclusive.
func (t TranscriptionConfig) MaxUploadBytes() int64 {
	return int64(t.MaxUploadMB) * 1024 * 1024
}

type CaptureConfig struct {
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	Timeslice     time.Duration `mapstructure:"timeslice"`
	MimeType      string        `mapstructure:"mime_type"`
	MaxInFlight   int           `mapstructure:"max_in_flight"`
	StartSequence int           `mapstructure:"start_sequence"`
	EventBuffer   int           `mapstructure:"event_buffer"`
	StopTimeout   time.Duration `mapstructure:"stop_timeout"`
	RelayWait     time.Duration `mapstructure:"relay_wait"`
	Language      string        `mapstructure:"language"`
	TranslateTo   string        `mapstructure:"translate_to"`
	FFmpeg        FFmpegConfig  `mapstructure:"ffmpeg"`
}

type FFmpegConfig struct {
	Binary         string `mapstructure:"binary"`
	InputFormat    string `mapstructure:"input_format"`
	DeviceTemplate string `mapstructure:"device_template"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
}

type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	ParallelRequests  int `mapstructure:"parallel_requests"`
}

type ObservabilityConfig struct {
	OTLPEndpoint  string `mapstructure:"otlp_endpoint"`
	EnableOTLP    bool   `mapstructure:"enable_otlp"`
	EnableMetrics bool   `mapstructure:"enable_metrics"`
}

type HealthConfig struct {
	CheckInterval time.Duration `mapstructure:"check_interval"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// Options controls the config loader behavior.
type Options struct {
	ConfigFile string
	EnvFile    string
	// SkipEngineKey relaxes validation for tools that never call the engine directly.
	SkipEngineKey bool
}

// Load returns the merged configuration sourced from YAML and environment variables.
func Load(opts Options) (*Config, error) {
	if opts.EnvFile != "" {
		_ = godotenv.Load(opts.EnvFile)
	} else {
		_ = godotenv.Load()
	}

	v := viper.New()
	setDefaults(v)

	explicitFile := false
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		explicitFile = true
	} else if cfg := os.Getenv("TABSCRIBE_CONFIG_FILE"); cfg != "" {
		v.SetConfigFile(cfg)
		explicitFile = true
	}

	if !explicitFile {
		v.SetConfigName("tabscribe")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TABSCRIBE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Keys without defaults are invisible to AutomaticEnv during Unmarshal.
	for _, key := range []string{"engine.api_key", "engine.base_url", "engine.organization", "redis.url", "capture.language", "capture.translate_to"} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(timeStringToDurationHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(!opts.SkipEngineKey); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures required values are set and fills derived defaults.
func (c *Config) Validate() error {
	return c.validate(true)
}

func (c *Config) validate(requireKey bool) error {
	var missing []string

	if requireKey && strings.TrimSpace(c.Engine.APIKey) == "" {
		missing = append(missing, "TABSCRIBE_ENGINE_API_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Server.BodyLimitMB <= 0 {
		return fmt.Errorf("server.body_limit_mb must be > 0")
	}
	if c.Redis.PoolSize < 0 {
		return fmt.Errorf("redis.pool_size must be >= 0")
	}
	if c.RateLimits.RequestsPerMinute < 0 || c.RateLimits.ParallelRequests < 0 {
		return fmt.Errorf("rate_limits values must be >= 0")
	}

	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Transcription.validate(); err != nil {
		return err
	}
	if err := c.Capture.validate(); err != nil {
		return err
	}
	if c.Server.BodyLimitMB < c.Transcription.MaxUploadMB {
		return fmt.Errorf("server.body_limit_mb (%d) must be >= transcription.max_upload_mb (%d)", c.Server.BodyLimitMB, c.Transcription.MaxUploadMB)
	}
	if c.Health.Timeout <= 0 {
		c.Health.Timeout = 10 * time.Second
	}
	return nil
}

func (e *EngineConfig) validate() error {
	e.Provider = strings.ToLower(strings.TrimSpace(e.Provider))
	switch e.Provider {
	case "":
		e.Provider = "openai"
	case "openai", "openai-compatible":
	default:
		return fmt.Errorf("engine.provider %q is not supported (openai, openai-compatible)", e.Provider)
	}
	if e.Provider == "openai-compatible" && strings.TrimSpace(e.BaseURL) == "" {
		return fmt.Errorf("engine.base_url must be provided for openai-compatible engines")
	}
	if strings.TrimSpace(e.Model) == "" {
		return fmt.Errorf("engine.model must be provided")
	}
	if e.Timeout <= 0 {
		return fmt.Errorf("engine.timeout must be > 0")
	}
	e.TranslationTarget = strings.ToLower(strings.TrimSpace(e.TranslationTarget))
	if e.TranslationTarget == "" {
		e.TranslationTarget = "en"
	}
	return nil
}

func (t *TranscriptionConfig) validate() error {
	if t.MaxUploadMB <= 0 {
		t.MaxUploadMB = 25
	}
	return nil
}

func (c *CaptureConfig) validate() error {
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("capture.chunk_interval must be > 0")
	}
	if c.Timeslice <= 0 {
		c.Timeslice = time.Second
	}
	if c.Timeslice > c.ChunkInterval {
		return fmt.Errorf("capture.timeslice cannot exceed capture.chunk_interval")
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("capture.max_in_flight must be > 0")
	}
	if c.StartSequence < 0 {
		return fmt.Errorf("capture.start_sequence must be >= 0")
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 64
	}
	if strings.TrimSpace(c.MimeType) == "" {
		c.MimeType = "audio/webm;codecs=opus"
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.RelayWait <= 0 {
		c.RelayWait = 15 * time.Second
	}
	if strings.TrimSpace(c.FFmpeg.Binary) == "" {
		c.FFmpeg.Binary = "ffmpeg"
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.body_limit_mb", 26)
	v.SetDefault("server.read_timeout", "120s")
	v.SetDefault("server.graceful_shutdown_delay", "5s")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("engine.provider", "openai")
	v.SetDefault("engine.model", "whisper-1")
	v.SetDefault("engine.timeout", "60s")
	v.SetDefault("engine.translation_target", "en")

	v.SetDefault("transcription.max_upload_mb", 25)
	v.SetDefault("transcription.idempotency_ttl", "30m")

	v.SetDefault("capture.chunk_interval", "10s")
	v.SetDefault("capture.timeslice", "1s")
	v.SetDefault("capture.mime_type", "audio/webm;codecs=opus")
	v.SetDefault("capture.max_in_flight", 4)
	v.SetDefault("capture.start_sequence", 0)
	v.SetDefault("capture.event_buffer", 64)
	v.SetDefault("capture.stop_timeout", "30s")
	v.SetDefault("capture.relay_wait", "15s")
	v.SetDefault("capture.ffmpeg.binary", "ffmpeg")
	v.SetDefault("capture.ffmpeg.input_format", "pulse")
	v.SetDefault("capture.ffmpeg.device_template", "default")

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("rate_limits.requests_per_minute", 120)
	v.SetDefault("rate_limits.parallel_requests", 8)

	v.SetDefault("observability.enable_otlp", false)
	v.SetDefault("observability.enable_metrics", true)
	v.SetDefault("observability.otlp_endpoint", "http://localhost:4317")

	v.SetDefault("health.check_interval", "60s")
	v.SetDefault("health.timeout", "10s")
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c Config) Redacted() Config {
	out := c
	out.Engine.APIKey = mask(c.Engine.APIKey)
	out.Redis.URL = mask(c.Redis.URL)
	return out
}

func mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "****"
}

func timeStringToDurationHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case time.Duration:
			return v, nil
		case string:
			d, err := time.ParseDuration(v)
			if err != nil {
				return nil, err
			}
			return d, nil
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		default:
			return nil, fmt.Errorf("cannot decode %T into time.Duration", data)
		}
	}
}
