package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Dispatcher backends for grading jobs.
const (
	DispatcherMemory = "memory"
	DispatcherNATS   = "nats"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName     string
	AppEnv      string
	AppPort     string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	JWTSecret   string

	Grading GradingConfig

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AnthropicAPIKey string
	GeminiAPIKey    string
	GeminiBaseURL   string
}

// GradingConfig holds the orchestration policy.
type GradingConfig struct {
	Workers            int
	QueueSize          int
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	DefaultTimeout     time.Duration
	DefaultMaxRetries  int
	DefaultThreshold   float64
	Dispatcher         string
	NATSSubject        string
	EventsChannel      string
	ConfigCacheTTL     time.Duration
	CorrectnessRule    string
	CorrectnessRatio   float64
	RecoverOnStart     bool
	BulkRateLimit      int
	BulkRateWindow     time.Duration
	StreamPingInterval time.Duration
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GEMA")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("grading.workers", 4)
	v.SetDefault("grading.queue_size", 256)
	v.SetDefault("grading.backoff_base", "2s")
	v.SetDefault("grading.backoff_max", "1m")
	v.SetDefault("grading.default_timeout", "300s")
	v.SetDefault("grading.default_max_retries", 3)
	v.SetDefault("grading.default_threshold", 80)
	v.SetDefault("grading.dispatcher", DispatcherMemory)
	v.SetDefault("grading.nats_subject", "gema.grading.tasks")
	v.SetDefault("grading.events_channel", "gema:grading:events")
	v.SetDefault("grading.config_cache_ttl", "5m")
	v.SetDefault("grading.correctness_rule", "positive_score")
	v.SetDefault("grading.correctness_ratio", 0.5)
	v.SetDefault("grading.recover_on_start", true)
	v.SetDefault("grading.bulk_rate_limit", 5)
	v.SetDefault("grading.bulk_rate_window", "1m")
	v.SetDefault("grading.stream_ping_interval", "30s")

	durations := map[string]time.Duration{}
	for _, key := range []string{
		"grading.backoff_base",
		"grading.backoff_max",
		"grading.default_timeout",
		"grading.config_cache_ttl",
		"grading.bulk_rate_window",
		"grading.stream_ping_interval",
	} {
		parsed, err := time.ParseDuration(v.GetString(key))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s: %w", key, err)
		}
		durations[key] = parsed
	}

	cfg := Config{
		AppName:     v.GetString("app.name"),
		AppEnv:      v.GetString("app.env"),
		AppPort:     v.GetString("app.port"),
		DatabaseURL: v.GetString("database.url"),
		RedisURL:    v.GetString("redis.url"),
		NATSURL:     v.GetString("nats.url"),
		JWTSecret:   v.GetString("jwt.secret"),
		Grading: GradingConfig{
			Workers:            v.GetInt("grading.workers"),
			QueueSize:          v.GetInt("grading.queue_size"),
			BackoffBase:        durations["grading.backoff_base"],
			BackoffMax:         durations["grading.backoff_max"],
			DefaultTimeout:     durations["grading.default_timeout"],
			DefaultMaxRetries:  v.GetInt("grading.default_max_retries"),
			DefaultThreshold:   v.GetFloat64("grading.default_threshold"),
			Dispatcher:         strings.ToLower(strings.TrimSpace(v.GetString("grading.dispatcher"))),
			NATSSubject:        v.GetString("grading.nats_subject"),
			EventsChannel:      v.GetString("grading.events_channel"),
			ConfigCacheTTL:     durations["grading.config_cache_ttl"],
			CorrectnessRule:    strings.ToLower(strings.TrimSpace(v.GetString("grading.correctness_rule"))),
			CorrectnessRatio:   v.GetFloat64("grading.correctness_ratio"),
			RecoverOnStart:     v.GetBool("grading.recover_on_start"),
			BulkRateLimit:      v.GetInt("grading.bulk_rate_limit"),
			BulkRateWindow:     durations["grading.bulk_rate_window"],
			StreamPingInterval: durations["grading.stream_ping_interval"],
		},
		OpenAIAPIKey:    v.GetString("openai_api_key"),
		OpenAIBaseURL:   v.GetString("openai_base_url"),
		AnthropicAPIKey: v.GetString("anthropic_api_key"),
		GeminiAPIKey:    v.GetString("gemini_api_key"),
		GeminiBaseURL:   v.GetString("gemini_base_url"),
	}

	if err := cfg.Grading.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// RequireServer checks the settings only the HTTP server needs.
func (c Config) RequireServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt secret must be provided")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("database url must be provided")
	}
	return nil
}

func (g *GradingConfig) validate() error {
	if g.Workers <= 0 {
		g.Workers = 4
	}
	if g.QueueSize <= 0 {
		g.QueueSize = 256
	}
	if g.DefaultMaxRetries < 0 {
		return fmt.Errorf("grading.default_max_retries must not be negative")
	}
	if g.DefaultTimeout <= 0 {
		return fmt.Errorf("grading.default_timeout must be positive")
	}
	if g.DefaultThreshold < 0 || g.DefaultThreshold > 100 {
		return fmt.Errorf("grading.default_threshold must be between 0 and 100")
	}
	switch g.Dispatcher {
	case DispatcherMemory, DispatcherNATS:
	default:
		return fmt.Errorf("unsupported grading.dispatcher %q", g.Dispatcher)
	}
	return nil
}
