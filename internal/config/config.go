package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const EnvPrefix = "MEDSCRIBE"

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Lock      LockConfig      `mapstructure:"lock"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Sentry    SentryConfig    `mapstructure:"sentry"`
	Report    ReportConfig    `mapstructure:"report"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DatabaseConfig selects the store. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	ConnectAttempts int           `mapstructure:"connect_attempts"`
	ConnectDelay    time.Duration `mapstructure:"connect_delay"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
}

type LockConfig struct {
	Backend string        `mapstructure:"backend"`
	Wait    time.Duration `mapstructure:"wait"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialDelay   time.Duration `mapstructure:"initial_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	Multiplier     float64       `mapstructure:"multiplier"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
}

type WorkerConfig struct {
	Size          int           `mapstructure:"size"`
	Queue         int           `mapstructure:"queue"`
	SubmitTimeout time.Duration `mapstructure:"submit_timeout"`
}

type IngestConfig struct {
	MaxBytes    int64         `mapstructure:"max_bytes"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Formats     []string      `mapstructure:"formats"`
	AudioDir    string        `mapstructure:"audio_dir"`
	FFmpegPath  string        `mapstructure:"ffmpeg_path"`
	FFprobePath string        `mapstructure:"ffprobe_path"`
}

type ProvidersConfig struct {
	Transcription string         `mapstructure:"transcription"`
	Language      string         `mapstructure:"language_model"`
	AssemblyAI    ProviderConfig `mapstructure:"assemblyai"`
	OpenAI        ProviderConfig `mapstructure:"openai"`
	Gemini        ProviderConfig `mapstructure:"gemini"`
}

type ProviderConfig struct {
	APIKey            string        `mapstructure:"api_key"`
	BaseURL           string        `mapstructure:"base_url"`
	Model             string        `mapstructure:"model"`
	TranscribeModel   string        `mapstructure:"transcribe_model"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
}

type PricingConfig struct {
	TranscriptionPerMinute map[string]float64 `mapstructure:"transcription_per_minute"`
	InputPer1K             map[string]float64 `mapstructure:"input_per_1k"`
	OutputPer1K            map[string]float64 `mapstructure:"output_per_1k"`
}

type UsageConfig struct {
	MonthlyBudget float64       `mapstructure:"monthly_budget"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type KafkaConfig struct {
	Brokers    []string `mapstructure:"brokers"`
	AuditTopic string   `mapstructure:"audit_topic"`
	UsageTopic string   `mapstructure:"usage_topic"`
}

type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
}

type ReportConfig struct {
	FontPaths []string `mapstructure:"font_paths"`
}

// Load reads configuration from the optional YAML file, a .env file and the
// environment, in increasing order of precedence. A non-empty path selects an
// explicit config file.
func Load(v *viper.Viper, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("medscribe")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "medscribe"))
		}
		v.AddConfigPath("/etc/medscribe")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.url", "")
	v.SetDefault("database.connect_attempts", 10)
	v.SetDefault("database.connect_delay", 2*time.Second)
	v.SetDefault("database.migrate_on_start", true)
	v.SetDefault("database.max_open_conns", 20)

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.wait", 5*time.Second)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", time.Second)
	v.SetDefault("retry.max_delay", 8*time.Second)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.attempt_timeout", 2*time.Minute)

	v.SetDefault("worker.size", 4)
	v.SetDefault("worker.queue", 64)
	v.SetDefault("worker.submit_timeout", 2*time.Second)

	v.SetDefault("ingest.max_bytes", 50<<20)
	v.SetDefault("ingest.max_duration", 30*time.Minute)
	v.SetDefault("ingest.formats", []string{"wav", "mp3", "webm", "ogg", "m4a", "flac"})
	v.SetDefault("ingest.audio_dir", "data/audio")
	v.SetDefault("ingest.ffmpeg_path", "ffmpeg")
	v.SetDefault("ingest.ffprobe_path", "ffprobe")

	v.SetDefault("providers.transcription", "assemblyai")
	v.SetDefault("providers.language_model", "openai")
	// api keys need a registered default so AutomaticEnv picks them up on Unmarshal
	for _, p := range []string{"assemblyai", "openai", "gemini"} {
		v.SetDefault("providers."+p+".api_key", "")
	}
	v.SetDefault("providers.assemblyai.base_url", "https://api.assemblyai.com")
	v.SetDefault("providers.openai.base_url", "")
	v.SetDefault("providers.gemini.base_url", "")
	v.SetDefault("providers.assemblyai.requests_per_second", 5)
	v.SetDefault("providers.assemblyai.poll_interval", 3*time.Second)
	v.SetDefault("providers.openai.model", "gpt-4o-mini")
	v.SetDefault("providers.openai.transcribe_model", "whisper-1")
	v.SetDefault("providers.openai.requests_per_second", 5)
	v.SetDefault("providers.gemini.model", "gemini-2.5-flash")
	v.SetDefault("providers.gemini.requests_per_second", 5)

	v.SetDefault("pricing.transcription_per_minute", map[string]float64{"assemblyai": 0.30, "whisper": 0.006})
	v.SetDefault("pricing.input_per_1k", map[string]float64{"openai": 0.00015, "gemini": 0.0003})
	v.SetDefault("pricing.output_per_1k", map[string]float64{"openai": 0.0006, "gemini": 0.0025})

	v.SetDefault("usage.monthly_budget", 5000.0)
	v.SetDefault("usage.flush_interval", 30*time.Second)

	v.SetDefault("kafka.audit_topic", "consultation.audit")
	v.SetDefault("kafka.usage_topic", "consultation.usage")

	v.SetDefault("kafka.brokers", []string{})

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.chat_id", 0)

	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")

	v.SetDefault("report.font_paths", []string{
		"/usr/share/fonts/ttf-dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/truetype/dejavu/DejaVuSans.ttf",
		"/usr/share/fonts/truetype/noto/NotoSans-Regular.ttf",
	})
}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Worker.Size <= 0 {
		errs = append(errs, fmt.Errorf("worker.size must be positive"))
	}
	if c.Worker.Queue < 0 {
		errs = append(errs, fmt.Errorf("worker.queue must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("retry.max_attempts must be between 1 and 10"))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1"))
	}
	switch c.Lock.Backend {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("lock.backend postgres requires database.url"))
		}
		// every running pipeline holds one connection for its advisory lock
		if c.Worker.Size >= c.Database.MaxOpenConns {
			errs = append(errs, fmt.Errorf("worker.size %d must stay below database.max_open_conns %d with lock.backend postgres",
				c.Worker.Size, c.Database.MaxOpenConns))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown lock.backend %q", c.Lock.Backend))
	}
	if c.Lock.Wait <= 0 {
		errs = append(errs, fmt.Errorf("lock.wait must be positive"))
	}
	if c.Ingest.MaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("ingest.max_bytes must be positive"))
	}
	switch c.Providers.Transcription {
	case "assemblyai", "whisper":
	default:
		errs = append(errs, fmt.Errorf("unknown providers.transcription %q", c.Providers.Transcription))
	}
	switch c.Providers.Language {
	case "openai", "gemini":
	default:
		errs = append(errs, fmt.Errorf("unknown providers.language_model %q", c.Providers.Language))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}
