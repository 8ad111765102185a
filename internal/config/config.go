package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	filePath := os.Getenv(envKey + "_FILE")
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	os.Setenv(envKey, strings.TrimSpace(string(data)))
}

type Config struct {
	Server        ServerConfig
	Redis         RedisConfig
	JWT           JWTConfig
	OIDC          OIDCConfig
	Gateway       GatewayConfig
	RateLimit     RateLimitConfig
	Transcription TranscriptionConfig
	Avatar        AvatarConfig
	Store         StoreConfig
	R2            R2Config
	Events        EventsConfig
	Audio         AudioConfig
	Worker        WorkerConfig
	Catalog       CatalogConfig
}

type ServerConfig struct {
	Port        string
	Env         string
	LogLevel    string
	ApiDomain   string
	BodyLimitMB int
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type OIDCConfig struct {
	Issuer   string
	ClientID string
}

type GatewayConfig struct {
	Enabled bool
	// Secret, when set, must arrive in X-Gateway-Secret on every request
	Secret string
}

type RateLimitConfig struct {
	GeneratePerHour int
	PersonaPerHour  int
}

type TranscriptionConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	Timeout      time.Duration
}

type AvatarConfig struct {
	APIKey          string
	BaseURL         string
	UploadURL       string
	PollInterval    time.Duration
	WaitMaxAttempts int
	Width           int
	Height          int
	AspectRatio     string
	Timeout         time.Duration
}

// StoreConfig selects the job history backend: redis, sqlite, postgres or memory
type StoreConfig struct {
	Driver    string
	DSN       string
	KeyPrefix string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
	Endpoint        string
}

type EventsConfig struct {
	Brokers []string
	Topic   string
}

type AudioConfig struct {
	FFmpegPath string
}

type WorkerConfig struct {
	Concurrency int
	TaskTimeout time.Duration
}

type CatalogConfig struct {
	Personas []PersonaEntry `mapstructure:"personas"`
	Voices   []VoiceEntry   `mapstructure:"voices"`
}

type PersonaEntry struct {
	ID       string `mapstructure:"id"`
	Label    string `mapstructure:"label"`
	AvatarID string `mapstructure:"avatar_id"`
	Style    string `mapstructure:"style"`
	ImageURL string `mapstructure:"image_url"`
}

type VoiceEntry struct {
	ID       string `mapstructure:"id"`
	Label    string `mapstructure:"label"`
	Language string `mapstructure:"language"`
}

// Load reads config.yaml (optional), environment variables and defaults
func Load() (*Config, error) {
	readSecret("REDIS_PASSWORD")
	readSecret("ASSEMBLYAI_API_KEY")
	readSecret("HEYGEN_API_KEY")
	readSecret("JWT_SECRET")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("STORE_DSN")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("server.body_limit_mb", "BODY_LIMIT_MB")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")
	_ = v.BindEnv("gateway.secret", "GATEWAY_SECRET")
	_ = v.BindEnv("transcription.api_key", "ASSEMBLYAI_API_KEY")
	_ = v.BindEnv("transcription.base_url", "ASSEMBLYAI_BASE_URL")
	_ = v.BindEnv("avatar.api_key", "HEYGEN_API_KEY")
	_ = v.BindEnv("avatar.base_url", "HEYGEN_BASE_URL")
	_ = v.BindEnv("avatar.upload_url", "HEYGEN_UPLOAD_URL")
	_ = v.BindEnv("avatar.wait_max_attempts", "HEYGEN_WAIT_MAX_ATTEMPTS")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.dsn", "STORE_DSN")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("r2.endpoint", "R2_ENDPOINT")
	_ = v.BindEnv("events.brokers", "KAFKA_BROKERS")
	_ = v.BindEnv("events.topic", "KAFKA_TOPIC_EVENTS")
	_ = v.BindEnv("audio.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("worker.concurrency", "WORKER_CONCURRENCY")
	_ = v.BindEnv("worker.task_timeout", "WORKER_TASK_TIMEOUT")

	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.body_limit_mb", 50)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("gateway.enabled", false)
	v.SetDefault("ratelimit.generate_per_hour", 10)
	v.SetDefault("ratelimit.persona_per_hour", 20)

	// AssemblyAI defaults
	v.SetDefault("transcription.base_url", "https://api.assemblyai.com")
	v.SetDefault("transcription.poll_interval", "3s")
	v.SetDefault("transcription.timeout", "60s")

	// HeyGen defaults
	v.SetDefault("avatar.base_url", "https://api.heygen.com")
	v.SetDefault("avatar.upload_url", "https://upload.heygen.com")
	v.SetDefault("avatar.poll_interval", "3s")
	v.SetDefault("avatar.wait_max_attempts", 5)
	v.SetDefault("avatar.width", 1280)
	v.SetDefault("avatar.height", 720)
	v.SetDefault("avatar.aspect_ratio", "16:9")
	v.SetDefault("avatar.timeout", "120s")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.key_prefix", "avatar")
	v.SetDefault("events.topic", "avatar.progress.v1")
	v.SetDefault("audio.ffmpeg_path", "ffmpeg")
	v.SetDefault("worker.concurrency", 10)
	v.SetDefault("worker.task_timeout", "2h")

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	var catalog CatalogConfig
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:        v.GetString("server.port"),
			Env:         v.GetString("server.env"),
			LogLevel:    v.GetString("server.log_level"),
			ApiDomain:   v.GetString("server.api_domain"),
			BodyLimitMB: v.GetInt("server.body_limit_mb"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		OIDC: OIDCConfig{
			Issuer:   v.GetString("oidc.issuer"),
			ClientID: v.GetString("oidc.client_id"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
			Secret:  v.GetString("gateway.secret"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			PersonaPerHour:  v.GetInt("ratelimit.persona_per_hour"),
		},
		Transcription: TranscriptionConfig{
			APIKey:       v.GetString("transcription.api_key"),
			BaseURL:      v.GetString("transcription.base_url"),
			PollInterval: v.GetDuration("transcription.poll_interval"),
			Timeout:      v.GetDuration("transcription.timeout"),
		},
		Avatar: AvatarConfig{
			APIKey:          v.GetString("avatar.api_key"),
			BaseURL:         v.GetString("avatar.base_url"),
			UploadURL:       v.GetString("avatar.upload_url"),
			PollInterval:    v.GetDuration("avatar.poll_interval"),
			WaitMaxAttempts: v.GetInt("avatar.wait_max_attempts"),
			Width:           v.GetInt("avatar.width"),
			Height:          v.GetInt("avatar.height"),
			AspectRatio:     v.GetString("avatar.aspect_ratio"),
			Timeout:         v.GetDuration("avatar.timeout"),
		},
		Store: StoreConfig{
			Driver:    strings.ToLower(v.GetString("store.driver")),
			DSN:       v.GetString("store.dsn"),
			KeyPrefix: v.GetString("store.key_prefix"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
			Endpoint:        v.GetString("r2.endpoint"),
		},
		Events: EventsConfig{
			Brokers: splitList(v.GetStringSlice("events.brokers")),
			Topic:   v.GetString("events.topic"),
		},
		Audio: AudioConfig{
			FFmpegPath: v.GetString("audio.ffmpeg_path"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("worker.concurrency"),
			TaskTimeout: v.GetDuration("worker.task_timeout"),
		},
		Catalog: catalog,
	}

	return cfg, nil
}

// splitList flattens comma-separated env values ("a:9092,b:9092") into one slice
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
