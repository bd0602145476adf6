package config

import (
	"os"
	"strings"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Scene     SceneConfig
	Video     VideoConfig
	Lipsync   LipsyncConfig
	R2        R2Config
	Pipeline  PipelineConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type DatabaseConfig struct {
	Driver string // "postgres" or "sqlite"
	DSN    string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
}

type RateLimitConfig struct {
	GeneratePerHour int
	CancelPerHour   int
}

type SceneConfig struct {
	APIKey  string
	BaseURL string
}

type VideoConfig struct {
	APIKey  string
	BaseURL string
}

type LipsyncConfig struct {
	APIKey  string
	BaseURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

// PipelineConfig tunes the chunk pipeline: planner bounds, poll ceilings,
// retry policy and the render concurrency pool.
type PipelineConfig struct {
	ChunkDurationSeconds int
	MaxDurationMs        int64
	MaxChunks            int
	MinVideoChunkMs      int64
	ScenePollSeconds     int
	ScenePollMaxAttempts int
	VideoPollSeconds     int
	VideoPollMaxAttempts int
	RetryBaseSeconds     int
	SceneMaxRetries      int
	VideoMaxRetries      int
	RenderConcurrency    int
	RenderAcquireSeconds int
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("DATABASE_DSN")
	readSecret("JWT_SECRET")
	readSecret("SCENE_API_KEY")
	readSecret("VIDEO_API_KEY")
	readSecret("LIPSYNC_API_KEY")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Environment variables
	viper.AutomaticEnv()

	// Bind environment variables with underscores to nested config keys
	_ = viper.BindEnv("server.port", "SERVER_PORT")
	_ = viper.BindEnv("server.env", "SERVER_ENV")
	_ = viper.BindEnv("server.log_level", "LOG_LEVEL")
	_ = viper.BindEnv("server.api_domain", "API_DOMAIN")
	_ = viper.BindEnv("database.driver", "DATABASE_DRIVER")
	_ = viper.BindEnv("database.dsn", "DATABASE_DSN")
	_ = viper.BindEnv("redis.addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = viper.BindEnv("redis.db", "REDIS_DB")
	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = viper.BindEnv("ratelimit.cancel_per_hour", "RATELIMIT_CANCEL_PER_HOUR")
	_ = viper.BindEnv("scene.api_key", "SCENE_API_KEY")
	_ = viper.BindEnv("scene.base_url", "SCENE_BASE_URL")
	_ = viper.BindEnv("video.api_key", "VIDEO_API_KEY")
	_ = viper.BindEnv("video.base_url", "VIDEO_BASE_URL")
	_ = viper.BindEnv("lipsync.api_key", "LIPSYNC_API_KEY")
	_ = viper.BindEnv("lipsync.base_url", "LIPSYNC_BASE_URL")
	_ = viper.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = viper.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = viper.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = viper.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = viper.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = viper.BindEnv("pipeline.chunk_duration_seconds", "PIPELINE_CHUNK_DURATION_SECONDS")
	_ = viper.BindEnv("pipeline.max_duration_ms", "PIPELINE_MAX_DURATION_MS")
	_ = viper.BindEnv("pipeline.max_chunks", "PIPELINE_MAX_CHUNKS")
	_ = viper.BindEnv("pipeline.min_video_chunk_ms", "PIPELINE_MIN_VIDEO_CHUNK_MS")
	_ = viper.BindEnv("pipeline.scene_poll_seconds", "PIPELINE_SCENE_POLL_SECONDS")
	_ = viper.BindEnv("pipeline.scene_poll_max_attempts", "PIPELINE_SCENE_POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.video_poll_seconds", "PIPELINE_VIDEO_POLL_SECONDS")
	_ = viper.BindEnv("pipeline.video_poll_max_attempts", "PIPELINE_VIDEO_POLL_MAX_ATTEMPTS")
	_ = viper.BindEnv("pipeline.retry_base_seconds", "PIPELINE_RETRY_BASE_SECONDS")
	_ = viper.BindEnv("pipeline.scene_max_retries", "PIPELINE_SCENE_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.video_max_retries", "PIPELINE_VIDEO_MAX_RETRIES")
	_ = viper.BindEnv("pipeline.render_concurrency", "PIPELINE_RENDER_CONCURRENCY")
	_ = viper.BindEnv("pipeline.render_acquire_seconds", "PIPELINE_RENDER_ACQUIRE_SECONDS")

	// Defaults
	viper.SetDefault("server.port", "8010")
	viper.SetDefault("server.env", "development")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "video-service.db")
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("jwt.secret", "change-me-in-production")
	viper.SetDefault("ratelimit.generate_per_hour", 5)
	viper.SetDefault("ratelimit.cancel_per_hour", 30)

	// Provider defaults
	viper.SetDefault("scene.base_url", "https://api.scene-gen.makeasinger.com")
	viper.SetDefault("video.base_url", "https://api.video-gen.makeasinger.com")
	viper.SetDefault("lipsync.base_url", "https://api.lipsync.makeasinger.com")

	// Pipeline defaults
	viper.SetDefault("pipeline.chunk_duration_seconds", 8)
	viper.SetDefault("pipeline.max_duration_ms", 600000)
	viper.SetDefault("pipeline.max_chunks", 90)
	viper.SetDefault("pipeline.min_video_chunk_ms", 1000)
	viper.SetDefault("pipeline.scene_poll_seconds", 10)
	viper.SetDefault("pipeline.scene_poll_max_attempts", 60)
	viper.SetDefault("pipeline.video_poll_seconds", 15)
	viper.SetDefault("pipeline.video_poll_max_attempts", 80)
	viper.SetDefault("pipeline.retry_base_seconds", 15)
	viper.SetDefault("pipeline.scene_max_retries", 5)
	viper.SetDefault("pipeline.video_max_retries", 5)
	viper.SetDefault("pipeline.render_concurrency", 2)
	viper.SetDefault("pipeline.render_acquire_seconds", 300)

	// Try to read config file (optional)
	_ = viper.ReadInConfig()

	cfg := &Config{
		Server: ServerConfig{
			Port:      viper.GetString("server.port"),
			Env:       viper.GetString("server.env"),
			LogLevel:  viper.GetString("server.log_level"),
			ApiDomain: viper.GetString("server.api_domain"),
		},
		Database: DatabaseConfig{
			Driver: viper.GetString("database.driver"),
			DSN:    viper.GetString("database.dsn"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: viper.GetInt("ratelimit.generate_per_hour"),
			CancelPerHour:   viper.GetInt("ratelimit.cancel_per_hour"),
		},
		Scene: SceneConfig{
			APIKey:  viper.GetString("scene.api_key"),
			BaseURL: viper.GetString("scene.base_url"),
		},
		Video: VideoConfig{
			APIKey:  viper.GetString("video.api_key"),
			BaseURL: viper.GetString("video.base_url"),
		},
		Lipsync: LipsyncConfig{
			APIKey:  viper.GetString("lipsync.api_key"),
			BaseURL: viper.GetString("lipsync.base_url"),
		},
		R2: R2Config{
			AccountID:       viper.GetString("r2.account_id"),
			AccessKeyID:     viper.GetString("r2.access_key_id"),
			SecretAccessKey: viper.GetString("r2.secret_access_key"),
			BucketName:      viper.GetString("r2.bucket_name"),
			PublicURL:       viper.GetString("r2.public_url"),
		},
		Pipeline: PipelineConfig{
			ChunkDurationSeconds: viper.GetInt("pipeline.chunk_duration_seconds"),
			MaxDurationMs:        viper.GetInt64("pipeline.max_duration_ms"),
			MaxChunks:            viper.GetInt("pipeline.max_chunks"),
			MinVideoChunkMs:      viper.GetInt64("pipeline.min_video_chunk_ms"),
			ScenePollSeconds:     viper.GetInt("pipeline.scene_poll_seconds"),
			ScenePollMaxAttempts: viper.GetInt("pipeline.scene_poll_max_attempts"),
			VideoPollSeconds:     viper.GetInt("pipeline.video_poll_seconds"),
			VideoPollMaxAttempts: viper.GetInt("pipeline.video_poll_max_attempts"),
			RetryBaseSeconds:     viper.GetInt("pipeline.retry_base_seconds"),
			SceneMaxRetries:      viper.GetInt("pipeline.scene_max_retries"),
			VideoMaxRetries:      viper.GetInt("pipeline.video_max_retries"),
			RenderConcurrency:    viper.GetInt("pipeline.render_concurrency"),
			RenderAcquireSeconds: viper.GetInt("pipeline.render_acquire_seconds"),
		},
	}

	return cfg, nil
}
