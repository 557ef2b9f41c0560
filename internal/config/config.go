package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/screensplit/server/internal/validation"
)

type Config struct {
	Server      ServerConfig     `yaml:"server"`
	Database    DatabaseConfig   `yaml:"database"`
	Redis       RedisConfig      `yaml:"redis"`
	Auth        AuthConfig       `yaml:"auth"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"`
	Storage     StorageConfig    `yaml:"storage"`
	Email       EmailConfig      `yaml:"email"`
	OAuth       OAuthConfig      `yaml:"oauth"`
	ImageProxy  ImageProxyConfig `yaml:"image_proxy"`
	Jobs        JobsConfig       `yaml:"jobs"`
	Logging     LoggingConfig    `yaml:"logging"`
	Tracing     TracingConfig    `yaml:"tracing"`
	CORS        CORSConfig       `yaml:"cors"`
	Environment string           `yaml:"environment"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is where this API is reachable; AppURL is the browser front end
	// that email links and OAuth redirects point at.
	BaseURL string `yaml:"base_url"`
	AppURL  string `yaml:"app_url"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MaxConnections int    `yaml:"max_connections"`
	MigrationsPath string `yaml:"migrations_path"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	ShareAccessTTL  time.Duration `yaml:"share_access_ttl"`
	CookieSecure    bool          `yaml:"cookie_secure"`
	CSRFKey         string        `yaml:"csrf_key"`
	VerificationTTL time.Duration `yaml:"verification_ttl"`
	ResetTTL        time.Duration `yaml:"reset_ttl"`
}

type RateLimitConfig struct {
	AuthPer10Minutes        int      `yaml:"auth_per_10_minutes"`
	ShareUnlockPer15Minutes int      `yaml:"share_unlock_per_15_minutes"`
	UploadPerMinute         int      `yaml:"upload_per_minute"`
	VideoSplitPerHour       int      `yaml:"videosplit_per_hour"`
	ProxyPerMinute          int      `yaml:"proxy_per_minute"`
	TrustedProxyCIDRs       []string `yaml:"trusted_proxy_cidrs"`
}

type StorageConfig struct {
	Bucket         string        `yaml:"bucket"`
	Region         string        `yaml:"region"`
	Endpoint       string        `yaml:"endpoint"`
	AccessKeyID    string        `yaml:"access_key_id"`
	SecretKey      string        `yaml:"secret_key"`
	UsePathStyle   bool          `yaml:"use_path_style"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	UploadExpiry   time.Duration `yaml:"upload_expiry"`
	DownloadExpiry time.Duration `yaml:"download_expiry"`
}

type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Provider     string `yaml:"provider"`
	From         string `yaml:"from"`
	ResendAPIKey string `yaml:"resend_api_key"`
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUser     string `yaml:"smtp_user"`
	SMTPPassword string `yaml:"smtp_password"`
}

type OAuthConfig struct {
	GitHubClientID     string `yaml:"github_client_id"`
	GitHubClientSecret string `yaml:"github_client_secret"`
}

type ImageProxyConfig struct {
	AllowedHosts []string      `yaml:"allowed_hosts"`
	MaxBytes     int64         `yaml:"max_bytes"`
	Timeout      time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	VideoWorkers    int           `yaml:"video_workers"`
	FFmpegPath      string        `yaml:"ffmpeg_path"`
	RenderTimeout   time.Duration `yaml:"render_timeout"`
	VideoRetention  time.Duration `yaml:"video_retention"`
	DisableWorkers  bool          `yaml:"disable_workers"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	ServiceName  string  `yaml:"service_name"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	SampleRate   float64 `yaml:"sample_rate"`
}

type CORSConfig struct {
	AllowAllOrigins bool     `yaml:"allow_all_origins"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// Defaults returns the configuration used when neither a file nor the
// environment provides a value.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Host:    "0.0.0.0",
			Port:    8080,
			BaseURL: "http://localhost:8080",
			AppURL:  "http://localhost:3000",
		},
		Database: DatabaseConfig{
			MaxConnections: 25,
			MigrationsPath: "internal/storage/postgres/migrations",
		},
		Auth: AuthConfig{
			SessionTTL:      30 * 24 * time.Hour,
			ShareAccessTTL:  24 * time.Hour,
			VerificationTTL: 24 * time.Hour,
			ResetTTL:        time.Hour,
		},
		RateLimit: RateLimitConfig{
			AuthPer10Minutes:        10,
			ShareUnlockPer15Minutes: 10,
			UploadPerMinute:         30,
			VideoSplitPerHour:       10,
			ProxyPerMinute:          120,
		},
		Storage: StorageConfig{
			Region:         "us-east-1",
			UploadExpiry:   15 * time.Minute,
			DownloadExpiry: time.Hour,
		},
		Email: EmailConfig{
			Provider: "resend",
			From:     "Screensplit <no-reply@screensplit.app>",
			SMTPPort: 587,
		},
		ImageProxy: ImageProxyConfig{
			MaxBytes: 10 << 20,
			Timeout:  10 * time.Second,
		},
		Jobs: JobsConfig{
			VideoWorkers:    2,
			FFmpegPath:      "ffmpeg",
			RenderTimeout:   15 * time.Minute,
			VideoRetention:  7 * 24 * time.Hour,
			CleanupInterval: 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Exporter:    "stdout",
			ServiceName: "screensplit",
			SampleRate:  1.0,
		},
		Environment: "development",
	}
}

// Load reads configuration from the environment on top of Defaults.
func Load() (Config, error) {
	return LoadFile("")
}

// LoadFile reads an optional YAML file and then applies environment
// overrides. An empty path skips the file.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Database.URL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("JWT_SECRET is required")
	}
	if len(cfg.Auth.JWTSecret) < 32 && !cfg.IsDevelopment() {
		return Config{}, fmt.Errorf("JWT_SECRET must be at least 32 characters outside development")
	}
	if !cfg.IsDevelopment() && len(cfg.CORS.AllowedOrigins) == 0 {
		return Config{}, fmt.Errorf("CORS_ALLOWED_ORIGINS is required outside development")
	}
	if cfg.Email.Enabled && cfg.Email.Provider == "resend" && cfg.Email.ResendAPIKey == "" {
		return Config{}, fmt.Errorf("RESEND_API_KEY is required when EMAIL_PROVIDER=resend")
	}

	requireHTTPS := !cfg.IsDevelopment()
	if err := validation.ValidateBaseURL(cfg.Server.BaseURL, "BASE_URL", requireHTTPS); err != nil {
		return Config{}, err
	}
	if err := validation.ValidateBaseURL(cfg.Server.AppURL, "APP_URL", requireHTTPS); err != nil {
		return Config{}, err
	}
	if err := validation.ValidateURL(cfg.Storage.PublicBaseURL, "MEDIA_PUBLIC_BASE_URL", requireHTTPS); err != nil {
		return Config{}, err
	}
	if err := validation.ValidateURL(cfg.Storage.Endpoint, "S3_ENDPOINT", false); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.BaseURL = strings.TrimRight(getEnv("SERVER_BASE_URL", cfg.Server.BaseURL), "/")
	cfg.Server.AppURL = strings.TrimRight(getEnv("APP_URL", cfg.Server.AppURL), "/")

	cfg.Database.URL = getEnv("DATABASE_URL", cfg.Database.URL)
	cfg.Database.MaxConnections = getEnvInt("DATABASE_MAX_CONNECTIONS", cfg.Database.MaxConnections)
	cfg.Database.MigrationsPath = getEnv("MIGRATIONS_PATH", cfg.Database.MigrationsPath)

	cfg.Redis.URL = getEnv("REDIS_URL", cfg.Redis.URL)

	cfg.Auth.JWTSecret = getEnv("JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.SessionTTL = time.Duration(getEnvInt("SESSION_TTL_HOURS", int(cfg.Auth.SessionTTL/time.Hour))) * time.Hour
	cfg.Auth.CSRFKey = getEnv("CSRF_KEY", cfg.Auth.CSRFKey)

	cfg.RateLimit.AuthPer10Minutes = getEnvInt("RATE_LIMIT_AUTH", cfg.RateLimit.AuthPer10Minutes)
	cfg.RateLimit.ShareUnlockPer15Minutes = getEnvInt("RATE_LIMIT_SHARE_UNLOCK", cfg.RateLimit.ShareUnlockPer15Minutes)
	cfg.RateLimit.UploadPerMinute = getEnvInt("RATE_LIMIT_UPLOAD", cfg.RateLimit.UploadPerMinute)
	cfg.RateLimit.VideoSplitPerHour = getEnvInt("RATE_LIMIT_VIDEOSPLIT", cfg.RateLimit.VideoSplitPerHour)
	cfg.RateLimit.ProxyPerMinute = getEnvInt("RATE_LIMIT_PROXY", cfg.RateLimit.ProxyPerMinute)
	cfg.RateLimit.TrustedProxyCIDRs = getEnvList("TRUSTED_PROXY_CIDRS", cfg.RateLimit.TrustedProxyCIDRs)

	cfg.Storage.Bucket = getEnv("S3_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Region = getEnv("S3_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = getEnv("S3_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKeyID = getEnv("S3_ACCESS_KEY_ID", cfg.Storage.AccessKeyID)
	cfg.Storage.SecretKey = getEnv("S3_SECRET_ACCESS_KEY", cfg.Storage.SecretKey)
	cfg.Storage.UsePathStyle = getEnvBool("S3_USE_PATH_STYLE", cfg.Storage.UsePathStyle)
	cfg.Storage.PublicBaseURL = strings.TrimRight(getEnv("MEDIA_PUBLIC_BASE_URL", cfg.Storage.PublicBaseURL), "/")

	cfg.Email.Enabled = getEnvBool("EMAIL_ENABLED", cfg.Email.Enabled)
	cfg.Email.Provider = strings.ToLower(getEnv("EMAIL_PROVIDER", cfg.Email.Provider))
	cfg.Email.From = getEnv("EMAIL_FROM", cfg.Email.From)
	cfg.Email.ResendAPIKey = getEnv("RESEND_API_KEY", cfg.Email.ResendAPIKey)
	cfg.Email.SMTPHost = getEnv("SMTP_HOST", cfg.Email.SMTPHost)
	cfg.Email.SMTPPort = getEnvInt("SMTP_PORT", cfg.Email.SMTPPort)
	cfg.Email.SMTPUser = getEnv("SMTP_USER", cfg.Email.SMTPUser)
	cfg.Email.SMTPPassword = getEnv("SMTP_PASSWORD", cfg.Email.SMTPPassword)

	cfg.OAuth.GitHubClientID = getEnv("GITHUB_CLIENT_ID", cfg.OAuth.GitHubClientID)
	cfg.OAuth.GitHubClientSecret = getEnv("GITHUB_CLIENT_SECRET", cfg.OAuth.GitHubClientSecret)

	cfg.ImageProxy.AllowedHosts = getEnvList("IMAGE_PROXY_ALLOWED_HOSTS", cfg.ImageProxy.AllowedHosts)
	cfg.ImageProxy.MaxBytes = int64(getEnvInt("IMAGE_PROXY_MAX_BYTES", int(cfg.ImageProxy.MaxBytes)))

	cfg.Jobs.VideoWorkers = getEnvInt("VIDEO_WORKERS", cfg.Jobs.VideoWorkers)
	cfg.Jobs.FFmpegPath = getEnv("FFMPEG_PATH", cfg.Jobs.FFmpegPath)
	cfg.Jobs.DisableWorkers = getEnvBool("DISABLE_WORKERS", cfg.Jobs.DisableWorkers)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Exporter = getEnv("TRACING_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)

	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)

	cfg.CORS.AllowedOrigins = getEnvList("CORS_ALLOWED_ORIGINS", cfg.CORS.AllowedOrigins)
	if cfg.IsDevelopment() && len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowAllOrigins = true
	}
	if !cfg.IsDevelopment() && os.Getenv("COOKIE_SECURE") == "" {
		cfg.Auth.CookieSecure = true
	}
	cfg.Auth.CookieSecure = getEnvBool("COOKIE_SECURE", cfg.Auth.CookieSecure)
}

func (c Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "test"
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
