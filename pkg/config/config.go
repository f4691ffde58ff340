package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/skytide-ai/skytide-nexus-crm-sub001/pkg/util"
)

type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	JWT        JWTConfig
	Encryption EncryptionConfig
	RateLimit  RateLimitConfig
	Cache      CacheConfig
	Storage    StorageConfig
	WhatsApp   WhatsAppConfig
	Email      EmailConfig
	Reminders  ReminderConfig
	Worker     WorkerConfig
}

type ServerConfig struct {
	Host           string
	Port           int
	Env            string
	PublicURL      string // frontend base for links in emails
	AllowedOrigins []string
	AutoMigrate    bool
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret      string
	ExpiryHours int
}

type EncryptionConfig struct {
	Key string
}

type RateLimitConfig struct {
	Requests      int
	WindowSeconds int
}

// CacheConfig selects the backend of the query mirror.
type CacheConfig struct {
	Backend    string // memory, redis
	TTLSeconds int
	Prefix     string
}

type StorageConfig struct {
	Provider        string // s3, gcs, memory, none
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLTTLMinutes   int
}

type WhatsAppConfig struct {
	APIBaseURL  string
	VerifyToken string
	AppSecret   string
	RetryMax    int
}

type EmailConfig struct {
	APIURL      string
	APIKey      string
	FromAddress string
}

type ReminderConfig struct {
	CronSpec    string
	LeadMinutes int
}

type WorkerConfig struct {
	Concurrency int
}

func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
}

func (r *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

func (j *JWTConfig) Expiry() time.Duration {
	return time.Duration(j.ExpiryHours) * time.Hour
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (s *StorageConfig) URLTTL() time.Duration {
	return time.Duration(s.URLTTLMinutes) * time.Minute
}

func (r *ReminderConfig) Lead() time.Duration {
	return time.Duration(r.LeadMinutes) * time.Minute
}

func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *ServerConfig) IsDevelopment() bool {
	return s.Env == "development"
}

// Validate rejects settings that would only fail later at runtime.
func (c *Config) Validate() error {
	var errs []error
	if !c.Server.IsDevelopment() && c.JWT.Secret == defaultJWTSecret {
		errs = append(errs, errors.New("JWT_SECRET must be set outside development"))
	}
	if !c.Server.IsDevelopment() && c.WhatsApp.AppSecret == "" {
		errs = append(errs, errors.New("WHATSAPP_APP_SECRET must be set outside development"))
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND %q: want memory or redis", c.Cache.Backend))
	}
	switch c.Storage.Provider {
	case "", "none", "memory", "s3", "gcs":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_PROVIDER %q: want s3, gcs, memory or none", c.Storage.Provider))
	}
	if (c.Storage.Provider == "s3" || c.Storage.Provider == "gcs") && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("STORAGE_BUCKET is required"))
	}
	if err := util.ValidateCronExpr(c.Reminders.CronSpec); err != nil {
		errs = append(errs, fmt.Errorf("REMINDERS_CRON: %w", err))
	}
	return errors.Join(errs...)
}

const defaultJWTSecret = "change-me-in-production"

func Load() (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("SERVER_ENV", "development")
	v.SetDefault("SERVER_PUBLIC_URL", "http://localhost:5173")
	v.SetDefault("SERVER_AUTO_MIGRATE", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "http://localhost:5173,http://localhost:8080")
	v.SetDefault("DATABASE_HOST", "localhost")
	v.SetDefault("DATABASE_PORT", 5432)
	v.SetDefault("DATABASE_USER", "nexus")
	v.SetDefault("DATABASE_PASSWORD", "nexus_secret")
	v.SetDefault("DATABASE_NAME", "nexus_crm")
	v.SetDefault("DATABASE_SSLMODE", "disable")
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("JWT_EXPIRY_HOURS", 24)
	v.SetDefault("RATE_LIMIT_REQUESTS", 100)
	v.SetDefault("RATE_LIMIT_WINDOW_SECONDS", 60)
	v.SetDefault("CACHE_BACKEND", "memory")
	v.SetDefault("CACHE_TTL_SECONDS", 300)
	v.SetDefault("CACHE_PREFIX", "nexus:")
	v.SetDefault("STORAGE_PROVIDER", "none")
	v.SetDefault("STORAGE_REGION", "us-east-1")
	v.SetDefault("STORAGE_URL_TTL_MINUTES", 60)
	v.SetDefault("WHATSAPP_API_BASE_URL", "https://graph.facebook.com/v20.0")
	v.SetDefault("WHATSAPP_RETRY_MAX", 3)
	v.SetDefault("EMAIL_API_URL", "https://api.resend.com")
	v.SetDefault("EMAIL_FROM_ADDRESS", "Nexus CRM <no-reply@nexuscrm.local>")
	v.SetDefault("REMINDERS_CRON", "*/5 * * * *")
	v.SetDefault("REMINDERS_LEAD_MINUTES", 60)
	v.SetDefault("WORKER_CONCURRENCY", 10)

	// Load from .env file if present
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// Override with environment variables
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfg := &Config{
		Server: ServerConfig{
			Host:           v.GetString("SERVER_HOST"),
			Port:           v.GetInt("SERVER_PORT"),
			Env:            v.GetString("SERVER_ENV"),
			PublicURL:      strings.TrimRight(v.GetString("SERVER_PUBLIC_URL"), "/"),
			AllowedOrigins: splitList(v.GetString("CORS_ALLOWED_ORIGINS")),
			AutoMigrate:    v.GetBool("SERVER_AUTO_MIGRATE"),
		},
		Database: DatabaseConfig{
			Host:     v.GetString("DATABASE_HOST"),
			Port:     v.GetInt("DATABASE_PORT"),
			User:     v.GetString("DATABASE_USER"),
			Password: v.GetString("DATABASE_PASSWORD"),
			Name:     v.GetString("DATABASE_NAME"),
			SSLMode:  v.GetString("DATABASE_SSLMODE"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("REDIS_HOST"),
			Port:     v.GetInt("REDIS_PORT"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		JWT: JWTConfig{
			Secret:      v.GetString("JWT_SECRET"),
			ExpiryHours: v.GetInt("JWT_EXPIRY_HOURS"),
		},
		Encryption: EncryptionConfig{
			Key: v.GetString("ENCRYPTION_KEY"),
		},
		RateLimit: RateLimitConfig{
			Requests:      v.GetInt("RATE_LIMIT_REQUESTS"),
			WindowSeconds: v.GetInt("RATE_LIMIT_WINDOW_SECONDS"),
		},
		Cache: CacheConfig{
			Backend:    v.GetString("CACHE_BACKEND"),
			TTLSeconds: v.GetInt("CACHE_TTL_SECONDS"),
			Prefix:     v.GetString("CACHE_PREFIX"),
		},
		Storage: StorageConfig{
			Provider:        v.GetString("STORAGE_PROVIDER"),
			Bucket:          v.GetString("STORAGE_BUCKET"),
			Region:          v.GetString("STORAGE_REGION"),
			Endpoint:        v.GetString("STORAGE_ENDPOINT"),
			AccessKeyID:     v.GetString("STORAGE_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("STORAGE_SECRET_ACCESS_KEY"),
			URLTTLMinutes:   v.GetInt("STORAGE_URL_TTL_MINUTES"),
		},
		WhatsApp: WhatsAppConfig{
			APIBaseURL:  strings.TrimRight(v.GetString("WHATSAPP_API_BASE_URL"), "/"),
			VerifyToken: v.GetString("WHATSAPP_VERIFY_TOKEN"),
			AppSecret:   v.GetString("WHATSAPP_APP_SECRET"),
			RetryMax:    v.GetInt("WHATSAPP_RETRY_MAX"),
		},
		Email: EmailConfig{
			APIURL:      strings.TrimRight(v.GetString("EMAIL_API_URL"), "/"),
			APIKey:      v.GetString("EMAIL_API_KEY"),
			FromAddress: v.GetString("EMAIL_FROM_ADDRESS"),
		},
		Reminders: ReminderConfig{
			CronSpec:    v.GetString("REMINDERS_CRON"),
			LeadMinutes: v.GetInt("REMINDERS_LEAD_MINUTES"),
		},
		Worker: WorkerConfig{
			Concurrency: v.GetInt("WORKER_CONCURRENCY"),
		},
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
