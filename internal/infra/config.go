package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	StoreDriver string
	JWTSecret   string
	GeoIPDBPath string

	StorageDriver  string
	StoragePath    string
	StorageBaseURL string
	S3             S3Config

	Provider            string
	DashScopeAPIKey     string
	DashScopeBaseURL    string
	ProviderMaxRetries  int
	ProviderTimeout     time.Duration
	PollInterval        time.Duration
	PollBatchSize       int
	CallbackToken       string
	PlanCatalogPath     string
	RefundRetainCredits int64
	WorkerMaxJobs       int
	JobLease            time.Duration
	EmbedWorker         bool

	PromptProvider string
	OpenAIAPIKey   string
	OpenAIModel    string
	OpenAIBaseURL  string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
	PublicURL string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:         getEnv("APP_ENV", "development"),
		Port:           port,
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StoreDriver:    strings.ToLower(getEnv("STORE_DRIVER", "postgres")),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),
		StorageDriver:  strings.ToLower(getEnv("STORAGE_DRIVER", "file")),
		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:"+port+"/static"),
		S3: S3Config{
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			UseSSL:    getEnvBool("S3_USE_SSL", true),
			PublicURL: os.Getenv("S3_PUBLIC_URL"),
		},
		Provider:            strings.ToLower(getEnv("PROVIDER", "dashscope")),
		DashScopeAPIKey:     os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL:    getEnv("DASHSCOPE_BASE_URL", "https://dashscope-intl.aliyuncs.com/api/v1"),
		ProviderMaxRetries:  getEnvInt("PROVIDER_MAX_RETRIES", 2),
		ProviderTimeout:     time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 900)),
		PollInterval:        time.Second * time.Duration(getEnvInt("POLL_INTERVAL_SECONDS", 10)),
		PollBatchSize:       getEnvInt("POLL_BATCH_SIZE", 100),
		CallbackToken:       os.Getenv("CALLBACK_TOKEN"),
		PlanCatalogPath:     os.Getenv("PLAN_CATALOG_PATH"),
		RefundRetainCredits: int64(getEnvInt("REFUND_RETAIN_CREDITS", 0)),
		WorkerMaxJobs:       getEnvInt("WORKER_MAX_JOBS", 4),
		JobLease:            time.Second * time.Duration(getEnvInt("JOB_LEASE_SECONDS", 300)),
		EmbedWorker:         getEnvBool("EMBED_WORKER", false),
		PromptProvider:      strings.ToLower(getEnv("PROMPT_PROVIDER", "static")),
		OpenAIAPIKey:        os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:         getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:       getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		HTTPReadTimeout:     time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout:    time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:     time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:     getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.StoreDriver)
	}
	if c.StoreDriver == "postgres" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.StorageDriver {
	case "file":
	case "s3":
		if c.S3.Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_DRIVER=s3")
		}
	default:
		return fmt.Errorf("STORAGE_DRIVER must be file or s3, got %q", c.StorageDriver)
	}
	switch c.Provider {
	case "dashscope", "synthetic":
	default:
		return fmt.Errorf("PROVIDER must be dashscope or synthetic, got %q", c.Provider)
	}
	switch c.PromptProvider {
	case "static", "openai", "none":
	default:
		return fmt.Errorf("PROMPT_PROVIDER must be static, openai or none, got %q", c.PromptProvider)
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT_SECONDS must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.RefundRetainCredits < 0 {
		return fmt.Errorf("REFUND_RETAIN_CREDITS must not be negative")
	}
	if c.WorkerMaxJobs < 1 {
		c.WorkerMaxJobs = 1
	}
	if c.PollBatchSize < 1 {
		c.PollBatchSize = 1
	}
	if c.ProviderMaxRetries < 0 {
		c.ProviderMaxRetries = 0
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
