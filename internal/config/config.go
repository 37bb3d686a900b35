package config

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
)

// DefaultCallbackSecret is the development placeholder for CALLBACK_SECRET.
// Load refuses it once PUBLIC_BASE_URL makes callback URLs public.
const DefaultCallbackSecret = "change-me"

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	PGURL string `env:"DATABASE_URL" envDefault:"postgres://localhost/photoforge?sslmode=disable"`
	Redis string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`

	AsynqConcurrency int `env:"ASYNQ_CONCURRENCY" envDefault:"8"`

	ReplicateToken         string `env:"REPLICATE_API_TOKEN"`
	ReplicateWebhookSecret string `env:"REPLICATE_WEBHOOK_SECRET"`
	ReplicateUsername      string `env:"REPLICATE_USERNAME"`
	// owner/name:version of the LoRA trainer
	TrainerModel  string `env:"REPLICATE_TRAINER_MODEL" envDefault:"ostris/flux-dev-lora-trainer:e440909d3512c31646ee2e0c7d6f6f4923224863a6a10c494606e79fb5844497"`
	ModelHardware string `env:"REPLICATE_MODEL_HARDWARE" envDefault:"gpu-t4"`
	TrainingSteps int    `env:"TRAINING_STEPS" envDefault:"1000"`

	// Base URL Replicate calls back into, e.g. https://api.photoforge.app
	PublicBaseURL  string `env:"PUBLIC_BASE_URL"`
	CallbackSecret string `env:"CALLBACK_SECRET" envDefault:"change-me"`

	SupabaseJWTSecret   string `env:"SUPABASE_JWT_SECRET"` // legacy; used only if JWKS is unavailable
	SupabaseURL         string `env:"SUPABASE_URL"`
	SupabaseServiceRole string `env:"SUPABASE_SERVICE_ROLE_KEY"`

	// "s3" (R2, MinIO, AWS) or "supabase"
	StorageBackend        string `env:"STORAGE_BACKEND" envDefault:"s3"`
	SupabaseStorageBucket string `env:"SUPABASE_STORAGE_BUCKET" envDefault:"photoforge"`

	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Region    string `env:"S3_REGION" envDefault:"auto"`
	S3Bucket    string `env:"S3_BUCKET" envDefault:"photoforge"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"S3_USE_SSL" envDefault:"true"`
	S3PublicURL string `env:"S3_PUBLIC_URL"`

	OpenAIKey          string `env:"OPENAI_API_KEY"`
	OpenAICaptionModel string `env:"OPENAI_CAPTION_MODEL" envDefault:"gpt-4o-mini"`

	// Comma-separated origins. Empty = allow "*"
	CORSOrigins string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://127.0.0.1:3000"`

	TrainingCost    int           `env:"TRAINING_COST_CREDITS" envDefault:"20"`
	GenerationCost  int           `env:"GENERATION_COST_CREDITS" envDefault:"1"`
	PendingTimeout  time.Duration `env:"PENDING_TIMEOUT" envDefault:"10m"`
	TrainingTimeout time.Duration `env:"TRAINING_TIMEOUT" envDefault:"2h"`
	RateLimitRPM    int           `env:"RATE_LIMIT_RPM" envDefault:"300"`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PublicBaseURL != "" && (c.CallbackSecret == "" || c.CallbackSecret == DefaultCallbackSecret) {
		return errors.New("config: CALLBACK_SECRET must be set to a real secret when PUBLIC_BASE_URL is set")
	}
	return nil
}

func (c *Config) normalize() {
	c.SupabaseURL = strings.TrimSuffix(trimQuotes(c.SupabaseURL), "/")
	c.SupabaseServiceRole = trimQuotes(c.SupabaseServiceRole)
	c.SupabaseJWTSecret = trimQuotes(c.SupabaseJWTSecret)
	c.ReplicateToken = trimQuotes(c.ReplicateToken)
	c.ReplicateWebhookSecret = trimQuotes(c.ReplicateWebhookSecret)
	c.OpenAIKey = trimQuotes(c.OpenAIKey)
	c.CallbackSecret = trimQuotes(c.CallbackSecret)
	c.PublicBaseURL = strings.TrimSuffix(trimQuotes(c.PublicBaseURL), "/")
	c.S3PublicURL = strings.TrimSuffix(trimQuotes(c.S3PublicURL), "/")
	c.S3Endpoint = stripScheme(c.S3Endpoint)
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	c.CORSOrigins = strings.TrimSpace(c.CORSOrigins)
	if c.AsynqConcurrency < 1 {
		c.AsynqConcurrency = 4
	}
	if c.GenerationCost < 0 {
		c.GenerationCost = 0
	}
	if c.TrainingCost < 0 {
		c.TrainingCost = 0
	}
}

// Origins splits CORSOrigins; nil means allow all.
func (c *Config) Origins() []string {
	if c.CORSOrigins == "" || c.CORSOrigins == "*" {
		return nil
	}
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// WebhookURL is where Replicate posts prediction and training updates. Empty
// when no public base URL is configured, in which case polling alone drives
// reconciliation.
func (c *Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/replicate"
}

// stripScheme removes http(s):// for the AWS SDK endpoint resolver.
func stripScheme(raw string) string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	return raw
}

func trimQuotes(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && (s[0] == '"' && s[len(s)-1] == '"' || s[0] == '\'' && s[len(s)-1] == '\'') {
		return s[1 : len(s)-1]
	}
	return s
}
