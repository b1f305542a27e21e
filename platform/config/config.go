// Package config provides application configuration loading.
// This is part of the platform layer and contains no business logic.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// =============================================================================
// Module-Specific Config Interfaces (Principle of Least Privilege)
// =============================================================================

// DatabaseConfig provides database connection settings.
type DatabaseConfig interface {
	GetDatabaseURL() string
}

// RedisConfig provides the shared Redis connection settings.
type RedisConfig interface {
	GetRedisURL() string
	GetRedisTLSInsecure() bool
}

// QueueConfig provides asynq worker settings.
type QueueConfig interface {
	RedisConfig
	GetQueueName() string
	GetQueueConcurrency() int
}

// JWTConfig provides JWT validation settings for middleware.
type JWTConfig interface {
	GetJWTAccessSecret() string
}

// HTTPConfig provides HTTP server settings.
type HTTPConfig interface {
	GetHTTPAddr() string
	GetCORSAllowAll() bool
	GetCORSOrigins() []string
	GetCORSAllowCreds() bool
}

// AIConfig provides settings for the diagnosis model provider.
type AIConfig interface {
	GetAIProvider() string
	GetAIModel() string
	GetAIBaseURL() string
	GetAIAPIKey() string
	GetAITimeout() time.Duration
	GetAITemperature() float64
	GetAIMaxTokens() int
}

// JobConfig provides retry and lease settings for diagnosis jobs.
type JobConfig interface {
	GetJobMaxAttempts() int
	GetJobRetryDelay() time.Duration
	GetJobLease() time.Duration
	GetJobSweepInterval() time.Duration
}

// MatchingConfig provides lead distribution settings.
type MatchingConfig interface {
	GetMatchFanout() int
	GetMatchLockTTL() time.Duration
}

// OTPConfig provides one-time passcode settings.
type OTPConfig interface {
	GetOTPTTL() time.Duration
	GetOTPBcryptCost() int
}

// BroadcastConfig provides realtime fan-out settings.
type BroadcastConfig interface {
	GetBroadcastShards() int
}

// EmailConfig provides settings for email sending.
type EmailConfig interface {
	GetEmailEnabled() bool
	GetBrevoAPIKey() string
	GetEmailFromName() string
	GetEmailFromAddress() string
	GetSMTPHost() string
	GetSMTPPort() int
	GetSMTPUsername() string
	GetSMTPPassword() string
}

// WhatsAppConfig provides settings for the SMS/WhatsApp gateway.
type WhatsAppConfig interface {
	GetWhatsAppURL() string
	GetWhatsAppDevice() string
	GetWhatsAppUsername() string
	GetWhatsAppPassword() string
}

// =============================================================================
// Main Config Struct
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Env      string
	HTTPAddr string

	DatabaseURL      string
	RedisURL         string
	RedisTLSInsecure bool
	QueueName        string
	QueueConcurrency int

	JWTAccessSecret string
	CORSAllowAll    bool
	CORSOrigins     []string
	CORSAllowCreds  bool

	AIProvider    string
	AIModel       string
	AIBaseURL     string
	AIAPIKey      string
	AITimeout     time.Duration
	AITemperature float64
	AIMaxTokens   int

	JobMaxAttempts   int
	JobRetryDelay    time.Duration
	JobLease         time.Duration
	JobSweepInterval time.Duration

	MatchFanout  int
	MatchLockTTL time.Duration

	OTPTTL        time.Duration
	OTPBcryptCost int

	BroadcastShards int

	EmailEnabled     bool
	BrevoAPIKey      string
	EmailFromName    string
	EmailFromAddress string
	SMTPHost         string
	SMTPPort         int
	SMTPUsername     string
	SMTPPassword     string

	WhatsAppURL      string
	WhatsAppDevice   string
	WhatsAppUsername string
	WhatsAppPassword string
}

// DatabaseConfig implementation
func (c *Config) GetDatabaseURL() string { return c.DatabaseURL }

// RedisConfig / QueueConfig implementation
func (c *Config) GetRedisURL() string        { return c.RedisURL }
func (c *Config) GetRedisTLSInsecure() bool  { return c.RedisTLSInsecure }
func (c *Config) GetQueueName() string       { return c.QueueName }
func (c *Config) GetQueueConcurrency() int   { return c.QueueConcurrency }
func (c *Config) GetJWTAccessSecret() string { return c.JWTAccessSecret }

// HTTPConfig implementation
func (c *Config) GetHTTPAddr() string      { return c.HTTPAddr }
func (c *Config) GetCORSAllowAll() bool    { return c.CORSAllowAll }
func (c *Config) GetCORSOrigins() []string { return c.CORSOrigins }
func (c *Config) GetCORSAllowCreds() bool  { return c.CORSAllowCreds }

// AIConfig implementation
func (c *Config) GetAIProvider() string       { return c.AIProvider }
func (c *Config) GetAIModel() string          { return c.AIModel }
func (c *Config) GetAIBaseURL() string        { return c.AIBaseURL }
func (c *Config) GetAIAPIKey() string         { return c.AIAPIKey }
func (c *Config) GetAITimeout() time.Duration { return c.AITimeout }
func (c *Config) GetAITemperature() float64   { return c.AITemperature }
func (c *Config) GetAIMaxTokens() int         { return c.AIMaxTokens }

// JobConfig implementation
func (c *Config) GetJobMaxAttempts() int             { return c.JobMaxAttempts }
func (c *Config) GetJobRetryDelay() time.Duration    { return c.JobRetryDelay }
func (c *Config) GetJobLease() time.Duration         { return c.JobLease }
func (c *Config) GetJobSweepInterval() time.Duration { return c.JobSweepInterval }

// MatchingConfig implementation
func (c *Config) GetMatchFanout() int            { return c.MatchFanout }
func (c *Config) GetMatchLockTTL() time.Duration { return c.MatchLockTTL }

// OTPConfig implementation
func (c *Config) GetOTPTTL() time.Duration { return c.OTPTTL }
func (c *Config) GetOTPBcryptCost() int    { return c.OTPBcryptCost }

// BroadcastConfig implementation
func (c *Config) GetBroadcastShards() int { return c.BroadcastShards }

// EmailConfig implementation
func (c *Config) GetEmailEnabled() bool       { return c.EmailEnabled }
func (c *Config) GetBrevoAPIKey() string      { return c.BrevoAPIKey }
func (c *Config) GetEmailFromName() string    { return c.EmailFromName }
func (c *Config) GetEmailFromAddress() string { return c.EmailFromAddress }
func (c *Config) GetSMTPHost() string         { return c.SMTPHost }
func (c *Config) GetSMTPPort() int            { return c.SMTPPort }
func (c *Config) GetSMTPUsername() string     { return c.SMTPUsername }
func (c *Config) GetSMTPPassword() string     { return c.SMTPPassword }

// WhatsAppConfig implementation
func (c *Config) GetWhatsAppURL() string      { return c.WhatsAppURL }
func (c *Config) GetWhatsAppDevice() string   { return c.WhatsAppDevice }
func (c *Config) GetWhatsAppUsername() string { return c.WhatsAppUsername }
func (c *Config) GetWhatsAppPassword() string { return c.WhatsAppPassword }

// Load reads configuration from the environment, honoring a local .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	corsOrigins := splitCSV(getEnv("CORS_ORIGINS", "http://localhost:4200"))
	corsAllowAll := strings.EqualFold(getEnv("CORS_ALLOW_ALL", "false"), "true")
	if containsWildcard(corsOrigins) {
		corsAllowAll = true
	}

	brevoAPIKey := getEnv("BREVO_API_KEY", "")
	smtpHost := getEnv("SMTP_HOST", "")
	emailEnabled := strings.EqualFold(getEnv("EMAIL_ENABLED", "true"), "true")

	provider := strings.ToLower(strings.TrimSpace(getEnv("AI_PROVIDER", "moonshot")))

	cfg := &Config{
		Env:              getEnv("APP_ENV", "development"),
		HTTPAddr:         getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		RedisURL:         getEnv("REDIS_URL", ""),
		RedisTLSInsecure: strings.EqualFold(getEnv("REDIS_TLS_INSECURE", "false"), "true"),
		QueueName:        getEnv("ASYNQ_QUEUE", "default"),
		QueueConcurrency: mustInt(getEnv("ASYNQ_CONCURRENCY", "10")),
		JWTAccessSecret:  getEnv("JWT_ACCESS_SECRET", ""),
		CORSAllowAll:     corsAllowAll,
		CORSOrigins:      corsOrigins,
		CORSAllowCreds:   strings.EqualFold(getEnv("CORS_ALLOW_CREDENTIALS", "true"), "true"),
		AIProvider:       provider,
		AIModel:          getEnv("AI_MODEL", defaultModel(provider)),
		AIBaseURL:        getEnv("AI_BASE_URL", ""),
		AIAPIKey:         providerAPIKey(provider),
		AITimeout:        mustDuration(getEnv("AI_TIMEOUT", "60s")),
		AITemperature:    mustFloat(getEnv("AI_TEMPERATURE", "0.2")),
		AIMaxTokens:      mustInt(getEnv("AI_MAX_TOKENS", "1500")),
		JobMaxAttempts:   mustInt(getEnv("JOB_MAX_ATTEMPTS", "3")),
		JobRetryDelay:    mustDuration(getEnv("JOB_RETRY_DELAY", "30s")),
		JobLease:         mustDuration(getEnv("JOB_LEASE", "2m")),
		JobSweepInterval: mustDuration(getEnv("JOB_SWEEP_INTERVAL", "1m")),
		MatchFanout:      mustInt(getEnv("MATCH_FANOUT", "3")),
		MatchLockTTL:     mustDuration(getEnv("MATCH_LOCK_TTL", "30s")),
		OTPTTL:           mustDuration(getEnv("OTP_TTL", "10m")),
		OTPBcryptCost:    mustInt(getEnv("OTP_BCRYPT_COST", "10")),
		BroadcastShards:  mustInt(getEnv("BROADCAST_SHARDS", "8")),
		EmailEnabled:     emailEnabled && (brevoAPIKey != "" || smtpHost != ""),
		BrevoAPIKey:      brevoAPIKey,
		EmailFromName:    getEnv("EMAIL_FROM_NAME", "Diagnostics"),
		EmailFromAddress: getEnv("EMAIL_FROM_ADDRESS", ""),
		SMTPHost:         smtpHost,
		SMTPPort:         mustInt(getEnv("SMTP_PORT", "587")),
		SMTPUsername:     getEnv("SMTP_USERNAME", ""),
		SMTPPassword:     getEnv("SMTP_PASSWORD", ""),
		WhatsAppURL:      getEnv("WHATSAPP_URL", ""),
		WhatsAppDevice:   getEnv("WHATSAPP_DEVICE_ID", ""),
		WhatsAppUsername: getEnv("WHATSAPP_USERNAME", ""),
		WhatsAppPassword: getEnv("WHATSAPP_PASSWORD", ""),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("JWT_ACCESS_SECRET is required")
	}
	switch c.AIProvider {
	case "moonshot", "openai", "gemini", "anthropic":
	default:
		return fmt.Errorf("AI_PROVIDER %q is not supported", c.AIProvider)
	}
	if c.AIAPIKey == "" {
		return fmt.Errorf("an API key is required for AI_PROVIDER %q", c.AIProvider)
	}
	if c.AITimeout <= 0 {
		return fmt.Errorf("AI_TIMEOUT must be a positive duration")
	}
	if c.JobMaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1")
	}
	if c.MatchFanout < 1 {
		return fmt.Errorf("MATCH_FANOUT must be at least 1")
	}
	if c.EmailEnabled && c.EmailFromAddress == "" {
		return fmt.Errorf("EMAIL_FROM_ADDRESS is required when email is enabled")
	}
	if c.CORSAllowAll && c.CORSAllowCreds {
		return fmt.Errorf("CORS_ALLOW_CREDENTIALS cannot be true when CORS_ALLOW_ALL is true")
	}
	return nil
}

func defaultModel(provider string) string {
	switch provider {
	case "openai":
		return "gpt-4o-mini"
	case "gemini":
		return "gemini-2.5-flash"
	case "anthropic":
		return "claude-sonnet-4-5"
	default:
		return "kimi-k2-turbo-preview"
	}
}

func providerAPIKey(provider string) string {
	if key := getEnv("AI_API_KEY", ""); key != "" {
		return key
	}
	switch provider {
	case "openai":
		return getEnv("OPENAI_API_KEY", "")
	case "gemini":
		return getEnv("GEMINI_API_KEY", "")
	case "anthropic":
		return getEnv("ANTHROPIC_API_KEY", "")
	default:
		return getEnv("MOONSHOT_API_KEY", "")
	}
}

func getEnv(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return fallback
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0
	}
	return d
}

func mustInt(value string) int {
	result, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return result
}

func mustFloat(value string) float64 {
	result, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0
	}
	return result
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	results := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			results = append(results, trimmed)
		}
	}
	return results
}

func containsWildcard(values []string) bool {
	for _, value := range values {
		if value == "*" {
			return true
		}
	}
	return false
}
