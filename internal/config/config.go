package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string   `mapstructure:"REDIS_URL"`
	RedisPrefix string   `mapstructure:"REDIS_PREFIX"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Remote sink used when DATABASE_URL is empty.
	AuditSinkURL    string `mapstructure:"AUDIT_SINK_URL"`
	AuditSinkSecret string `mapstructure:"AUDIT_SINK_SECRET"`
	// AuditSinkToken authenticates deliveries made outside a user request.
	AuditSinkToken string `mapstructure:"AUDIT_SINK_TOKEN"`

	HIPAAEncryptionKey string `mapstructure:"HIPAA_ENCRYPTION_KEY"`
	HIPAAKeyVersion    int    `mapstructure:"HIPAA_KEY_VERSION"`
	// HIPAAPreviousKeys are "version:hexkey" pairs kept for decryption.
	HIPAAPreviousKeys []string `mapstructure:"HIPAA_PREVIOUS_KEYS"`
	ServerSecret      string   `mapstructure:"SERVER_SECRET"`
	InstallationSeed  string   `mapstructure:"INSTALLATION_SEED"`
	// KMSKeyID, when set, means SERVER_SECRET is a KMS ciphertext blob.
	KMSKeyID string `mapstructure:"KMS_KEY_ID"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthRequired   bool   `mapstructure:"AUTH_REQUIRED"`

	AuditBatchSize       int           `mapstructure:"AUDIT_BATCH_SIZE"`
	AuditQueueLimit      int           `mapstructure:"AUDIT_QUEUE_LIMIT"`
	AuditRetryLimit      int           `mapstructure:"AUDIT_RETRY_LIMIT"`
	AuditMaxAttempts     int           `mapstructure:"AUDIT_MAX_ATTEMPTS"`
	AuditDeliveryTimeout time.Duration `mapstructure:"AUDIT_DELIVERY_TIMEOUT"`
	AuditRetryInterval   time.Duration `mapstructure:"AUDIT_RETRY_INTERVAL"`
	AuditRetryRPS        float64       `mapstructure:"AUDIT_RETRY_RPS"`

	ConsentAutoRequest []string      `mapstructure:"CONSENT_AUTO_REQUEST"`
	NotifyWindow       time.Duration `mapstructure:"NOTIFY_WINDOW"`
	PHIFieldsFile      string        `mapstructure:"PHI_FIELDS_FILE"`

	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"REDIS_URL", "REDIS_PREFIX", "CORS_ORIGINS",
	"AUDIT_SINK_URL", "AUDIT_SINK_SECRET", "AUDIT_SINK_TOKEN",
	"HIPAA_ENCRYPTION_KEY", "HIPAA_KEY_VERSION", "HIPAA_PREVIOUS_KEYS",
	"SERVER_SECRET", "INSTALLATION_SEED", "KMS_KEY_ID",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_REQUIRED",
	"AUDIT_BATCH_SIZE", "AUDIT_QUEUE_LIMIT", "AUDIT_RETRY_LIMIT", "AUDIT_MAX_ATTEMPTS",
	"AUDIT_DELIVERY_TIMEOUT", "AUDIT_RETRY_INTERVAL", "AUDIT_RETRY_RPS",
	"CONSENT_AUTO_REQUEST", "NOTIFY_WINDOW", "PHI_FIELDS_FILE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REDIS_PREFIX", "compliance:")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("HIPAA_KEY_VERSION", 1)
	v.SetDefault("AUDIT_BATCH_SIZE", 10)
	v.SetDefault("AUDIT_QUEUE_LIMIT", 100)
	v.SetDefault("AUDIT_RETRY_LIMIT", 100)
	v.SetDefault("AUDIT_MAX_ATTEMPTS", 5)
	v.SetDefault("AUDIT_DELIVERY_TIMEOUT", "10s")
	v.SetDefault("AUDIT_RETRY_INTERVAL", "60s")
	v.SetDefault("AUDIT_RETRY_RPS", 5)
	v.SetDefault("NOTIFY_WINDOW", "10m")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	splitList(&cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))
	splitList(&cfg.HIPAAPreviousKeys, v.GetString("HIPAA_PREVIOUS_KEYS"))
	splitList(&cfg.ConsentAutoRequest, v.GetString("CONSENT_AUTO_REQUEST"))

	return cfg, nil
}

// splitList fills dst from a comma separated raw value, trimming blanks.
func splitList(dst *[]string, raw string) {
	if raw == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SinkMode reports where audit and consent deliveries go: "postgres",
// "http" or "log".
func (c *Config) SinkMode() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.AuditSinkURL != "":
		return "http"
	default:
		return "log"
	}
}

// PreviousKeys parses HIPAA_PREVIOUS_KEYS.
func (c *Config) PreviousKeys() (map[int]string, error) {
	out := make(map[int]string, len(c.HIPAAPreviousKeys))
	for _, pair := range c.HIPAAPreviousKeys {
		ver, key, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS entry %q must be version:hexkey", pair)
		}
		var n int
		if _, err := fmt.Sscanf(ver, "%d", &n); err != nil || n <= 0 {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS entry %q has invalid version", pair)
		}
		if n == c.HIPAAKeyVersion {
			return nil, fmt.Errorf("HIPAA_PREVIOUS_KEYS version %d collides with HIPAA_KEY_VERSION", n)
		}
		out[n] = key
	}
	return out, nil
}

// Warnings lists settings that are acceptable in development but unsafe
// elsewhere.
func (c *Config) Warnings() []string {
	var w []string
	if c.HIPAAEncryptionKey == "" {
		w = append(w, "HIPAA_ENCRYPTION_KEY is not set: field encryption is disabled")
	}
	if c.ServerSecret == "" {
		w = append(w, "SERVER_SECRET is not set: keyless encrypt/decrypt calls will be rejected")
	}
	if c.AuthSigningKey == "" {
		w = append(w, "AUTH_SIGNING_KEY is not set: every caller is anonymous")
	}
	switch c.SinkMode() {
	case "log":
		w = append(w, "neither DATABASE_URL nor AUDIT_SINK_URL is set: deliveries are only logged")
	case "http":
		if c.AuditSinkToken == "" {
			w = append(w, "AUDIT_SINK_TOKEN is not set: batch and retry deliveries carry no credential")
		}
	}
	return w
}

// Validate checks that the configuration is safe to run. Production requires
// an encryption key, a server secret, session authentication and a durable
// sink.
func (c *Config) Validate() error {
	if c.HIPAAEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.HIPAAEncryptionKey)
		if err != nil {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}
	if _, err := c.PreviousKeys(); err != nil {
		return err
	}

	if c.AuditBatchSize <= 0 || c.AuditQueueLimit < c.AuditBatchSize {
		return fmt.Errorf("AUDIT_QUEUE_LIMIT (%d) must be at least AUDIT_BATCH_SIZE (%d) and both positive",
			c.AuditQueueLimit, c.AuditBatchSize)
	}
	if c.AuditRetryLimit <= 0 || c.AuditMaxAttempts <= 0 {
		return fmt.Errorf("AUDIT_RETRY_LIMIT and AUDIT_MAX_ATTEMPTS must be positive")
	}
	if c.AuditDeliveryTimeout <= 0 || c.AuditRetryInterval <= 0 {
		return fmt.Errorf("AUDIT_DELIVERY_TIMEOUT and AUDIT_RETRY_INTERVAL must be positive")
	}
	if c.AuthRequired && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required when AUTH_REQUIRED is true")
	}

	if c.IsProduction() {
		switch {
		case c.HIPAAEncryptionKey == "":
			return fmt.Errorf("HIPAA_ENCRYPTION_KEY is required in production")
		case c.ServerSecret == "":
			return fmt.Errorf("SERVER_SECRET is required in production")
		case c.AuthSigningKey == "":
			return fmt.Errorf("AUTH_SIGNING_KEY is required in production")
		case c.SinkMode() == "log":
			return fmt.Errorf("DATABASE_URL or AUDIT_SINK_URL is required in production")
		}
	}

	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
