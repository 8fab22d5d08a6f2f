package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Upstream UpstreamConfig
	Mailbox  MailboxConfig
	Audit    AuditConfig
	Auth     AuthConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// UpstreamConfig holds the connection parameters for the upstream
// case-management application.
type UpstreamConfig struct {
	// BaseURL is the default upstream origin; the runtime value can be
	// overridden through the settings store (see Source).
	BaseURL string

	// IdentityCookie is the cookie a session must carry to be usable.
	IdentityCookie string
	// CSRFCookie is the cookie the upstream issues its anti-forgery token in.
	CSRFCookie string
	// CSRFField is the form field name state-changing submissions must carry.
	CSRFField string

	// MaxSessionAge is the cutoff beyond which a stored session is not
	// restored and a fresh login is performed instead.
	MaxSessionAge time.Duration
	// RequestTimeout bounds a single upstream HTTP call. The upstream can be
	// slow, so this is generous, but never unbounded.
	RequestTimeout time.Duration
	// LoginTimeout bounds a full interactive browser login, OTP wait included.
	LoginTimeout time.Duration

	// MaxRequestsPerSecond throttles outgoing upstream calls.
	MaxRequestsPerSecond int
}

// MailboxConfig holds the IMAP mailbox that receives one-time passcodes.
type MailboxConfig struct {
	Addr     string // host:port, TLS implied
	Email    string
	Password string
	Sender   string // From-header match for passcode mail
}

type AuditConfig struct {
	Enabled          bool
	ConnectionString string
}

type AuthConfig struct {
	JWTSecret string
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: getEnvInt("PORT", 8000),
			Env:  getEnv("ENV", "development"),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "casebridge"),
			Password: getEnv("DB_PASSWORD", "casebridge"),
			Database: getEnv("DB_NAME", "casebridge"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Upstream: UpstreamConfig{
			BaseURL:              getEnv("UPSTREAM_BASE_URL", "https://cases.example.com"),
			IdentityCookie:       getEnv("UPSTREAM_IDENTITY_COOKIE", "sessionid"),
			CSRFCookie:           getEnv("UPSTREAM_CSRF_COOKIE", "csrftoken"),
			CSRFField:            getEnv("UPSTREAM_CSRF_FIELD", "csrfmiddlewaretoken"),
			MaxSessionAge:        getEnvDuration("UPSTREAM_MAX_SESSION_AGE", 24*time.Hour),
			RequestTimeout:       getEnvDuration("UPSTREAM_REQUEST_TIMEOUT", 90*time.Second),
			LoginTimeout:         getEnvDuration("UPSTREAM_LOGIN_TIMEOUT", 5*time.Minute),
			MaxRequestsPerSecond: getEnvInt("UPSTREAM_MAX_RPS", 10),
		},
		Mailbox: MailboxConfig{
			Addr:     getEnv("MAILBOX_IMAP_ADDR", "imap.gmail.com:993"),
			Email:    getEnv("MAILBOX_EMAIL", ""),
			Password: getEnv("MAILBOX_PASSWORD", ""),
			Sender:   getEnv("MAILBOX_OTP_SENDER", ""),
		},
		Audit: AuditConfig{
			Enabled:          getEnvBool("AUDIT_ENABLED", false),
			ConnectionString: getEnv("AUDIT_ESDB_URL", "esdb://localhost:2113?tls=false"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),
		},
	}

	if cfg.Server.Env == "production" && cfg.Auth.JWTSecret == "dev-secret-change-me" {
		return nil, fmt.Errorf("JWT_SECRET must be set in production")
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
