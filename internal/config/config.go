// Package config handles loading application configuration from environment
// variables. All config is centralized here so no other package reads env
// vars directly. Sensible defaults are provided for development.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Config holds all application configuration. Populated from environment
// variables at startup. Passed to other packages via dependency injection.
type Config struct {
	// Env is the runtime environment: "development" or "production".
	Env string

	// LogLevel controls log verbosity: "debug", "info", "warn", "error".
	LogLevel string

	// LogFormat selects the slog handler: "console" or "json".
	LogFormat string

	// AdminPort is the listen port for the operational HTTP API (default: 8080).
	AdminPort int

	// Telegram holds Bot API and MTProto credentials.
	Telegram TelegramConfig

	// Database holds MariaDB connection settings.
	Database DatabaseConfig

	// Redis holds Redis connection settings.
	Redis RedisConfig

	// Crypto holds session-at-rest encryption settings.
	Crypto CryptoConfig

	// Auth holds login flow settings.
	Auth AuthConfig

	// Forwarder holds relay engine settings.
	Forwarder ForwarderConfig
}

// TelegramConfig holds upstream credentials. BotToken drives the Bot API
// egress path; APIID/APIHash identify the MTProto application.
type TelegramConfig struct {
	// BotToken is the Bot API credential (required).
	BotToken string

	// APIID is the MTProto application id (required).
	APIID int

	// APIHash is the MTProto application hash (required).
	APIHash string

	// MaxMessagesPerSecond caps client-side request rate toward MTProto.
	MaxMessagesPerSecond int
}

// DatabaseConfig holds MariaDB connection parameters. Individual fields
// (Host, User, Password, Name) are read from separate env vars so container
// orchestrators can manage each independently. If DATABASE_URL is set, it
// takes precedence over the individual fields.
type DatabaseConfig struct {
	// Host is the MariaDB address in host:port format (default: "localhost:3306").
	// If no port is specified, 3306 is appended automatically.
	Host string

	// User is the MariaDB username (default: "relay").
	User string

	// Password is the MariaDB password (default: "relay").
	Password string

	// Name is the database name (default: "relay").
	Name string

	// dsnOverride is set when DATABASE_URL is provided, bypassing individual fields.
	dsnOverride string

	// MaxOpenConns is the maximum number of open connections in the pool.
	MaxOpenConns int

	// MaxIdleConns is the maximum number of idle connections in the pool.
	MaxIdleConns int

	// ConnMaxLifetime is how long a connection can be reused.
	ConnMaxLifetime time.Duration

	// ConnMaxIdleTime is how long an idle connection is kept between
	// dispatch bursts before the pool prunes it.
	ConnMaxIdleTime time.Duration
}

// DSN returns the go-sql-driver/mysql connection string. If DATABASE_URL was
// set, it is returned as-is. Otherwise the DSN is built from the individual
// Host/User/Password/Name fields using the driver's Config.FormatDSN()
// to safely handle special characters in passwords.
func (d DatabaseConfig) DSN() string {
	if d.dsnOverride != "" {
		return d.dsnOverride
	}
	cfg := mysql.NewConfig()
	cfg.User = d.User
	cfg.Passwd = d.Password
	cfg.Net = "tcp"
	cfg.Addr = ensurePort(d.Host, "3306")
	cfg.DBName = d.Name
	cfg.ParseTime = true
	return cfg.FormatDSN()
}

// ensurePort appends the default port if the host string doesn't include one.
func ensurePort(host, defaultPort string) string {
	_, _, err := net.SplitHostPort(host)
	if err != nil {
		return net.JoinHostPort(host, defaultPort)
	}
	return host
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379").
	URL string
}

// CryptoConfig holds the master key seeding per-user session encryption.
type CryptoConfig struct {
	// SessionEncryptionKey is the master key for session-at-rest encryption
	// (required; per-user keys are derived from it).
	SessionEncryptionKey string
}

// AuthConfig holds login flow settings.
type AuthConfig struct {
	// MaxAuthAttempts is the number of code submissions allowed per pending login.
	MaxAuthAttempts int

	// CodeTimeout is how long a pending login (phone hash or QR token) stays valid.
	CodeTimeout time.Duration

	// QRPollInterval is how often the QR login poller asks upstream for token status.
	QRPollInterval time.Duration
}

// ForwarderConfig holds relay engine settings.
type ForwarderConfig struct {
	// PollInterval is the fallback poller cadence per user.
	PollInterval time.Duration

	// MediaGroupTimeout is how long the assembler waits for album stragglers.
	MediaGroupTimeout time.Duration

	// FloodWaitMultiplier scales upstream retry-after before gating a user's
	// dispatcher.
	FloodWaitMultiplier float64

	// MaxRetries is the retry budget per delivery record.
	MaxRetries int

	// BaseRetryDelay is the first retry backoff step.
	BaseRetryDelay time.Duration

	// MaxRetryDelay bounds the retry backoff.
	MaxRetryDelay time.Duration

	// RetryScanInterval is how often the retry worker scans for due records.
	RetryScanInterval time.Duration

	// SessionCheckInterval is how often the session monitor verifies running users.
	SessionCheckInterval time.Duration

	// DMMaxMediaSizeMB is the per-item (and album total) size guard for the
	// DM re-upload path.
	DMMaxMediaSizeMB int

	// FilterKeywords is the parsed keyword list for the content filter.
	FilterKeywords []string

	// FilterMode is "whitelist" or "blacklist".
	FilterMode string

	// FilterCaseSensitive controls keyword matching case sensitivity.
	FilterCaseSensitive bool
}

// Load reads configuration from environment variables with sensible defaults.
// Returns an error if required variables are missing.
func Load() (*Config, error) {
	cfg := &Config{
		Env:       getEnv("ENV", "development"),
		LogLevel:  getEnv("LOG_LEVEL", "debug"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
		AdminPort: getEnvInt("ADMIN_PORT", 8080),

		Telegram: TelegramConfig{
			BotToken:             getEnv("BOT_TOKEN", ""),
			APIID:                getEnvInt("API_ID", 0),
			APIHash:              getEnv("API_HASH", ""),
			MaxMessagesPerSecond: getEnvInt("MAX_MESSAGES_PER_SECOND", 30),
		},

		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost:3306"),
			User:            getEnv("DB_USER", "relay"),
			Password:        getEnv("DB_PASSWORD", "relay"),
			Name:            getEnv("DB_NAME", "relay"),
			dsnOverride:     getEnv("DATABASE_URL", ""),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
			ConnMaxIdleTime: getEnvDuration("DB_CONN_MAX_IDLE_TIME", 2*time.Minute),
		},

		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},

		Crypto: CryptoConfig{
			SessionEncryptionKey: getEnv("SESSION_ENCRYPTION_KEY", ""),
		},

		Auth: AuthConfig{
			MaxAuthAttempts: getEnvInt("MAX_AUTH_ATTEMPTS", 3),
			CodeTimeout:     getEnvDuration("AUTH_CODE_TIMEOUT", 5*time.Minute),
			QRPollInterval:  getEnvDuration("QR_POLL_INTERVAL", 3*time.Second),
		},

		Forwarder: ForwarderConfig{
			PollInterval:         getEnvDuration("POLL_INTERVAL", 30*time.Second),
			MediaGroupTimeout:    getEnvDuration("MEDIA_GROUP_TIMEOUT", 2*time.Second),
			FloodWaitMultiplier:  getEnvFloat("FLOOD_WAIT_MULTIPLIER", 1.5),
			MaxRetries:           getEnvInt("MAX_RETRIES", 5),
			BaseRetryDelay:       getEnvDuration("BASE_RETRY_DELAY", time.Second),
			MaxRetryDelay:        getEnvDuration("MAX_RETRY_DELAY", 300*time.Second),
			RetryScanInterval:    getEnvDuration("RETRY_SCAN_INTERVAL", time.Minute),
			SessionCheckInterval: getEnvDuration("SESSION_CHECK_INTERVAL", 5*time.Minute),
			DMMaxMediaSizeMB:     getEnvInt("DM_MAX_MEDIA_SIZE_MB", 20),
			FilterKeywords:       splitKeywords(getEnv("FILTER_KEYWORDS", "")),
			FilterMode:           getEnv("FILTER_MODE", "blacklist"),
			FilterCaseSensitive:  getEnvBool("FILTER_CASE_SENSITIVE", false),
		},
	}

	if cfg.Telegram.BotToken == "" {
		return nil, fmt.Errorf("BOT_TOKEN is required")
	}
	if cfg.Telegram.APIID == 0 || cfg.Telegram.APIHash == "" {
		return nil, fmt.Errorf("API_ID and API_HASH are required")
	}
	if cfg.Crypto.SessionEncryptionKey == "" {
		return nil, fmt.Errorf("SESSION_ENCRYPTION_KEY is required")
	}
	if m := cfg.Forwarder.FilterMode; m != "whitelist" && m != "blacklist" {
		return nil, fmt.Errorf("FILTER_MODE must be whitelist or blacklist, got %q", m)
	}

	return cfg, nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	env := strings.ToLower(c.Env)
	return env == "development" || env == "dev"
}

// splitKeywords parses the comma-separated FILTER_KEYWORDS value, dropping
// empty entries.
func splitKeywords(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var out []string
	for _, kw := range strings.Split(raw, ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			out = append(out, kw)
		}
	}
	return out
}

// --- Helper functions for reading environment variables ---

// getEnv reads a string env var or returns the default.
func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt reads an integer env var or returns the default.
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvFloat reads a float env var or returns the default.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

// getEnvBool reads a boolean env var ("true"/"1"/"false"/"0") or returns the default.
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvDuration reads a duration env var (e.g., "30s") or returns the default.
// Bare numbers are accepted as seconds for compatibility with older deployments.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultVal
}
