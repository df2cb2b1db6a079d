package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogPretty bool

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	// RedisURL, when set, enables the Redis-backed read-marker store so
	// last-read positions survive process restarts even in memory-store mode.
	RedisURL string

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// TicketKey is the HMAC key shared with the credential issuer. When empty
	// the server falls back to the unverified dev verifier.
	TicketKey string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("HAVEN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("HAVEN_LOG_LEVEL", "info"),
		LogPretty: EnvBool("HAVEN_LOG_PRETTY", false),

		ReadHeaderTimeout: EnvDuration("HAVEN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("HAVEN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("HAVEN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("HAVEN_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("HAVEN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("HAVEN_DATABASE_URL", ""),
		DBSchema:    EnvString("HAVEN_DB_SCHEMA", "haven"),
		DBMaxConns:  EnvInt32("HAVEN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("HAVEN_DB_MIN_CONNS", 0),

		RedisURL: EnvString("HAVEN_REDIS_URL", ""),

		ReadinessRequireDB: EnvBool("HAVEN_READINESS_REQUIRE_DB", false),

		TicketKey: EnvString("HAVEN_TICKET_KEY", ""),
	}
}
