package app

import "time"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// NATSURL enables cross-node fan-out when set. Empty means in-process only.
	NATSURL string

	// APIKeys is a bootstrap keyring spec: "user1:key1;user2:key2".
	APIKeys string

	// MaxBodyBytes caps JSON request bodies on the chat API.
	MaxBodyBytes int64

	// CORS allowlist. Empty disables CORS handling entirely.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// Security policy:
	// If true, PARLEY_TOKEN_HMAC_KEY MUST be set (>= 32 bytes) and API-key digests must be HMAC-based.
	RequireTokenHMAC bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr: EnvString("PARLEY_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("PARLEY_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("PARLEY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("PARLEY_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("PARLEY_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("PARLEY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("PARLEY_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("PARLEY_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("PARLEY_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("PARLEY_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("PARLEY_DB_SCHEMA", "parley"),

		NATSURL: EnvString("PARLEY_NATS_URL", ""),

		APIKeys: EnvString("PARLEY_API_KEYS", ""),

		MaxBodyBytes: int64(EnvInt("PARLEY_HTTP_MAX_BODY_BYTES", 64<<10)),

		CORSAllowedOrigins:   EnvStringSlice("PARLEY_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("PARLEY_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("PARLEY_CORS_MAX_AGE_SECONDS", 600),

		ReadinessRequireDB: EnvBool("PARLEY_READINESS_REQUIRE_DB", false),

		RequireTokenHMAC: EnvBool("PARLEY_REQUIRE_TOKEN_HMAC", false),
	}
}
