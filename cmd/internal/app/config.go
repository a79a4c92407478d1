package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/saad7170/chatsystem/cmd/internal/api"
	"github.com/saad7170/chatsystem/cmd/internal/auth"
	"github.com/saad7170/chatsystem/cmd/internal/chat"
	"github.com/saad7170/chatsystem/cmd/internal/realtime"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int
	MaxBodyBytes      int

	// Empty DatabaseURL selects the in-memory store.
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32
	DBMigrate   bool

	// SeedUsers are upserted into the store at startup, formatted id:Name[:email].
	SeedUsers []string

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// Empty RedisURL disables the Redis presence mirror.
	RedisURL        string
	PresenceTTL     time.Duration
	PresenceScope   string
	ProfileCacheTTL time.Duration

	AuthRequired bool
	JWTSecret    string
	JWTIssuer    string

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	WSDevInsecure       bool
	WSOriginRequired    bool
	WSAllowedOrigins    []string
	WSSendQueueSize     int
	WSWriteTimeout      time.Duration
	WSReadIdleTimeout   time.Duration
	WSHeartbeatInterval time.Duration
	WSRateEvents        int
	WSRateWindow        time.Duration
}

// LoadConfig loads Config from CHAT_* environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("CHAT_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("CHAT_LOG_LEVEL", "info"),
		LogFormat: EnvString("CHAT_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("CHAT_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("CHAT_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("CHAT_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("CHAT_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("CHAT_HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    EnvInt("CHAT_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxBodyBytes:      EnvInt("CHAT_HTTP_MAX_BODY_BYTES", 1<<20),

		DatabaseURL: EnvString("CHAT_DATABASE_URL", ""),
		DBSchema:    EnvString("CHAT_DB_SCHEMA", "chat"),
		DBMaxConns:  EnvInt32("CHAT_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("CHAT_DB_MIN_CONNS", 0),
		DBMigrate:   EnvBool("CHAT_DB_MIGRATE", true),
		SeedUsers:   EnvCSV("CHAT_SEED_USERS", nil),

		ReadinessRequireDB: EnvBool("CHAT_READINESS_REQUIRE_DB", false),

		RedisURL:        EnvString("CHAT_REDIS_URL", ""),
		PresenceTTL:     EnvDuration("CHAT_PRESENCE_TTL", 90*time.Second),
		PresenceScope:   EnvString("CHAT_PRESENCE_SCOPE", string(realtime.PresenceScopeGlobal)),
		ProfileCacheTTL: EnvDuration("CHAT_PROFILE_CACHE_TTL", 30*time.Second),

		AuthRequired: EnvBool("CHAT_AUTH_REQUIRED", false),
		JWTSecret:    EnvString("CHAT_JWT_SECRET", ""),
		JWTIssuer:    EnvString("CHAT_JWT_ISSUER", ""),

		CORSAllowedOrigins:   EnvCSV("CHAT_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("CHAT_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("CHAT_CORS_MAX_AGE_SECONDS", 600),

		WSDevInsecure:       EnvBool("CHAT_WS_DEV_INSECURE", false),
		WSOriginRequired:    EnvBool("CHAT_WS_ORIGIN_REQUIRED", true),
		WSAllowedOrigins:    EnvCSV("CHAT_WS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		WSSendQueueSize:     EnvInt("CHAT_WS_SEND_QUEUE_SIZE", 0),
		WSWriteTimeout:      EnvDuration("CHAT_WS_WRITE_TIMEOUT", 0),
		WSReadIdleTimeout:   EnvDuration("CHAT_WS_READ_IDLE_TIMEOUT", 0),
		WSHeartbeatInterval: EnvDuration("CHAT_WS_HEARTBEAT_INTERVAL", 0),
		WSRateEvents:        EnvInt("CHAT_WS_RATE_EVENTS", 0),
		WSRateWindow:        EnvDuration("CHAT_WS_RATE_WINDOW", 0),
	}
}

// Validate enforces the startup policy. It fails fast rather than running
// with a silently weakened configuration.
func (c Config) Validate() error {
	var errs []error

	if c.AuthRequired && c.JWTSecret == "" {
		errs = append(errs, errors.New("config: CHAT_AUTH_REQUIRED=true but CHAT_JWT_SECRET is missing"))
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < auth.MinSecretLen {
		errs = append(errs, fmt.Errorf("config: CHAT_JWT_SECRET is too short (min %d bytes)", auth.MinSecretLen))
	}
	if !realtime.PresenceScope(c.PresenceScope).Valid() {
		errs = append(errs, fmt.Errorf("config: CHAT_PRESENCE_SCOPE must be global or contacts, got %q", c.PresenceScope))
	}
	if !chat.IsValidPGIdent(c.DBSchema) {
		errs = append(errs, fmt.Errorf("config: CHAT_DB_SCHEMA %q is not a valid identifier", c.DBSchema))
	}
	if c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns {
		errs = append(errs, errors.New("config: CHAT_DB_MIN_CONNS exceeds CHAT_DB_MAX_CONNS"))
	}
	if _, err := parseSeedUsers(c.SeedUsers); err != nil {
		errs = append(errs, fmt.Errorf("config: CHAT_SEED_USERS: %w", err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("config: CHAT_LOG_FORMAT must be json or pretty, got %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Gateway derives the websocket transport settings. Zero values keep the
// gateway defaults.
func (c Config) Gateway() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		DevInsecure:       c.WSDevInsecure,
		OriginRequired:    c.WSOriginRequired,
		AllowedOrigins:    c.WSAllowedOrigins,
		WriteTimeout:      c.WSWriteTimeout,
		ReadIdleTimeout:   c.WSReadIdleTimeout,
		SendQueueSize:     c.WSSendQueueSize,
		HeartbeatInterval: c.WSHeartbeatInterval,
		RateEvents:        c.WSRateEvents,
		RateWindow:        c.WSRateWindow,
	}
}

// API derives the REST limits.
func (c Config) API() api.Config {
	return api.Config{MaxBodyBytes: int64(c.MaxBodyBytes)}
}

// parseSeedUsers parses id:Name[:email] entries.
func parseSeedUsers(entries []string) ([]chat.User, error) {
	users := make([]chat.User, 0, len(entries))
	for _, e := range entries {
		parts := strings.SplitN(strings.TrimSpace(e), ":", 3)
		if len(parts) < 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
			return nil, fmt.Errorf("invalid entry %q (want id:Name[:email])", e)
		}
		u := chat.User{ID: strings.TrimSpace(parts[0]), Name: strings.TrimSpace(parts[1])}
		if len(parts) == 3 {
			u.Email = strings.TrimSpace(parts[2])
		}
		users = append(users, u)
	}
	return users, nil
}
