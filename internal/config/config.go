package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Store   StoreConfig
	DB      DBConfig
	Audit   AuditConfig
	Auth    AuthConfig
	Routing RoutingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

// StoreConfig selects the shared record store backing all routing state.
// "redis" is the multi-instance deployment; "memory" runs everything in
// one process with no external dependency.
type StoreConfig struct {
	Backend string // redis | memory

	RedisHost string
	RedisPort int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca,
	// verify-full
	SSLMode string
}

// AuditConfig selects the audit event sink. Postgres requires DB config.
type AuditConfig struct {
	Backend string // memory | postgres
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// RoutingConfig tunes the coordination timings. Zero values fall back to
// per-component defaults, so only deployments with unusual latency need
// to set these.
type RoutingConfig struct {
	AssignPollInterval  time.Duration
	PendingTTL          time.Duration
	ForwardedPendingTTL time.Duration
	EndGrace            time.Duration
	CleanupInterval     time.Duration
	MaxParticipants     int
}

const (
	StoreBackendRedis  = "redis"
	StoreBackendMemory = "memory"

	AuditBackendMemory   = "memory"
	AuditBackendPostgres = "postgres"
)

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Store.Backend = strings.TrimSpace(os.Getenv("STORE_BACKEND"))
	if c.Store.Backend == "" {
		c.Store.Backend = StoreBackendRedis
	}
	if c.Store.Backend == StoreBackendRedis {
		c.Store.RedisHost = strings.TrimSpace(os.Getenv("REDIS_HOST"))
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Store.RedisPort = n
	}

	c.Audit.Backend = strings.TrimSpace(os.Getenv("AUDIT_BACKEND"))
	if c.Audit.Backend == "" {
		c.Audit.Backend = AuditBackendMemory
	}
	if c.Audit.Backend == AuditBackendPostgres {
		c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
		c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
		c.DB.Password = os.Getenv("DB_PASSWORD")
		c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
		c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Routing.AssignPollInterval = mustDuration("ASSIGN_POLL_INTERVAL")
	c.Routing.PendingTTL = mustDuration("PENDING_TTL")
	c.Routing.ForwardedPendingTTL = mustDuration("FORWARDED_PENDING_TTL")
	c.Routing.EndGrace = mustDuration("END_GRACE")
	c.Routing.CleanupInterval = mustDuration("CLEANUP_INTERVAL")
	if v := strings.TrimSpace(os.Getenv("MAX_CONFERENCE_PARTICIPANTS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("MAX_CONFERENCE_PARTICIPANTS must be an integer, got %q", v))
		}
		c.Routing.MaxParticipants = n
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	switch c.Store.Backend {
	case StoreBackendRedis:
		if c.Store.RedisHost == "" {
			errs = append(errs, errors.New("REDIS_HOST is required"))
		}
		if c.Store.RedisPort <= 0 || c.Store.RedisPort > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Store.RedisPort))
		}
	case StoreBackendMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_BACKEND memory is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND must be redis or memory, got %q", c.Store.Backend))
	}

	switch c.Audit.Backend {
	case AuditBackendMemory:
	case AuditBackendPostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if strings.TrimSpace(c.DB.SSLMode) == "" {
			if c.IsProduction() {
				errs = append(errs, errors.New("DB_SSLMODE is required in production"))
			}
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("AUDIT_BACKEND must be memory or postgres, got %q", c.Audit.Backend))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}

	if c.Auth.AccessTokenTTL > 0 && c.Auth.RefreshTokenTTL > 0 &&
		c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"ASSIGN_POLL_INTERVAL", c.Routing.AssignPollInterval},
		{"PENDING_TTL", c.Routing.PendingTTL},
		{"FORWARDED_PENDING_TTL", c.Routing.ForwardedPendingTTL},
		{"END_GRACE", c.Routing.EndGrace},
		{"CLEANUP_INTERVAL", c.Routing.CleanupInterval},
	} {
		if d.val < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", d.name))
		}
	}
	if c.Routing.MaxParticipants < 0 {
		errs = append(errs, errors.New("MAX_CONFERENCE_PARTICIPANTS must not be negative"))
	}

	return joinErrors(errs)
}

// WithDefaults fills optional values that Validate leaves at zero.
func (c Config) WithDefaults() Config {
	out := c
	if out.Auth.AccessTokenTTL <= 0 {
		// Short-lived access tokens; operators re-auth through refresh.
		out.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if out.Auth.RefreshTokenTTL <= 0 {
		out.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	return out
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	sslMode := c.DB.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		sslMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Store.RedisHost, c.Store.RedisPort)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
