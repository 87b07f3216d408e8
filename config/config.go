/*
Package config loads server settings from flags with RAILBOOK_* environment
fallbacks.

PRECEDENCE:
  flag > environment > default

EXAMPLES:
  # SQLite file, in-process events
  ./server -db=./data/railbook.db -jwt-secret=...

  # PostgreSQL with Redis Streams
  RAILBOOK_DB_DRIVER=postgres \
  RAILBOOK_POSTGRES_DSN="postgres://railbook@db/railbook" \
  RAILBOOK_EVENTS=redis RAILBOOK_REDIS_ADDR=redis:6379 ./server
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every server setting.
type Config struct {
	Port     int
	LogLevel string

	DBDriver    string // sqlite | postgres
	DBPath      string
	PostgresDSN string

	JWTSecret string
	TokenTTL  time.Duration

	AdminEmail    string
	AdminPassword string

	Events       string // gochannel | redis | kafka
	RedisAddr    string
	KafkaBrokers []string

	RailwayURL  string
	RailwayKey  string
	RailwayHost string

	RateRPS   float64
	RateBurst int

	ReconcileInterval time.Duration
	ReconcileRepair   bool

	CORSOrigins []string
	Scenario    string
}

// Load parses args (without the program name).
func Load(args []string) (Config, error) {
	var (
		cfg                   Config
		kafkaBrokers, origins string
	)

	fs := flag.NewFlagSet("railbook", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", envInt("RAILBOOK_PORT", 8080), "HTTP server port")
	fs.StringVar(&cfg.LogLevel, "log-level", env("RAILBOOK_LOG_LEVEL", "info"), "Log level")
	fs.StringVar(&cfg.DBDriver, "db-driver", env("RAILBOOK_DB_DRIVER", "sqlite"), "Storage driver: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db", env("RAILBOOK_DB", "railbook.db"), "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.PostgresDSN, "postgres-dsn", env("RAILBOOK_POSTGRES_DSN", ""), "PostgreSQL DSN")
	fs.StringVar(&cfg.JWTSecret, "jwt-secret", env("RAILBOOK_JWT_SECRET", ""), "HS256 signing secret (16+ bytes)")
	fs.DurationVar(&cfg.TokenTTL, "token-ttl", envDuration("RAILBOOK_TOKEN_TTL", 24*time.Hour), "Bearer token lifetime")
	fs.StringVar(&cfg.AdminEmail, "admin-email", env("RAILBOOK_ADMIN_EMAIL", ""), "Bootstrap admin email")
	fs.StringVar(&cfg.AdminPassword, "admin-password", env("RAILBOOK_ADMIN_PASSWORD", ""), "Bootstrap admin password")
	fs.StringVar(&cfg.Events, "events", env("RAILBOOK_EVENTS", "gochannel"), "Event backend: gochannel, redis or kafka")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", env("RAILBOOK_REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&kafkaBrokers, "kafka-brokers", env("RAILBOOK_KAFKA_BROKERS", "localhost:9092"), "Comma-separated Kafka brokers")
	fs.StringVar(&cfg.RailwayURL, "railway-url", env("RAILBOOK_RAILWAY_URL", "https://irctc1.p.rapidapi.com"), "Railway API base URL")
	fs.StringVar(&cfg.RailwayKey, "railway-key", env("RAILBOOK_RAILWAY_KEY", ""), "Railway API key")
	fs.StringVar(&cfg.RailwayHost, "railway-host", env("RAILBOOK_RAILWAY_HOST", ""), "Railway API host header")
	fs.Float64Var(&cfg.RateRPS, "rate-rps", envFloat("RAILBOOK_RATE_RPS", 20), "Per-client requests per second")
	fs.IntVar(&cfg.RateBurst, "rate-burst", envInt("RAILBOOK_RATE_BURST", 40), "Per-client burst")
	fs.DurationVar(&cfg.ReconcileInterval, "reconcile-interval", envDuration("RAILBOOK_RECONCILE_INTERVAL", 15*time.Minute), "Capacity check interval")
	fs.BoolVar(&cfg.ReconcileRepair, "reconcile-repair", envBool("RAILBOOK_RECONCILE_REPAIR", false), "Repair drift found by the scheduled check")
	fs.StringVar(&origins, "cors-origins", env("RAILBOOK_CORS_ORIGINS", "http://localhost:5173,http://localhost:8080"), "Comma-separated allowed origins")
	fs.StringVar(&cfg.Scenario, "scenario", env("RAILBOOK_SCENARIO", ""), "Scenario to load at startup")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	cfg.KafkaBrokers = splitList(kafkaBrokers)
	cfg.CORSOrigins = splitList(origins)
	return cfg, nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case "sqlite":
		if c.DBPath == "" {
			errs = append(errs, errors.New("sqlite driver needs -db"))
		}
	case "postgres":
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres driver needs -postgres-dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, errors.New("jwt secret must be at least 16 bytes"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("token ttl must be positive"))
	}
	switch c.Events {
	case "gochannel":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis events need -redis-addr"))
		}
	case "kafka":
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("kafka events need -kafka-brokers"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown event backend %q", c.Events))
	}
	if c.RateRPS <= 0 || c.RateBurst <= 0 {
		errs = append(errs, errors.New("rate limit must be positive"))
	}
	if c.ReconcileInterval <= 0 {
		errs = append(errs, errors.New("reconcile interval must be positive"))
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		errs = append(errs, errors.New("admin email and password must be set together"))
	}
	return errors.Join(errs...)
}

func env(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
