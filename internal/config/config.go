package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	ShapesSource  string `validate:"oneof=postgres static"`
	DatabaseURL   string `validate:"required_if=ShapesSource postgres"`
	City          string
	GTFSStaticURL string `validate:"required_if=ShapesSource static"`

	SnapshotStore string `validate:"oneof=file redis memory"`
	SnapshotDir   string
	SnapshotKey   string `validate:"required"`
	RedisAddr     string `validate:"required_if=SnapshotStore redis"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`
	RedisTLS      bool

	RefreshInterval time.Duration
	FetchTimeout    time.Duration `validate:"gt=0"`

	NATSURL     string // empty disables change notifications
	NATSSubject string `validate:"required"`
	MetricsAddr string
	APIAddr     string `validate:"required"`
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		ShapesSource:  strings.ToLower(getenvDefault("SHAPES_SOURCE", "postgres")),
		City:          firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")),
		GTFSStaticURL: os.Getenv("GTFS_STATIC_URL"),
		SnapshotStore: strings.ToLower(getenvDefault("SNAPSHOT_STORE", "file")),
		SnapshotDir:   os.Getenv("SNAPSHOT_DIR"),
		SnapshotKey:   getenvDefault("SNAPSHOT_KEY", "shape-cache"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisTLS:      parseBool(os.Getenv("REDIS_TLS")),
		NATSURL:       os.Getenv("NATS_URL"),
		NATSSubject:   getenvDefault("NATS_SUBJECT", "shapes.updated"),
		// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		APIAddr:     getenvDefault("API_ADDR", ":8080"),
	}

	if cfg.ShapesSource == "postgres" {
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	}

	if v := os.Getenv("REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid REDIS_DB: %q", v)
		}
		cfg.RedisDB = n
	}

	// Periodic refresh (seconds); 0 disables the refresher
	if v := os.Getenv("SHAPES_REFRESH_INTERVAL_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec < 0 {
			return nil, fmt.Errorf("invalid SHAPES_REFRESH_INTERVAL_SEC: %q", v)
		}
		cfg.RefreshInterval = time.Duration(sec) * time.Second
	} else {
		cfg.RefreshInterval = time.Hour
	}

	if v := os.Getenv("FETCH_TIMEOUT_SEC"); v != "" {
		sec, err := strconv.Atoi(v)
		if err != nil || sec <= 0 {
			return nil, fmt.Errorf("invalid FETCH_TIMEOUT_SEC: %q", v)
		}
		cfg.FetchTimeout = time.Duration(sec) * time.Second
	} else {
		cfg.FetchTimeout = 30 * time.Second
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// databaseURL returns the cluster DSN: DATABASE_URL / PG_DSN, else built from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (set PGDATABASE=postgres when using CITY)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
