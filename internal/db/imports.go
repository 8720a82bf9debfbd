package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"
)

// ResolveLatestImportDBName returns the db_name with the most recent imported_at
// from public.latest_successful_imports where db_name ILIKE '%city%'.
func ResolveLatestImportDBName(ctx context.Context, meta *sql.DB, city string) (string, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return "", fmt.Errorf("city is required")
	}
	// Fully qualified to the public schema (assumes we are connected to the 'postgres' database)
	q := `
SELECT db_name
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%'
ORDER BY imported_at DESC
LIMIT 1`
	var dbName sql.NullString
	if err := meta.QueryRowContext(ctx, q, city).Scan(&dbName); err != nil {
		if err == sql.ErrNoRows {
			return "", fmt.Errorf("no database found for city like %q", city)
		}
		return "", err
	}
	if !dbName.Valid || dbName.String == "" {
		return "", fmt.Errorf("empty db_name for city like %q", city)
	}
	return dbName.String, nil
}

// resolveCity looks up the latest import for city through a short-lived
// connection to the cluster's 'postgres' database.
func resolveCity(ctx context.Context, baseDSN, city string) (string, error) {
	rootDSN, err := WithDBName(baseDSN, "postgres")
	if err != nil {
		return "", fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open(rootDSN)
	if err != nil {
		return "", fmt.Errorf("db open (meta): %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return "", fmt.Errorf("db ping (meta): %w", err)
	}
	return ResolveLatestImportDBName(ctx, meta, city)
}

func openPinged(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// Connect opens the GTFS database. With a city set, the latest import for
// that city is resolved first and its database used instead of the one in
// baseDSN.
func Connect(ctx context.Context, baseDSN, city string) (*Handle, error) {
	dsn, name := baseDSN, ""
	if city != "" {
		var err error
		name, err = resolveCity(ctx, baseDSN, city)
		if err != nil {
			return nil, fmt.Errorf("resolve latest import for city %q: %w", city, err)
		}
		if dsn, err = WithDBName(baseDSN, name); err != nil {
			return nil, fmt.Errorf("compose DSN: %w", err)
		}
		log.Printf("using database %q for city %q", name, city)
	}
	conn, err := openPinged(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	return NewHandle(conn, name), nil
}

// WatchCity checks every interval whether the current database still
// answers and whether a newer import exists for city, and switches h to the
// new database when either is the case. onSwitch is called with the reason
// ("ping_failure" or "update") after a successful switch. It blocks until
// ctx is done.
func WatchCity(ctx context.Context, h *Handle, baseDSN, city string, interval time.Duration, onSwitch func(reason string)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		reason := ""
		if conn := h.DB(); conn == nil || Ping(ctx, conn) != nil {
			log.Printf("db ping failed, re-resolving city db")
			reason = "ping_failure"
		}
		newName, err := resolveCity(ctx, baseDSN, city)
		if err != nil {
			log.Printf("resolve latest import error: %v", err)
			continue
		}
		current := h.Name()
		if newName != current {
			log.Printf("detected updated db for city %q: %q -> %q", city, current, newName)
			reason = "update"
		}
		if reason == "" {
			continue
		}

		dsn, err := WithDBName(baseDSN, newName)
		if err != nil {
			log.Printf("compose DSN error: %v", err)
			continue
		}
		conn, err := openPinged(ctx, dsn)
		if err != nil {
			log.Printf("open new db error: %v", err)
			continue
		}
		if old := h.Swap(conn, newName); old != nil {
			old.Close()
		}
		log.Printf("switched to db %q for city %q", newName, city)
		if onSwitch != nil {
			onSwitch(reason)
		}
	}
}
