// Package database opens the relational store shared by the patient
// repository and the SQL audit recorder, and applies its migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

// DB is a *sql.DB that knows its placeholder dialect.
type DB struct {
	*sql.DB
	Dialect Dialect
	URL     string
}

// Rebind rewrites ? placeholders into the dialect's form.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Rebind is shorthand for db.Dialect.Rebind.
func (db *DB) Rebind(query string) string {
	return db.Dialect.Rebind(query)
}

// ParseURL maps a database URL to a driver name and DSN.
func ParseURL(url string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		path := strings.TrimPrefix(url, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite URL needs a file path")
		}
		return SQLite, path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", nil
	}
	return "", "", fmt.Errorf("unsupported database URL scheme in %q", redact(url))
}

// RetryPolicy controls how long Open waits for the database to come up.
type RetryPolicy struct {
	Attempts int
	Wait     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, Wait: 2 * time.Second}
}

// Open connects and pings, retrying while the database starts.
func Open(ctx context.Context, url string, retry RetryPolicy, logger *zap.Logger) (*DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialect, dsn, err := ParseURL(url)
	if err != nil {
		return nil, err
	}
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == SQLite {
		// SQLite allows a single writer; serialize access through one connection.
		db.SetMaxOpenConns(1)
	}

	for i := 1; i <= retry.Attempts; i++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err == nil {
			break
		}
		logger.Info("waiting for database",
			zap.String("dialect", string(dialect)),
			zap.Int("attempt", i),
			zap.Int("of", retry.Attempts),
			zap.Error(err))
		if i == retry.Attempts {
			break
		}
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(retry.Wait):
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to %s: %w", dialect, err)
	}

	logger.Info("connected to database", zap.String("dialect", string(dialect)))
	return &DB{DB: db, Dialect: dialect, URL: url}, nil
}

func redact(url string) string {
	if i := strings.Index(url, "://"); i >= 0 {
		return url[:i] + "://..."
	}
	return "..."
}
