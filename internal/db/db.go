package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// DB is the route and key-value store. Postgres DSNs use pgx, anything else
// is treated as a SQLite path or file: URI.
type DB struct {
	conn     *sql.DB
	postgres bool
	// serializes writes; SQLite allows a single writer
	writeMu sync.Mutex
}

func Open(dsn string) (*DB, error) {
	if IsPostgres(dsn) {
		conn, err := sql.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		conn.SetMaxOpenConns(20)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(30 * time.Minute)
		return &DB{conn: conn, postgres: true}, nil
	}
	conn, err := sql.Open("sqlite", sqliteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)
	return &DB{conn: conn}, nil
}

// Ping checks the connection, retrying with exponential backoff for up to
// maxWait.
func Ping(ctx context.Context, db *DB, maxWait time.Duration) error {
	if maxWait <= 0 {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.conn.PingContext(pctx)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = maxWait
	return backoff.RetryNotify(func() error {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.conn.PingContext(pctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("database not ready")
	})
}

// EnsureSchema creates the tables if they do not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	if _, err := db.conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (db *DB) Close() error { return db.conn.Close() }

// rebind rewrites ? placeholders to $n for postgres.
func (db *DB) rebind(q string) string {
	if !db.postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
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

// Put upserts value under key.
func (db *DB) Put(ctx context.Context, key string, value []byte) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	q := db.rebind(`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`)
	if _, err := db.conn.ExecContext(ctx, q, key, string(value), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

// Get returns the value stored under key and whether it exists.
func (db *DB) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, db.rebind(`SELECT value FROM kv WHERE key = ?`), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return []byte(v), true, nil
}
