package db

import (
	"fmt"
	"net/url"
	"strings"
)

// IsPostgres reports whether dsn selects the pgx driver.
func IsPostgres(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// sqliteDSN turns a path or file: URI into a modernc DSN with WAL, a busy
// timeout and foreign keys enabled.
func sqliteDSN(dsn string) string {
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// WithDBName returns dsn pointed at another database. For postgres the URL
// path is replaced; for SQLite the database is the file name, keeping any
// query parameters. An empty database leaves dsn unchanged.
func WithDBName(dsn, database string) (string, error) {
	if dsn == "" {
		return "", fmt.Errorf("empty DSN")
	}
	if database == "" {
		return dsn, nil
	}
	if !IsPostgres(dsn) {
		query := ""
		if i := strings.Index(dsn, "?"); i >= 0 {
			query = dsn[i:]
		}
		return "file:" + strings.TrimPrefix(database, "file:") + query, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(database, "/") {
		u.Path = "/" + database
	} else {
		u.Path = database
	}
	return u.String(), nil
}
