// Package sqlstore implements storage.Store and storage.Outbox over
// database/sql. Postgres is reached through pgx, SQLite through modernc.org.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"trellocore/internal/storage"
)

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

func (d dialect) String() string {
	if d == dialectSQLite {
		return "sqlite"
	}
	return "postgres"
}

type Config struct {
	DSN             string
	PoolSize        int
	MaxOverflow     int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db      *sql.DB
	dialect dialect
}

var (
	_ storage.Store  = (*Store)(nil)
	_ storage.Outbox = (*Store)(nil)
)

// Open connects to the database named by cfg.DSN and pings it.
// postgres:// and postgresql:// URLs use pgx; sqlite://<path>, file: URIs and
// bare paths use SQLite.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	d, driver, dsn, err := parseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d, err)
	}

	switch d {
	case dialectSQLite:
		// single writer
		db.SetMaxOpenConns(1)
	default:
		size := max(cfg.PoolSize, 1)
		db.SetMaxOpenConns(size + max(cfg.MaxOverflow, 0))
		db.SetMaxIdleConns(size)
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = 30 * time.Minute
	}
	db.SetConnMaxLifetime(lifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d, classify(err))
	}
	return &Store{db: db, dialect: d}, nil
}

func parseDSN(raw string) (dialect, string, string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return 0, "", "", fmt.Errorf("database url is required")
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return dialectPostgres, "pgx", raw, nil
	case strings.HasPrefix(raw, "sqlite://"):
		return dialectSQLite, "sqlite", sqlitePragmas(strings.TrimPrefix(raw, "sqlite://")), nil
	case strings.Contains(raw, "://"):
		return 0, "", "", fmt.Errorf("unsupported database url scheme in %q", raw)
	default:
		return dialectSQLite, "sqlite", sqlitePragmas(raw), nil
	}
}

func sqlitePragmas(path string) string {
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", classify(err))
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", classify(err))
	}
	return &sqlTx{tx: tx, dialect: s.dialect}, nil
}

// rebind turns ? placeholders into $n for Postgres. Queries in this package
// never contain a literal question mark.
func (d dialect) rebind(query string) string {
	if d != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
