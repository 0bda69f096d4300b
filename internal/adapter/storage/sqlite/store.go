package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/bnema/renderq/internal/infrastructure/retry"
)

//go:embed migrations/*.sql
var migrations embed.FS

// stmtTimeout bounds any single statement so a stuck lock holder cannot
// block the queue indefinitely. busy_timeout below covers lock waits at the
// sqlite level; this covers everything else.
const stmtTimeout = 10 * time.Second

type Store struct {
	db            *sql.DB
	retryAttempts int
	retryDelay    time.Duration
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA foreign_keys = ON",
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

// NewStore opens (or creates) the queue database, runs migrations, and
// verifies connectivity. A store that cannot be reached here is a fatal
// startup error for the process.
func NewStore(dataDir string, retryAttempts int, retryDelay time.Duration) (*Store, error) {
	registerHook()

	// Immediate transactions take the write lock at BEGIN, so competing
	// claimants queue on busy_timeout instead of failing a read-to-write
	// lock upgrade mid-transaction.
	dsn := "file:" + filepath.Join(dataDir, "renderq.db") + "?_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL allows concurrent reads but a single writer; bound the pool so
	// render concurrency cannot pile up connections.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{
		db:            db,
		retryAttempts: retryAttempts,
		retryDelay:    retryDelay,
	}
	if err := s.Ping(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Ping verifies the store is reachable, retrying transient failures.
func (s *Store) Ping(ctx context.Context) error {
	return retry.Do(ctx, "ping database", s.retryAttempts, s.retryDelay, func(ctx context.Context) error {
		return s.db.PingContext(ctx)
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// withConn acquires a pooled connection and runs fn on it, retrying
// acquisition and execution independently so a slow pool does not eat into
// the query's retry budget.
func (s *Store) withConn(ctx context.Context, name string, fn func(ctx context.Context, conn *sql.Conn) error) error {
	var conn *sql.Conn
	err := retry.Do(ctx, "acquire connection", s.retryAttempts, s.retryDelay, func(ctx context.Context) error {
		c, err := s.db.Conn(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	return retry.Do(ctx, name, s.retryAttempts, s.retryDelay, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, stmtTimeout)
		defer cancel()
		return fn(ctx, conn)
	})
}
