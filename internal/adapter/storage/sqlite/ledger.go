package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bnema/renderq/internal/domain"
	"github.com/bnema/renderq/internal/infrastructure/retry"
	"github.com/bnema/renderq/internal/port"
)

// Ledger covers the credit operations outside the completion transaction:
// account creation, top-ups, and balance reads. The debit itself lives in
// JobQueue.MarkCompleted so it commits atomically with the terminal status.
type Ledger struct {
	store *Store
}

func NewLedger(store *Store) *Ledger {
	return &Ledger{store: store}
}

func (l *Ledger) CreateUser(ctx context.Context, userID string, credits int64) error {
	if credits < 0 {
		return fmt.Errorf("initial credits must be non-negative, got %d", credits)
	}
	return l.store.withConn(ctx, "create user", func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`INSERT INTO users (user_id, credits) VALUES (?, ?) ON CONFLICT(user_id) DO NOTHING`,
			userID, credits)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return retry.Permanent(domain.ErrUserExists)
		}
		return nil
	})
}

func (l *Ledger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := l.store.withConn(ctx, "get balance", func(ctx context.Context, conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`SELECT credits FROM users WHERE user_id = ?`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			return retry.Permanent(domain.ErrNotFound)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

func (l *Ledger) AddCredits(ctx context.Context, userID string, credits int64) error {
	if credits <= 0 {
		return fmt.Errorf("top-up must be positive, got %d", credits)
	}
	return l.store.withConn(ctx, "add credits", func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO users (user_id, credits) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET credits = credits + ?`,
			userID, credits, credits)
		return err
	})
}

var _ port.Ledger = (*Ledger)(nil)
