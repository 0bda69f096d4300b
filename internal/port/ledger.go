package port

import "context"

// Ledger tracks per-user credit balances. Debits happen only inside the
// queue's MarkCompleted transaction; this port covers everything else.
type Ledger interface {
	CreateUser(ctx context.Context, userID string, credits int64) error
	GetBalance(ctx context.Context, userID string) (int64, error)
	AddCredits(ctx context.Context, userID string, credits int64) error
}
