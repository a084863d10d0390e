package analytics

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Aggregator serves read-only rollups over the ledger's transaction and
// session records for dashboards. It never mutates anything.
type Aggregator struct {
	db *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Aggregator {
	return &Aggregator{db: db}
}

// PlatformSummary is the platform-wide dashboard rollup.
type PlatformSummary struct {
	TokensSold        int64 `json:"tokens_sold"`
	GrossRevenueCents int64 `json:"gross_revenue_cents"`
	SessionsCompleted int64 `json:"sessions_completed"`
	SessionsPending   int64 `json:"sessions_pending"`
	ActiveAccounts    int64 `json:"active_accounts"`
}

// TeacherSummary is a single teacher's earnings rollup.
type TeacherSummary struct {
	TeacherID              uuid.UUID `json:"teacher_id"`
	SessionsCompleted      int64     `json:"sessions_completed"`
	EarnedCents            int64     `json:"earned_cents"`
	WithdrawnCents         int64     `json:"withdrawn_cents"`
	PendingWithdrawalCents int64     `json:"pending_withdrawal_cents"`
	AvailableCents         int64     `json:"available_cents"`
}

var ErrTeacherNotFound = errors.New("teacher not found")

// Platform computes the platform-wide summary.
func (a *Aggregator) Platform(ctx context.Context) (*PlatformSummary, error) {
	var s PlatformSummary
	err := a.db.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT SUM(tokens) FROM token_transactions WHERE type = 'purchase' AND status = 'completed'), 0),
			COALESCE((SELECT SUM(amount_cents) FROM token_transactions WHERE type = 'purchase' AND status = 'completed'), 0),
			(SELECT COUNT(*) FROM session_requests WHERE status = 'completed'),
			(SELECT COUNT(*) FROM session_requests WHERE status = 'pending'),
			(SELECT COUNT(*) FROM accounts WHERE active)`,
	).Scan(&s.TokensSold, &s.GrossRevenueCents, &s.SessionsCompleted, &s.SessionsPending, &s.ActiveAccounts)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Teacher computes one teacher's earnings summary.
func (a *Aggregator) Teacher(ctx context.Context, teacherID uuid.UUID) (*TeacherSummary, error) {
	s := TeacherSummary{TeacherID: teacherID}
	err := a.db.QueryRow(ctx, `
		SELECT
			earnings_cents,
			(SELECT COUNT(*) FROM session_requests WHERE teacher_id = a.id AND status = 'completed'),
			COALESCE((SELECT SUM(amount_cents) FROM token_transactions
				WHERE account_id = a.id AND type = 'earn' AND status = 'completed'), 0),
			COALESCE((SELECT SUM(amount_cents) FROM token_transactions
				WHERE account_id = a.id AND type = 'withdrawal' AND status = 'completed'), 0),
			COALESCE((SELECT SUM(amount_cents) FROM token_transactions
				WHERE account_id = a.id AND type = 'withdrawal' AND status = 'pending'), 0)
		FROM accounts a WHERE a.id = $1 AND a.role = 'teacher'`,
		teacherID,
	).Scan(&s.AvailableCents, &s.SessionsCompleted, &s.EarnedCents, &s.WithdrawnCents, &s.PendingWithdrawalCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeacherNotFound
		}
		return nil, err
	}
	return &s, nil
}
