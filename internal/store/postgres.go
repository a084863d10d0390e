package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/somatogether/tokenledger/internal/domain"
)

// LedgerStore is the sole mutator of account balances, teacher earnings and
// transaction records. Every mutation is a single database transaction.
type LedgerStore struct {
	db *pgxpool.Pool
}

// New opens a connection pool and verifies connectivity.
func New(connString string) (*LedgerStore, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &LedgerStore{db: pool}, nil
}

// NewWithPool wraps an existing pool (used by the seeder and tests).
func NewWithPool(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{db: pool}
}

func (s *LedgerStore) Close() {
	s.db.Close()
}

// CreateAccount registers a new platform party with a zero balance.
func (s *LedgerStore) CreateAccount(ctx context.Context, role, email, name string) (*domain.Account, error) {
	account := domain.Account{Role: role, Email: email, Name: name, Active: true}
	err := s.db.QueryRow(ctx,
		"INSERT INTO accounts (role, email, name) VALUES ($1, $2, $3) RETURNING id, created_at",
		role, email, name,
	).Scan(&account.ID, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &account, nil
}

// SetStripeCustomerID stores the processor's customer id on the account.
func (s *LedgerStore) SetStripeCustomerID(ctx context.Context, accountID uuid.UUID, customerID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE accounts SET stripe_customer_id = $1 WHERE id = $2",
		customerID, accountID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// GetAccount retrieves a single account by id.
func (s *LedgerStore) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	var customerID *string
	err := s.db.QueryRow(ctx,
		`SELECT id, role, email, name, stripe_customer_id, balance, earnings_cents, active, created_at
		 FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.Role, &a.Email, &a.Name, &customerID, &a.Balance, &a.EarningsCents, &a.Active, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	if customerID != nil {
		a.StripeCustomerID = *customerID
	}
	return &a, nil
}

// ListTransactions returns the account's transaction history, newest first.
func (s *LedgerStore) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TokenTransaction, error) {
	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, account_id, type, tokens, amount_cents, status, reference_id, created_at
		 FROM token_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.TokenTransaction
	for rows.Next() {
		var tx domain.TokenTransaction
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Tokens, &tx.AmountCents,
			&tx.Status, &tx.ReferenceID, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// GetSessionRequest retrieves a session request by id.
func (s *LedgerStore) GetSessionRequest(ctx context.Context, id uuid.UUID) (*domain.SessionRequest, error) {
	var sr domain.SessionRequest
	err := s.db.QueryRow(ctx,
		`SELECT id, student_id, teacher_id, charge_id, status, created_at, updated_at
		 FROM session_requests WHERE id = $1`, id,
	).Scan(&sr.ID, &sr.StudentID, &sr.TeacherID, &sr.ChargeID, &sr.Status, &sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionRequestNotFound
		}
		return nil, err
	}
	return &sr, nil
}

// GetWithdrawal retrieves a withdrawal request by id.
func (s *LedgerStore) GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	var w domain.WithdrawalRequest
	var transferID *string
	err := s.db.QueryRow(ctx,
		`SELECT id, teacher_id, amount_cents, transfer_id, status, created_at, updated_at
		 FROM withdrawal_requests WHERE id = $1`, id,
	).Scan(&w.ID, &w.TeacherID, &w.AmountCents, &transferID, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	if transferID != nil {
		w.TransferID = *transferID
	}
	return &w, nil
}

// ListExpiredPending returns ids of session requests still pending past the
// cutoff. The sweep expires each one individually so a concurrent manual
// decline loses cleanly on the status guard.
func (s *LedgerStore) ListExpiredPending(ctx context.Context, cutoff time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		"SELECT id FROM session_requests WHERE status = $1 AND created_at < $2",
		domain.SessionPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// isUniqueViolation reports whether err is a Postgres duplicate-key error.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
