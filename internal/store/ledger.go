package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/somatogether/tokenledger/internal/domain"
)

var (
	ErrAccountNotFound        = errors.New("account not found")
	ErrSessionRequestNotFound = errors.New("session request not found")
	ErrWithdrawalNotFound     = errors.New("withdrawal not found")
	ErrInsufficientBalance    = errors.New("insufficient token balance")
	ErrInsufficientEarnings   = errors.New("insufficient withdrawable earnings")
	ErrInvalidState           = errors.New("operation not valid in current state")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrDuplicateEvent         = errors.New("event already applied")
)

// RecordPendingPurchase creates the pending purchase transaction when a
// payment intent is issued. The partial unique index on reference_id keeps
// one purchase row per intent.
func (s *LedgerStore) RecordPendingPurchase(ctx context.Context, accountID uuid.UUID, tokens, amountCents int64, referenceID string) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		accountID, domain.TxPurchase, tokens, amountCents, domain.TxStatusPending, referenceID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("purchase insert failed: %w", err)
	}
	return nil
}

// CreditTokens settles a purchase: the pending transaction recorded at intent
// time is completed and the balance credited. Idempotent per referenceID, as
// webhook delivery is at-least-once; the second application is a no-op.
func (s *LedgerStore) CreditTokens(ctx context.Context, accountID uuid.UUID, tokens, amountCents int64, referenceID string) error {
	if tokens <= 0 {
		return fmt.Errorf("credit must be positive, got %d", tokens)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Settle the pending purchase row. The status guard makes replays lose.
	var creditAccount uuid.UUID
	var creditTokens int64
	err = tx.QueryRow(ctx,
		`UPDATE token_transactions SET status = $1
		 WHERE reference_id = $2 AND type = $3 AND status = $4
		 RETURNING account_id, tokens`,
		domain.TxStatusCompleted, referenceID, domain.TxPurchase, domain.TxStatusPending,
	).Scan(&creditAccount, &creditTokens)

	switch {
	case err == nil:
		// Pending row found; its recorded token count is authoritative.
	case errors.Is(err, pgx.ErrNoRows):
		// No pending row. Either the event was already applied, or the webhook
		// beat the local intent record; insert directly in the latter case.
		var settled bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM token_transactions
			 WHERE reference_id = $1 AND type = $2 AND status <> $3)`,
			referenceID, domain.TxPurchase, domain.TxStatusPending,
		).Scan(&settled); err != nil {
			return fmt.Errorf("purchase lookup failed: %w", err)
		}
		if settled {
			return ErrDuplicateEvent
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			accountID, domain.TxPurchase, tokens, amountCents, domain.TxStatusCompleted, referenceID); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateEvent
			}
			return fmt.Errorf("purchase insert failed: %w", err)
		}
		creditAccount, creditTokens = accountID, tokens
	default:
		return fmt.Errorf("purchase settle failed: %w", err)
	}

	// 2. Credit the balance.
	tag, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2",
		creditTokens, creditAccount)
	if err != nil {
		return fmt.Errorf("balance credit failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}

	return tx.Commit(ctx)
}

// DebitForSessionRequest atomically places the session hold: checks the
// student's balance, deducts the session cost, and creates the pending
// session_charge transaction plus the session request. Two concurrent debits
// against the same account serialize on the row lock, so the balance can
// never go negative.
func (s *LedgerStore) DebitForSessionRequest(ctx context.Context, studentID, teacherID uuid.UUID) (*domain.SessionRequest, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the student row and check funds.
	var balance int64
	err = tx.QueryRow(ctx,
		"SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", studentID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if balance < domain.SessionCostTokens {
		return nil, ErrInsufficientBalance
	}

	// 2. The teacher must exist before a request is booked against them.
	var teacherExists bool
	if err := tx.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1 AND role = $2 AND active)",
		teacherID, domain.RoleTeacher).Scan(&teacherExists); err != nil {
		return nil, err
	}
	if !teacherExists {
		return nil, ErrAccountNotFound
	}

	// 3. Deduct the hold.
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance - $1 WHERE id = $2",
		int64(domain.SessionCostTokens), studentID); err != nil {
		return nil, fmt.Errorf("balance debit failed: %w", err)
	}

	// 4. Record the charge and the request together.
	requestID := uuid.New()
	sr := domain.SessionRequest{
		ID:        requestID,
		StudentID: studentID,
		TeacherID: teacherID,
		Status:    domain.SessionPending,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		studentID, domain.TxSessionCharge, int64(-domain.SessionCostTokens),
		int64(domain.SessionPriceCents), domain.TxStatusPending, requestID.String(),
	).Scan(&sr.ChargeID)
	if err != nil {
		return nil, fmt.Errorf("charge insert failed: %w", err)
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO session_requests (id, student_id, teacher_id, charge_id, status)
		 VALUES ($1, $2, $3, $4, $5) RETURNING created_at, updated_at`,
		requestID, studentID, teacherID, sr.ChargeID, domain.SessionPending,
	).Scan(&sr.CreatedAt, &sr.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("session request insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &sr, nil
}

// AcceptSessionRequest moves a pending request to accepted.
func (s *LedgerStore) AcceptSessionRequest(ctx context.Context, id uuid.UUID) error {
	return s.transitionSessionRequest(ctx, id, domain.SessionPending, domain.SessionAccepted)
}

// DeclineSessionRequest moves a pending request to declined and releases the
// hold in the same transaction. The status update is the concurrency guard:
// a racing expiry sweep and a manual decline cannot both win.
func (s *LedgerStore) DeclineSessionRequest(ctx context.Context, id uuid.UUID) error {
	return s.resolveWithRefund(ctx, id, domain.SessionDeclined)
}

// ExpireSessionRequest moves a pending request to expired and releases the
// hold. Used by the periodic sweep; shares the decline path's refund logic.
func (s *LedgerStore) ExpireSessionRequest(ctx context.Context, id uuid.UUID) error {
	return s.resolveWithRefund(ctx, id, domain.SessionExpired)
}

func (s *LedgerStore) resolveWithRefund(ctx context.Context, id uuid.UUID, to string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Conditional status update from pending only; losing a race with the
	//    other resolver surfaces as ErrInvalidState.
	var studentID, chargeID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE session_requests SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3
		 RETURNING student_id, charge_id`,
		to, id, domain.SessionPending,
	).Scan(&studentID, &chargeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyMissedTransition(ctx, id)
		}
		return fmt.Errorf("status update failed: %w", err)
	}

	// 2. Release the hold.
	if err := refundHold(ctx, tx, id, studentID, chargeID); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// RefundSessionHold releases the 10-token hold of a declined or expired
// request. Decline and expiry already refund in-line; this entry point covers
// duplicate triggers and reconciliation, so calling it twice is a no-op.
func (s *LedgerStore) RefundSessionHold(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	var studentID, chargeID uuid.UUID
	err = tx.QueryRow(ctx,
		"SELECT status, student_id, charge_id FROM session_requests WHERE id = $1 FOR UPDATE", id,
	).Scan(&status, &studentID, &chargeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrSessionRequestNotFound
		}
		return err
	}
	if status != domain.SessionDeclined && status != domain.SessionExpired {
		return ErrInvalidState
	}

	if err := refundHold(ctx, tx, id, studentID, chargeID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// refundHold credits the hold back exactly once. The compare-and-swap on the
// charge transaction is the idempotency guard: only the caller that flips it
// from pending also credits the balance and records the refund leg.
func refundHold(ctx context.Context, tx pgx.Tx, requestID, studentID, chargeID uuid.UUID) error {
	tag, err := tx.Exec(ctx,
		"UPDATE token_transactions SET status = $1 WHERE id = $2 AND status = $3",
		domain.TxStatusRefunded, chargeID, domain.TxStatusPending)
	if err != nil {
		return fmt.Errorf("charge settle failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Hold already released; duplicate trigger.
		return nil
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET balance = balance + $1 WHERE id = $2",
		int64(domain.SessionCostTokens), studentID); err != nil {
		return fmt.Errorf("refund credit failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		studentID, domain.TxRefund, int64(domain.SessionCostTokens),
		int64(domain.SessionPriceCents), domain.TxStatusCompleted, requestID.String())
	if err != nil {
		return fmt.Errorf("refund insert failed: %w", err)
	}
	return nil
}

// SettleSessionCompletion finalizes accounting for a held-through session:
// the charge settles (tokens moved at request time) and the teacher's
// earnings ledger is credited at the platform split.
func (s *LedgerStore) SettleSessionCompletion(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Only accepted sessions complete.
	var teacherID, chargeID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE session_requests SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3
		 RETURNING teacher_id, charge_id`,
		domain.SessionCompleted, id, domain.SessionAccepted,
	).Scan(&teacherID, &chargeID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return s.classifyMissedTransition(ctx, id)
		}
		return fmt.Errorf("status update failed: %w", err)
	}

	// 2. The hold is consumed: the charge settles as completed.
	if _, err := tx.Exec(ctx,
		"UPDATE token_transactions SET status = $1 WHERE id = $2 AND status = $3",
		domain.TxStatusCompleted, chargeID, domain.TxStatusPending); err != nil {
		return fmt.Errorf("charge settle failed: %w", err)
	}

	// 3. Credit the teacher's USD earnings and record the earn leg.
	earnings := domain.TeacherEarningsCents()
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET earnings_cents = earnings_cents + $1 WHERE id = $2",
		earnings, teacherID); err != nil {
		return fmt.Errorf("earnings credit failed: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
		 VALUES ($1, $2, 0, $3, $4, $5)`,
		teacherID, domain.TxEarn, earnings, domain.TxStatusCompleted, id.String()); err != nil {
		return fmt.Errorf("earn insert failed: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *LedgerStore) transitionSessionRequest(ctx context.Context, id uuid.UUID, from, to string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE session_requests SET status = $1, updated_at = now() WHERE id = $2 AND status = $3",
		to, id, from)
	if err != nil {
		return fmt.Errorf("status update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMissedTransition(ctx, id)
	}
	return nil
}

// classifyMissedTransition distinguishes a missing request from one whose
// status guard did not match.
func (s *LedgerStore) classifyMissedTransition(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM session_requests WHERE id = $1)", id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrSessionRequestNotFound
	}
	return ErrInvalidState
}

// RequestWithdrawal reserves a teacher payout: earnings are deducted and the
// requested withdrawal plus its pending transaction recorded before any
// external transfer is initiated. The withdrawal id doubles as the gateway
// idempotency key, so a gateway retry cannot double-pay.
func (s *LedgerStore) RequestWithdrawal(ctx context.Context, teacherID uuid.UUID, amountCents int64) (*domain.WithdrawalRequest, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("withdrawal must be positive, got %d", amountCents)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Lock the teacher row and check withdrawable earnings.
	var earnings int64
	err = tx.QueryRow(ctx,
		"SELECT earnings_cents FROM accounts WHERE id = $1 AND role = $2 FOR UPDATE",
		teacherID, domain.RoleTeacher).Scan(&earnings)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("lock acquisition failed: %w", err)
	}
	if earnings < amountCents {
		return nil, ErrInsufficientEarnings
	}

	// 2. Deduct and record.
	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET earnings_cents = earnings_cents - $1 WHERE id = $2",
		amountCents, teacherID); err != nil {
		return nil, fmt.Errorf("earnings debit failed: %w", err)
	}

	w := domain.WithdrawalRequest{
		ID:          uuid.New(),
		TeacherID:   teacherID,
		AmountCents: amountCents,
		Status:      domain.WithdrawalRequested,
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO withdrawal_requests (id, teacher_id, amount_cents, status)
		 VALUES ($1, $2, $3, $4) RETURNING created_at, updated_at`,
		w.ID, teacherID, amountCents, domain.WithdrawalRequested,
	).Scan(&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("withdrawal insert failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO token_transactions (account_id, type, tokens, amount_cents, status, reference_id)
		 VALUES ($1, $2, 0, $3, $4, $5)`,
		teacherID, domain.TxWithdrawal, amountCents, domain.TxStatusPending, w.ID.String()); err != nil {
		return nil, fmt.Errorf("withdrawal transaction insert failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("tx commit failed: %w", err)
	}
	return &w, nil
}

// AttachTransferID links the processor's transfer id to the withdrawal once
// the external transfer is initiated.
func (s *LedgerStore) AttachTransferID(ctx context.Context, withdrawalID uuid.UUID, transferID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE withdrawal_requests SET transfer_id = $1, updated_at = now() WHERE id = $2",
		transferID, withdrawalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalNotFound
	}
	return nil
}

// MarkWithdrawalCompleted settles a withdrawal when the processor confirms
// the transfer. Valid only from requested; a replayed event is a no-op error.
func (s *LedgerStore) MarkWithdrawalCompleted(ctx context.Context, transferID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE withdrawal_requests SET status = $1, updated_at = now()
		 WHERE transfer_id = $2 AND status = $3
		 RETURNING id`,
		domain.WithdrawalCompleted, transferID, domain.WithdrawalRequested,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM withdrawal_requests WHERE transfer_id = $1)",
				transferID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrWithdrawalNotFound
			}
			return ErrInvalidStateTransition
		}
		return fmt.Errorf("withdrawal update failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE token_transactions SET status = $1
		 WHERE reference_id = $2 AND type = $3 AND status = $4`,
		domain.TxStatusCompleted, id.String(), domain.TxWithdrawal, domain.TxStatusPending); err != nil {
		return fmt.Errorf("withdrawal transaction settle failed: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkWithdrawalFailed unwinds a withdrawal whose external transfer failed:
// the reserved earnings are credited back and the transaction fails.
func (s *LedgerStore) MarkWithdrawalFailed(ctx context.Context, withdrawalID uuid.UUID) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	var teacherID uuid.UUID
	var amountCents int64
	err = tx.QueryRow(ctx,
		`UPDATE withdrawal_requests SET status = $1, updated_at = now()
		 WHERE id = $2 AND status = $3
		 RETURNING teacher_id, amount_cents`,
		domain.WithdrawalFailed, withdrawalID, domain.WithdrawalRequested,
	).Scan(&teacherID, &amountCents)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				"SELECT EXISTS(SELECT 1 FROM withdrawal_requests WHERE id = $1)",
				withdrawalID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrWithdrawalNotFound
			}
			return ErrInvalidStateTransition
		}
		return fmt.Errorf("withdrawal update failed: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE accounts SET earnings_cents = earnings_cents + $1 WHERE id = $2",
		amountCents, teacherID); err != nil {
		return fmt.Errorf("earnings recredit failed: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE token_transactions SET status = $1
		 WHERE reference_id = $2 AND type = $3 AND status = $4`,
		domain.TxStatusFailed, withdrawalID.String(), domain.TxWithdrawal, domain.TxStatusPending); err != nil {
		return fmt.Errorf("withdrawal transaction fail failed: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkTransactionFailed fails a pending transaction by its external
// reference. Valid from pending only.
func (s *LedgerStore) MarkTransactionFailed(ctx context.Context, referenceID string) error {
	tag, err := s.db.Exec(ctx,
		"UPDATE token_transactions SET status = $1 WHERE reference_id = $2 AND status = $3",
		domain.TxStatusFailed, referenceID, domain.TxStatusPending)
	if err != nil {
		return fmt.Errorf("transaction fail failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}

// MarkEventProcessed records a processor event id. A duplicate delivery hits
// the primary key and is absorbed as ErrDuplicateEvent.
func (s *LedgerStore) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.Exec(ctx,
		"INSERT INTO webhook_events (id, type) VALUES ($1, $2)", eventID, eventType)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("event insert failed: %w", err)
	}
	return nil
}
