package domain

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleParent  = "parent"
)

// TokenTransaction types.
const (
	TxPurchase      = "purchase"
	TxSessionCharge = "session_charge"
	TxRefund        = "refund"
	TxWithdrawal    = "withdrawal"
	TxEarn          = "earn"
)

// TokenTransaction statuses. A transaction settles exactly once: it leaves
// pending for completed, failed or refunded and never returns.
const (
	TxStatusPending   = "pending"
	TxStatusCompleted = "completed"
	TxStatusFailed    = "failed"
	TxStatusRefunded  = "refunded"
)

// SessionRequest statuses.
const (
	SessionPending   = "pending"
	SessionAccepted  = "accepted"
	SessionDeclined  = "declined"
	SessionExpired   = "expired"
	SessionCompleted = "completed"
)

// WithdrawalRequest statuses.
const (
	WithdrawalRequested = "requested"
	WithdrawalCompleted = "completed"
	WithdrawalFailed    = "failed"
)

// Account is a platform party (student, teacher or parent). The token balance
// and the teacher earnings ledger are mutated only by the ledger store.
type Account struct {
	ID               uuid.UUID `json:"id"`
	Role             string    `json:"role"`
	Email            string    `json:"email"`
	Name             string    `json:"name"`
	StripeCustomerID string    `json:"stripe_customer_id,omitempty"`
	Balance          int64     `json:"balance"`
	EarningsCents    int64     `json:"earnings_cents"`
	Active           bool      `json:"active"`
	CreatedAt        time.Time `json:"created_at"`
}

// TokenTransaction is the immutable-once-settled record of a balance change.
// Tokens carries the signed token delta; AmountCents the USD equivalent.
type TokenTransaction struct {
	ID          uuid.UUID `json:"id"`
	AccountID   uuid.UUID `json:"account_id"`
	Type        string    `json:"type"`
	Tokens      int64     `json:"tokens"`
	AmountCents int64     `json:"amount_cents"`
	Status      string    `json:"status"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionRequest is a booking proposal from a student to a teacher. Creating
// one places a hold of SessionCostTokens against the student, recorded as the
// session_charge transaction referenced by ChargeID.
type SessionRequest struct {
	ID        uuid.UUID `json:"id"`
	StudentID uuid.UUID `json:"student_id"`
	TeacherID uuid.UUID `json:"teacher_id"`
	ChargeID  uuid.UUID `json:"charge_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WithdrawalRequest is a teacher payout; its status mirrors the external
// transfer lifecycle.
type WithdrawalRequest struct {
	ID          uuid.UUID `json:"id"`
	TeacherID   uuid.UUID `json:"teacher_id"`
	AmountCents int64     `json:"amount_cents"`
	TransferID  string    `json:"transfer_id,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
