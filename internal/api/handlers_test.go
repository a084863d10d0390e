package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/somatogether/tokenledger/internal/analytics"
	"github.com/somatogether/tokenledger/internal/domain"
	"github.com/somatogether/tokenledger/internal/gateway"
	"github.com/somatogether/tokenledger/internal/store"
	"github.com/somatogether/tokenledger/internal/webhook"
)

type ledgerStub struct {
	accounts map[uuid.UUID]*domain.Account

	pendingPurchases   []string
	withdrawalFailedID uuid.UUID
	attachedTransferID string

	debitErr      error
	transitionErr error
	withdrawalErr error
}

func newLedgerStub() *ledgerStub {
	return &ledgerStub{accounts: make(map[uuid.UUID]*domain.Account)}
}

func (l *ledgerStub) CreateAccount(_ context.Context, role, email, name string) (*domain.Account, error) {
	a := &domain.Account{ID: uuid.New(), Role: role, Email: email, Name: name}
	l.accounts[a.ID] = a
	return a, nil
}

func (l *ledgerStub) GetAccount(_ context.Context, id uuid.UUID) (*domain.Account, error) {
	a, ok := l.accounts[id]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return a, nil
}

func (l *ledgerStub) SetStripeCustomerID(_ context.Context, accountID uuid.UUID, customerID string) error {
	a, ok := l.accounts[accountID]
	if !ok {
		return store.ErrAccountNotFound
	}
	a.StripeCustomerID = customerID
	return nil
}

func (l *ledgerStub) ListTransactions(context.Context, uuid.UUID, int) ([]domain.TokenTransaction, error) {
	return nil, nil
}

func (l *ledgerStub) RecordPendingPurchase(_ context.Context, _ uuid.UUID, _, _ int64, referenceID string) error {
	l.pendingPurchases = append(l.pendingPurchases, referenceID)
	return nil
}

func (l *ledgerStub) DebitForSessionRequest(_ context.Context, studentID, teacherID uuid.UUID) (*domain.SessionRequest, error) {
	if l.debitErr != nil {
		return nil, l.debitErr
	}
	return &domain.SessionRequest{
		ID:        uuid.New(),
		StudentID: studentID,
		TeacherID: teacherID,
		Status:    domain.SessionPending,
	}, nil
}

func (l *ledgerStub) AcceptSessionRequest(context.Context, uuid.UUID) error  { return l.transitionErr }
func (l *ledgerStub) DeclineSessionRequest(context.Context, uuid.UUID) error { return l.transitionErr }
func (l *ledgerStub) SettleSessionCompletion(context.Context, uuid.UUID) error {
	return l.transitionErr
}

func (l *ledgerStub) GetSessionRequest(_ context.Context, id uuid.UUID) (*domain.SessionRequest, error) {
	return &domain.SessionRequest{ID: id, Status: domain.SessionAccepted}, nil
}

func (l *ledgerStub) RefundSessionHold(context.Context, uuid.UUID) error { return l.transitionErr }

func (l *ledgerStub) GetWithdrawal(_ context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error) {
	return &domain.WithdrawalRequest{ID: id, Status: domain.WithdrawalCompleted}, nil
}

func (l *ledgerStub) RequestWithdrawal(_ context.Context, teacherID uuid.UUID, amountCents int64) (*domain.WithdrawalRequest, error) {
	if l.withdrawalErr != nil {
		return nil, l.withdrawalErr
	}
	return &domain.WithdrawalRequest{
		ID:          uuid.New(),
		TeacherID:   teacherID,
		AmountCents: amountCents,
		Status:      domain.WithdrawalRequested,
	}, nil
}

func (l *ledgerStub) AttachTransferID(_ context.Context, _ uuid.UUID, transferID string) error {
	l.attachedTransferID = transferID
	return nil
}

func (l *ledgerStub) MarkWithdrawalFailed(_ context.Context, withdrawalID uuid.UUID) error {
	l.withdrawalFailedID = withdrawalID
	return nil
}

type gatewayStub struct {
	intentErr   error
	transferErr error

	idempotencyKeys []string
}

func (g *gatewayStub) CreatePaymentIntent(_ context.Context, amountCents int64, _ string, _ map[string]string) (*gateway.PaymentIntent, error) {
	if g.intentErr != nil {
		return nil, g.intentErr
	}
	return &gateway.PaymentIntent{
		ID:           fmt.Sprintf("pi_%d", amountCents),
		ClientSecret: "secret_test",
	}, nil
}

func (g *gatewayStub) CreateCustomer(context.Context, string, string, string) (string, error) {
	return "cus_new", nil
}

func (g *gatewayStub) ListPaymentMethods(context.Context, string) ([]gateway.PaymentMethod, error) {
	return nil, nil
}

func (g *gatewayStub) InitiateWithdrawal(_ context.Context, _ int64, _, requestID string) (string, error) {
	g.idempotencyKeys = append(g.idempotencyKeys, requestID)
	if g.transferErr != nil {
		return "", g.transferErr
	}
	return "tr_test", nil
}

type processorStub struct {
	outcome webhook.Outcome
	err     error
}

func (p *processorStub) Process(context.Context, []byte, string) (webhook.Outcome, error) {
	return p.outcome, p.err
}

type analyticsStub struct {
	teacherErr error
}

func (a *analyticsStub) Platform(context.Context) (*analytics.PlatformSummary, error) {
	return &analytics.PlatformSummary{TokensSold: 550, GrossRevenueCents: 5000}, nil
}

func (a *analyticsStub) Teacher(_ context.Context, teacherID uuid.UUID) (*analytics.TeacherSummary, error) {
	if a.teacherErr != nil {
		return nil, a.teacherErr
	}
	return &analytics.TeacherSummary{TeacherID: teacherID, SessionsCompleted: 3, EarnedCents: 60}, nil
}

type fixture struct {
	ledger    *ledgerStub
	gateway   *gatewayStub
	processor *processorStub
	router    http.Handler
}

func newFixture() *fixture {
	f := &fixture{
		ledger:    newLedgerStub(),
		gateway:   &gatewayStub{},
		processor: &processorStub{outcome: webhook.OutcomeApplied},
	}
	h := NewHandler(f.ledger, f.gateway, f.processor, &analyticsStub{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.router = NewRouter(h)
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestCreatePaymentIntentRecordsPendingPurchase(t *testing.T) {
	f := newFixture()
	account, _ := f.ledger.CreateAccount(context.Background(), domain.RoleStudent, "s@example.com", "Student")

	rec := f.do(t, http.MethodPost, "/api/create-payment-intent", map[string]any{
		"account_id": account.ID,
		"amount":     5000,
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["clientSecret"] != "secret_test" {
		t.Errorf("clientSecret = %v", body["clientSecret"])
	}
	if len(f.ledger.pendingPurchases) != 1 || f.ledger.pendingPurchases[0] != "pi_5000" {
		t.Errorf("pending purchases = %v, want [pi_5000]", f.ledger.pendingPurchases)
	}
}

func TestCreatePaymentIntentRejectsNonPositiveAmount(t *testing.T) {
	f := newFixture()
	account, _ := f.ledger.CreateAccount(context.Background(), domain.RoleStudent, "s@example.com", "Student")

	for _, amount := range []int64{0, -500} {
		rec := f.do(t, http.MethodPost, "/api/create-payment-intent", map[string]any{
			"account_id": account.ID,
			"amount":     amount,
		})
		if rec.Code != http.StatusUnprocessableEntity {
			t.Errorf("amount %d: status = %d, want 422", amount, rec.Code)
		}
	}
	if len(f.ledger.pendingPurchases) != 0 {
		t.Errorf("pending purchases = %v, want none", f.ledger.pendingPurchases)
	}
}

func TestCreatePaymentIntentUnknownAccount(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/create-payment-intent", map[string]any{
		"account_id": uuid.New(),
		"amount":     2500,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCreateCustomerIsIdempotent(t *testing.T) {
	f := newFixture()
	account, _ := f.ledger.CreateAccount(context.Background(), domain.RoleStudent, "s@example.com", "Student")
	account.StripeCustomerID = "cus_existing"

	rec := f.do(t, http.MethodPost, "/api/create-customer", map[string]any{"account_id": account.ID})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["customerId"] != "cus_existing" {
		t.Errorf("customerId = %v, want cus_existing", body["customerId"])
	}
}

func TestCreateCustomerStoresNewID(t *testing.T) {
	f := newFixture()
	account, _ := f.ledger.CreateAccount(context.Background(), domain.RoleStudent, "s@example.com", "Student")

	rec := f.do(t, http.MethodPost, "/api/create-customer", map[string]any{"account_id": account.ID})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if account.StripeCustomerID != "cus_new" {
		t.Errorf("stored customer id = %q, want cus_new", account.StripeCustomerID)
	}
}

func TestCreateSessionRequestInsufficientBalance(t *testing.T) {
	f := newFixture()
	f.ledger.debitErr = store.ErrInsufficientBalance

	rec := f.do(t, http.MethodPost, "/api/session-requests", map[string]any{
		"student_id": uuid.New(),
		"teacher_id": uuid.New(),
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "insufficient_balance" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestCreateSessionRequestSelfBooking(t *testing.T) {
	f := newFixture()
	id := uuid.New()
	rec := f.do(t, http.MethodPost, "/api/session-requests", map[string]any{
		"student_id": id,
		"teacher_id": id,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
}

func TestSessionTransitionConflict(t *testing.T) {
	f := newFixture()
	f.ledger.transitionErr = store.ErrInvalidState

	rec := f.do(t, http.MethodPost, "/api/session-requests/"+uuid.NewString()+"/accept", nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if body := decodeBody(t, rec); body["code"] != "invalid_state" {
		t.Errorf("code = %v", body["code"])
	}
}

func TestRefundSessionHoldRequiresTerminalState(t *testing.T) {
	f := newFixture()
	f.ledger.transitionErr = store.ErrInvalidState

	rec := f.do(t, http.MethodPost, "/api/session-requests/"+uuid.NewString()+"/refund", nil)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestGetWithdrawal(t *testing.T) {
	f := newFixture()
	id := uuid.New()

	rec := f.do(t, http.MethodGet, "/api/withdrawals/"+id.String(), nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body := decodeBody(t, rec); body["status"] != domain.WithdrawalCompleted {
		t.Errorf("status = %v", body["status"])
	}
}

func TestProcessWithdrawalHappyPath(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/process-withdrawal", map[string]any{
		"teacher_id":   uuid.New(),
		"amount":       500,
		"bank_account": "ba_123",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true || body["transferId"] != "tr_test" {
		t.Errorf("body = %v", body)
	}
	if f.ledger.attachedTransferID != "tr_test" {
		t.Errorf("attached transfer id = %q", f.ledger.attachedTransferID)
	}
	if len(f.gateway.idempotencyKeys) != 1 {
		t.Fatalf("idempotency keys = %v", f.gateway.idempotencyKeys)
	}
	if _, err := uuid.Parse(f.gateway.idempotencyKeys[0]); err != nil {
		t.Errorf("idempotency key %q is not the withdrawal id", f.gateway.idempotencyKeys[0])
	}
}

func TestProcessWithdrawalGatewayFailureUnwindsReservation(t *testing.T) {
	f := newFixture()
	f.gateway.transferErr = &gateway.GatewayError{Code: "balance_insufficient", Message: "no funds"}

	rec := f.do(t, http.MethodPost, "/api/process-withdrawal", map[string]any{
		"teacher_id":   uuid.New(),
		"amount":       500,
		"bank_account": "ba_123",
	})

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["success"] != false || body["error"] != "balance_insufficient" {
		t.Errorf("body = %v", body)
	}
	if f.ledger.withdrawalFailedID == uuid.Nil {
		t.Error("withdrawal reservation was not unwound")
	}
}

func TestProcessWithdrawalInsufficientEarnings(t *testing.T) {
	f := newFixture()
	f.ledger.withdrawalErr = store.ErrInsufficientEarnings

	rec := f.do(t, http.MethodPost, "/api/process-withdrawal", map[string]any{
		"teacher_id":   uuid.New(),
		"amount":       100000,
		"bank_account": "ba_123",
	})

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	if len(f.gateway.idempotencyKeys) != 0 {
		t.Error("gateway was called despite failed reservation")
	}
}

func TestStripeWebhookSignatureFailure(t *testing.T) {
	f := newFixture()
	f.processor.outcome = webhook.OutcomeFailed
	f.processor.err = errors.New("signature verification failed")

	rec := f.do(t, http.MethodPost, "/api/stripe-webhook", map[string]any{"id": "evt_1"})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("Webhook Error:")) {
		t.Errorf("body = %q, want Webhook Error prefix", rec.Body.String())
	}
}

func TestStripeWebhookAcknowledged(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/stripe-webhook", map[string]any{"id": "evt_1"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["received"] != true {
		t.Errorf("body = %v", body)
	}
}

func TestCreateAccountValidatesRole(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/accounts", map[string]any{
		"role": "admin", "email": "a@example.com", "name": "A",
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/accounts", map[string]any{
		"role": domain.RoleTeacher, "email": "t@example.com", "name": "T",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
}

func TestTeacherAnalyticsNotFound(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.ledger, f.gateway, f.processor, &analyticsStub{teacherErr: analytics.ErrTeacherNotFound}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	router := NewRouter(h)

	req := httptest.NewRequest(http.MethodGet, "/api/analytics/teachers/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestPlatformAnalytics(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/analytics/platform", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["tokens_sold"] != float64(550) {
		t.Errorf("tokens_sold = %v", body["tokens_sold"])
	}
}
