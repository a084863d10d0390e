package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/somatogether/tokenledger/internal/analytics"
	"github.com/somatogether/tokenledger/internal/domain"
	"github.com/somatogether/tokenledger/internal/gateway"
	"github.com/somatogether/tokenledger/internal/store"
	"github.com/somatogether/tokenledger/internal/webhook"
)

// Maximum webhook payload we are willing to buffer.
const maxWebhookBody = 65536

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Gateway is the payment processor surface the handlers call.
type Gateway interface {
	CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error)
	CreateCustomer(ctx context.Context, email, name, accountID string) (string, error)
	ListPaymentMethods(ctx context.Context, customerID string) ([]gateway.PaymentMethod, error)
	InitiateWithdrawal(ctx context.Context, amountCents int64, destination, requestID string) (string, error)
}

// Ledger is the slice of the ledger store the handlers use.
type Ledger interface {
	CreateAccount(ctx context.Context, role, email, name string) (*domain.Account, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)
	SetStripeCustomerID(ctx context.Context, accountID uuid.UUID, customerID string) error
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.TokenTransaction, error)
	RecordPendingPurchase(ctx context.Context, accountID uuid.UUID, tokens, amountCents int64, referenceID string) error
	DebitForSessionRequest(ctx context.Context, studentID, teacherID uuid.UUID) (*domain.SessionRequest, error)
	AcceptSessionRequest(ctx context.Context, id uuid.UUID) error
	DeclineSessionRequest(ctx context.Context, id uuid.UUID) error
	SettleSessionCompletion(ctx context.Context, id uuid.UUID) error
	GetSessionRequest(ctx context.Context, id uuid.UUID) (*domain.SessionRequest, error)
	RefundSessionHold(ctx context.Context, id uuid.UUID) error
	RequestWithdrawal(ctx context.Context, teacherID uuid.UUID, amountCents int64) (*domain.WithdrawalRequest, error)
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*domain.WithdrawalRequest, error)
	AttachTransferID(ctx context.Context, withdrawalID uuid.UUID, transferID string) error
	MarkWithdrawalFailed(ctx context.Context, withdrawalID uuid.UUID) error
}

// WebhookProcessor runs one raw processor delivery through the event router.
type WebhookProcessor interface {
	Process(ctx context.Context, payload []byte, signatureHeader string) (webhook.Outcome, error)
}

// Analytics serves the read-only dashboard rollups.
type Analytics interface {
	Platform(ctx context.Context) (*analytics.PlatformSummary, error)
	Teacher(ctx context.Context, teacherID uuid.UUID) (*analytics.TeacherSummary, error)
}

type Handler struct {
	ledger    Ledger
	gateway   Gateway
	processor WebhookProcessor
	analytics Analytics
	logger    *slog.Logger
}

func NewHandler(ledger Ledger, gw Gateway, processor WebhookProcessor, analytics Analytics, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, gateway: gw, processor: processor, analytics: analytics, logger: logger}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"}, "GET", "/health")
}

// CreatePaymentIntent starts a token purchase: creates the charge intent at
// the processor and records the pending purchase transaction locally.
// Settlement happens when the webhook arrives.
func (h *Handler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/create-payment-intent"))
	defer timer.ObserveDuration()

	var req struct {
		AccountID uuid.UUID `json:"account_id"`
		Amount    int64     `json:"amount"`
		Currency  string    `json:"currency"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", "POST", "/create-payment-intent")
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_amount", "Amount must be positive", "POST", "/create-payment-intent")
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}

	if _, err := h.ledger.GetAccount(r.Context(), req.AccountID); err != nil {
		h.respondStoreError(w, err, "POST", "/create-payment-intent")
		return
	}

	intent, err := h.gateway.CreatePaymentIntent(r.Context(), req.Amount, req.Currency,
		map[string]string{"account_id": req.AccountID.String()})
	if err != nil {
		h.respondGatewayError(w, err, "POST", "/create-payment-intent")
		return
	}

	tokens := domain.TokensForAmountCents(req.Amount)
	if err := h.ledger.RecordPendingPurchase(r.Context(), req.AccountID, tokens, req.Amount, intent.ID); err != nil &&
		!errors.Is(err, store.ErrDuplicateEvent) {
		h.logger.Error("failed to record pending purchase", "payment_intent", intent.ID, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal", "Internal Server Error", "POST", "/create-payment-intent")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"clientSecret":    intent.ClientSecret,
		"paymentIntentId": intent.ID,
	}, "POST", "/create-payment-intent")
}

// CreateCustomer registers the account with the processor. Idempotent per
// account: an existing customer id is returned as is.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID uuid.UUID `json:"account_id"`
		Email     string    `json:"email"`
		Name      string    `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", "POST", "/create-customer")
		return
	}

	account, err := h.ledger.GetAccount(r.Context(), req.AccountID)
	if err != nil {
		h.respondStoreError(w, err, "POST", "/create-customer")
		return
	}
	if account.StripeCustomerID != "" {
		h.respondJSON(w, http.StatusOK, map[string]string{"customerId": account.StripeCustomerID}, "POST", "/create-customer")
		return
	}

	email, name := req.Email, req.Name
	if email == "" {
		email = account.Email
	}
	if name == "" {
		name = account.Name
	}

	customerID, err := h.gateway.CreateCustomer(r.Context(), email, name, req.AccountID.String())
	if err != nil {
		h.respondGatewayError(w, err, "POST", "/create-customer")
		return
	}
	if err := h.ledger.SetStripeCustomerID(r.Context(), req.AccountID, customerID); err != nil {
		h.respondStoreError(w, err, "POST", "/create-customer")
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"customerId": customerID}, "POST", "/create-customer")
}

func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	customerID := r.URL.Query().Get("customer_id")
	if customerID == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Missing customer_id", "GET", "/payment-methods")
		return
	}

	methods, err := h.gateway.ListPaymentMethods(r.Context(), customerID)
	if err != nil {
		h.respondGatewayError(w, err, "GET", "/payment-methods")
		return
	}
	if methods == nil {
		methods = []gateway.PaymentMethod{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"paymentMethods": methods}, "GET", "/payment-methods")
}

// ProcessWithdrawal reserves the payout locally, then initiates the external
// transfer. A gateway failure unwinds the reservation and re-credits the
// teacher's earnings.
func (h *Handler) ProcessWithdrawal(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/process-withdrawal"))
	defer timer.ObserveDuration()

	var req struct {
		TeacherID   uuid.UUID `json:"teacher_id"`
		Amount      int64     `json:"amount"`
		BankAccount string    `json:"bank_account"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", "POST", "/process-withdrawal")
		return
	}
	if req.Amount <= 0 {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_amount", "Amount must be positive", "POST", "/process-withdrawal")
		return
	}
	if req.BankAccount == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_request", "Missing bank_account", "POST", "/process-withdrawal")
		return
	}

	withdrawal, err := h.ledger.RequestWithdrawal(r.Context(), req.TeacherID, req.Amount)
	if err != nil {
		h.respondStoreError(w, err, "POST", "/process-withdrawal")
		return
	}

	// The withdrawal id is the gateway idempotency key; a retry after a
	// network error cannot create a second transfer.
	transferID, err := h.gateway.InitiateWithdrawal(r.Context(), req.Amount, req.BankAccount, withdrawal.ID.String())
	if err != nil {
		if failErr := h.ledger.MarkWithdrawalFailed(r.Context(), withdrawal.ID); failErr != nil {
			h.logger.Error("failed to unwind withdrawal after gateway error",
				"withdrawal_id", withdrawal.ID, "error", failErr)
		}
		h.logger.Error("withdrawal transfer failed", "withdrawal_id", withdrawal.ID, "error", err)
		h.respondJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"error":   gatewayErrorCode(err),
		}, "POST", "/process-withdrawal")
		return
	}

	if err := h.ledger.AttachTransferID(r.Context(), withdrawal.ID, transferID); err != nil {
		h.logger.Error("failed to attach transfer id", "withdrawal_id", withdrawal.ID, "transfer", transferID, "error", err)
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"transferId": transferID,
	}, "POST", "/process-withdrawal")
}

// StripeWebhook receives asynchronous processor events. Only a signature
// failure is rejected; everything else is acknowledged so the processor
// stops redelivering.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/stripe-webhook"))
	defer timer.ObserveDuration()

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "read_error", "Stream read error", "POST", "/stripe-webhook")
		return
	}

	outcome, err := h.processor.Process(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		httpReqTotal.WithLabelValues("POST", "/stripe-webhook", "400").Inc()
		http.Error(w, "Webhook Error: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome}, "POST", "/stripe-webhook")
}

func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role  string `json:"role"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", "POST", "/accounts")
		return
	}
	if req.Role != domain.RoleStudent && req.Role != domain.RoleTeacher && req.Role != domain.RoleParent {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_role", "Role must be student, teacher or parent", "POST", "/accounts")
		return
	}
	if req.Email == "" || req.Name == "" {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_request", "Email and name are required", "POST", "/accounts")
		return
	}

	account, err := h.ledger.CreateAccount(r.Context(), req.Role, req.Email, req.Name)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal", "System error creating account", "POST", "/accounts")
		return
	}
	h.respondJSON(w, http.StatusCreated, account, "POST", "/accounts")
}

func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/accounts/{id}")
	if !ok {
		return
	}
	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "GET", "/accounts/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, account, "GET", "/accounts/{id}")
}

func (h *Handler) ListAccountTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/accounts/{id}/transactions")
	if !ok {
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	txs, err := h.ledger.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.respondStoreError(w, err, "GET", "/accounts/{id}/transactions")
		return
	}
	if txs == nil {
		txs = []domain.TokenTransaction{}
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"transactions": txs}, "GET", "/accounts/{id}/transactions")
}

// CreateSessionRequest books a session: the 10-token hold is placed and the
// request created in one atomic ledger operation, so an underfunded student
// never leaves a request behind.
func (h *Handler) CreateSessionRequest(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpLatency.WithLabelValues("POST", "/session-requests"))
	defer timer.ObserveDuration()

	var req struct {
		StudentID uuid.UUID `json:"student_id"`
		TeacherID uuid.UUID `json:"teacher_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON", "POST", "/session-requests")
		return
	}
	if req.StudentID == req.TeacherID {
		h.respondError(w, http.StatusUnprocessableEntity, "invalid_request", "Student and teacher must differ", "POST", "/session-requests")
		return
	}

	sr, err := h.ledger.DebitForSessionRequest(r.Context(), req.StudentID, req.TeacherID)
	if err != nil {
		h.respondStoreError(w, err, "POST", "/session-requests")
		return
	}
	h.respondJSON(w, http.StatusCreated, sr, "POST", "/session-requests")
}

func (h *Handler) GetSessionRequest(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/session-requests/{id}")
	if !ok {
		return
	}
	sr, err := h.ledger.GetSessionRequest(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "GET", "/session-requests/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, sr, "GET", "/session-requests/{id}")
}

func (h *Handler) AcceptSessionRequest(w http.ResponseWriter, r *http.Request) {
	h.transitionSessionRequest(w, r, "/session-requests/{id}/accept", h.ledger.AcceptSessionRequest)
}

func (h *Handler) DeclineSessionRequest(w http.ResponseWriter, r *http.Request) {
	h.transitionSessionRequest(w, r, "/session-requests/{id}/decline", h.ledger.DeclineSessionRequest)
}

func (h *Handler) CompleteSessionRequest(w http.ResponseWriter, r *http.Request) {
	h.transitionSessionRequest(w, r, "/session-requests/{id}/complete", h.ledger.SettleSessionCompletion)
}

func (h *Handler) transitionSessionRequest(w http.ResponseWriter, r *http.Request, endpoint string, op func(context.Context, uuid.UUID) error) {
	id, ok := h.pathID(w, r, "POST", endpoint)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "POST", endpoint)
		return
	}
	sr, err := h.ledger.GetSessionRequest(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "POST", endpoint)
		return
	}
	h.respondJSON(w, http.StatusOK, sr, "POST", endpoint)
}

// RefundSessionHold releases a hold left pending on an already declined or
// expired request, for support-driven reconciliation.
func (h *Handler) RefundSessionHold(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "POST", "/session-requests/{id}/refund")
	if !ok {
		return
	}
	if err := h.ledger.RefundSessionHold(r.Context(), id); err != nil {
		h.respondStoreError(w, err, "POST", "/session-requests/{id}/refund")
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"refunded": true}, "POST", "/session-requests/{id}/refund")
}

func (h *Handler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/withdrawals/{id}")
	if !ok {
		return
	}
	withdrawal, err := h.ledger.GetWithdrawal(r.Context(), id)
	if err != nil {
		h.respondStoreError(w, err, "GET", "/withdrawals/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, withdrawal, "GET", "/withdrawals/{id}")
}

func (h *Handler) PlatformAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := h.analytics.Platform(r.Context())
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "internal", "Internal Server Error", "GET", "/analytics/platform")
		return
	}
	h.respondJSON(w, http.StatusOK, summary, "GET", "/analytics/platform")
}

func (h *Handler) TeacherAnalytics(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "GET", "/analytics/teachers/{id}")
	if !ok {
		return
	}
	summary, err := h.analytics.Teacher(r.Context(), id)
	if err != nil {
		if errors.Is(err, analytics.ErrTeacherNotFound) {
			h.respondError(w, http.StatusNotFound, "not_found", "Teacher not found", "GET", "/analytics/teachers/{id}")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "internal", "Internal Server Error", "GET", "/analytics/teachers/{id}")
		return
	}
	h.respondJSON(w, http.StatusOK, summary, "GET", "/analytics/teachers/{id}")
}

// Helpers

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, method, endpoint string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "Invalid id", method, endpoint)
		return uuid.Nil, false
	}
	return id, true
}

// respondStoreError maps ledger sentinels onto stable HTTP error codes.
func (h *Handler) respondStoreError(w http.ResponseWriter, err error, method, endpoint string) {
	switch {
	case errors.Is(err, store.ErrAccountNotFound),
		errors.Is(err, store.ErrSessionRequestNotFound),
		errors.Is(err, store.ErrWithdrawalNotFound):
		h.respondError(w, http.StatusNotFound, "not_found", "Not Found", method, endpoint)
	case errors.Is(err, store.ErrInsufficientBalance):
		h.respondError(w, http.StatusUnprocessableEntity, "insufficient_balance", "Insufficient token balance", method, endpoint)
	case errors.Is(err, store.ErrInsufficientEarnings):
		h.respondError(w, http.StatusUnprocessableEntity, "insufficient_earnings", "Insufficient withdrawable earnings", method, endpoint)
	case errors.Is(err, store.ErrInvalidState), errors.Is(err, store.ErrInvalidStateTransition):
		h.respondError(w, http.StatusConflict, "invalid_state", "Operation not valid in current state", method, endpoint)
	default:
		h.logger.Error("store operation failed", "endpoint", endpoint, "error", err)
		h.respondError(w, http.StatusInternalServerError, "internal", "Internal Server Error", method, endpoint)
	}
}

func (h *Handler) respondGatewayError(w http.ResponseWriter, err error, method, endpoint string) {
	h.logger.Error("gateway call failed", "endpoint", endpoint, "error", err)
	h.respondError(w, http.StatusInternalServerError, gatewayErrorCode(err), "Payment processor error", method, endpoint)
}

func gatewayErrorCode(err error) string {
	var gwErr *gateway.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Code
	}
	return "gateway_error"
}

func (h *Handler) respondJSON(w http.ResponseWriter, code int, payload any, method, endpoint string) {
	httpReqTotal.WithLabelValues(method, endpoint, strconv.Itoa(code)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload) //nolint:errcheck
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, msg, method, endpoint string) {
	h.respondJSON(w, status, map[string]string{"error": msg, "code": code}, method, endpoint)
}
