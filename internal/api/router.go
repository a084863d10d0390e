package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every endpoint onto a gorilla mux router.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	// Payment gateway surface
	api.HandleFunc("/create-payment-intent", h.CreatePaymentIntent).Methods(http.MethodPost)
	api.HandleFunc("/create-customer", h.CreateCustomer).Methods(http.MethodPost)
	api.HandleFunc("/payment-methods", h.ListPaymentMethods).Methods(http.MethodGet)
	api.HandleFunc("/process-withdrawal", h.ProcessWithdrawal).Methods(http.MethodPost)
	api.HandleFunc("/stripe-webhook", h.StripeWebhook).Methods(http.MethodPost)

	// Accounts and ledger
	api.HandleFunc("/accounts", h.CreateAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", h.GetAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}/transactions", h.ListAccountTransactions).Methods(http.MethodGet)

	// Session request lifecycle
	api.HandleFunc("/session-requests", h.CreateSessionRequest).Methods(http.MethodPost)
	api.HandleFunc("/session-requests/{id}", h.GetSessionRequest).Methods(http.MethodGet)
	api.HandleFunc("/session-requests/{id}/accept", h.AcceptSessionRequest).Methods(http.MethodPost)
	api.HandleFunc("/session-requests/{id}/decline", h.DeclineSessionRequest).Methods(http.MethodPost)
	api.HandleFunc("/session-requests/{id}/complete", h.CompleteSessionRequest).Methods(http.MethodPost)
	api.HandleFunc("/session-requests/{id}/refund", h.RefundSessionHold).Methods(http.MethodPost)

	// Withdrawals
	api.HandleFunc("/withdrawals/{id}", h.GetWithdrawal).Methods(http.MethodGet)

	// Analytics
	api.HandleFunc("/analytics/platform", h.PlatformAnalytics).Methods(http.MethodGet)
	api.HandleFunc("/analytics/teachers/{id}", h.TeacherAnalytics).Methods(http.MethodGet)

	return r
}
