package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/somatogether/tokenledger/internal/domain"
	"github.com/somatogether/tokenledger/internal/store"
	stripeapi "github.com/stripe/stripe-go/v82"
)

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ledger_webhook_events_total",
	Help: "Processor webhook events by type and outcome",
}, []string{"type", "outcome"})

// Outcome is the terminal state of one inbound event.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// Verifier checks the payload signature before anything is parsed.
type Verifier interface {
	VerifyWebhookSignature(payload []byte, signatureHeader string) (*stripeapi.Event, error)
}

// Ledger is the slice of the ledger store the router mutates through.
type Ledger interface {
	CreditTokens(ctx context.Context, accountID uuid.UUID, tokens, amountCents int64, referenceID string) error
	MarkTransactionFailed(ctx context.Context, referenceID string) error
	MarkWithdrawalCompleted(ctx context.Context, transferID string) error
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Service is the single trusted entry point for asynchronous processor
// events. Delivery is at-least-once and possibly out of order; the event-id
// guard in the store keeps application at-most-once.
type Service struct {
	verifier Verifier
	ledger   Ledger
	logger   *slog.Logger
}

func NewService(verifier Verifier, ledger Ledger, logger *slog.Logger) *Service {
	return &Service{verifier: verifier, ledger: ledger, logger: logger}
}

// Process runs one raw delivery through verify, dedup and dispatch. A non-nil
// error means the signature failed and the delivery must be rejected; every
// other path acknowledges, including handler failures, which are logged for
// manual reconciliation rather than retried (blind retries on payment
// mutations are unsafe).
func (s *Service) Process(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	event, err := s.verifier.VerifyWebhookSignature(payload, signatureHeader)
	if err != nil {
		eventsTotal.WithLabelValues("unverified", string(OutcomeFailed)).Inc()
		return OutcomeFailed, err
	}

	handler := s.handlerFor(event.Type)
	if handler == nil {
		// Unknown types are acknowledged untouched; the processor adds event
		// types over time.
		s.logger.Debug("ignoring unhandled event type", "type", event.Type, "event_id", event.ID)
		eventsTotal.WithLabelValues(string(event.Type), string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	if err := s.ledger.MarkEventProcessed(ctx, event.ID, string(event.Type)); err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			s.logger.Debug("event already processed", "event_id", event.ID)
			eventsTotal.WithLabelValues(string(event.Type), string(OutcomeDuplicate)).Inc()
			return OutcomeDuplicate, nil
		}
		s.logger.Error("event dedup record failed", "event_id", event.ID, "error", err)
		eventsTotal.WithLabelValues(string(event.Type), string(OutcomeFailed)).Inc()
		return OutcomeFailed, nil
	}

	if err := handler(ctx, event); err != nil {
		s.logger.Error("webhook handler failed, acknowledged for reconciliation",
			"type", event.Type, "event_id", event.ID, "error", err)
		eventsTotal.WithLabelValues(string(event.Type), string(OutcomeFailed)).Inc()
		return OutcomeFailed, nil
	}

	eventsTotal.WithLabelValues(string(event.Type), string(OutcomeApplied)).Inc()
	return OutcomeApplied, nil
}

func (s *Service) handlerFor(eventType stripeapi.EventType) func(context.Context, *stripeapi.Event) error {
	switch eventType {
	case stripeapi.EventTypePaymentIntentSucceeded:
		return s.handlePaymentSucceeded
	case stripeapi.EventTypePaymentIntentPaymentFailed:
		return s.handlePaymentFailed
	case stripeapi.EventTypeTransferCreated:
		return s.handleTransferCreated
	default:
		return nil
	}
}

// handlePaymentSucceeded credits the purchased tokens. The token count comes
// from the paid amount through the package table, never from caller-supplied
// metadata.
func (s *Service) handlePaymentSucceeded(ctx context.Context, event *stripeapi.Event) error {
	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to parse payment intent from event: %w", err)
	}

	accountID, err := uuid.Parse(intent.Metadata["account_id"])
	if err != nil {
		return fmt.Errorf("payment intent %s missing account_id metadata: %w", intent.ID, err)
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	tokens := domain.TokensForAmountCents(amount)

	err = s.ledger.CreditTokens(ctx, accountID, tokens, amount, intent.ID)
	if errors.Is(err, store.ErrDuplicateEvent) {
		// Same payment delivered under a second event id.
		s.logger.Debug("purchase already settled", "payment_intent", intent.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("credit for payment intent %s failed: %w", intent.ID, err)
	}

	s.logger.Info("purchase credited",
		"account_id", accountID, "tokens", tokens, "payment_intent", intent.ID)
	return nil
}

func (s *Service) handlePaymentFailed(ctx context.Context, event *stripeapi.Event) error {
	var intent stripeapi.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return fmt.Errorf("failed to parse payment intent from event: %w", err)
	}

	if err := s.ledger.MarkTransactionFailed(ctx, intent.ID); err != nil {
		return fmt.Errorf("failing transaction for payment intent %s: %w", intent.ID, err)
	}
	s.logger.Info("purchase marked failed", "payment_intent", intent.ID)
	return nil
}

// handleTransferCreated settles the teacher withdrawal that initiated the
// transfer. A transfer with no local withdrawal row (delivery outran the
// local write) is surfaced for reconciliation, never crashed on.
func (s *Service) handleTransferCreated(ctx context.Context, event *stripeapi.Event) error {
	var transfer stripeapi.Transfer
	if err := json.Unmarshal(event.Data.Raw, &transfer); err != nil {
		return fmt.Errorf("failed to parse transfer from event: %w", err)
	}

	if err := s.ledger.MarkWithdrawalCompleted(ctx, transfer.ID); err != nil {
		return fmt.Errorf("completing withdrawal for transfer %s: %w", transfer.ID, err)
	}
	s.logger.Info("withdrawal completed", "transfer", transfer.ID)
	return nil
}
