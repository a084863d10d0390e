package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"testing"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
)

const testWebhookSecret = "whsec_test_secret"

// signPayload produces a signature header the way the processor does:
// v1 = HMAC-SHA256(secret, "<timestamp>.<payload>").
func signPayload(t *testing.T, payload []byte, secret string, at time.Time) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(fmt.Appendf(nil, "%d.%s", at.Unix(), payload))
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyWebhookSignature(t *testing.T) {
	client := New(Config{APIKey: "sk_test", WebhookSecret: testWebhookSecret})
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)

	t.Run("valid signature decodes the event", func(t *testing.T) {
		header := signPayload(t, payload, testWebhookSecret, time.Now())
		event, err := client.VerifyWebhookSignature(payload, header)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if event.ID != "evt_1" {
			t.Fatalf("expected event id evt_1, got %s", event.ID)
		}
		if event.Type != stripeapi.EventTypePaymentIntentSucceeded {
			t.Fatalf("expected type payment_intent.succeeded, got %s", event.Type)
		}
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		header := signPayload(t, payload, "whsec_other", time.Now())
		if _, err := client.VerifyWebhookSignature(payload, header); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("tampered body is rejected", func(t *testing.T) {
		header := signPayload(t, payload, testWebhookSecret, time.Now())
		tampered := []byte(`{"id":"evt_2","type":"payment_intent.succeeded"}`)
		if _, err := client.VerifyWebhookSignature(tampered, header); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})

	t.Run("stale timestamp is rejected", func(t *testing.T) {
		header := signPayload(t, payload, testWebhookSecret, time.Now().Add(-time.Hour))
		if _, err := client.VerifyWebhookSignature(payload, header); !errors.Is(err, ErrSignatureInvalid) {
			t.Fatalf("expected ErrSignatureInvalid, got %v", err)
		}
	})
}

func TestWrapStripeErr(t *testing.T) {
	t.Run("preserves processor error code", func(t *testing.T) {
		src := &stripeapi.Error{Code: stripeapi.ErrorCodeCardDeclined}
		gwErr := wrapStripeErr("charge failed", src)
		if gwErr.Code != string(stripeapi.ErrorCodeCardDeclined) {
			t.Fatalf("expected card_declined code, got %s", gwErr.Code)
		}
		if !errors.Is(gwErr, src) {
			t.Fatalf("expected wrapped error to unwrap to the stripe error")
		}
	})

	t.Run("falls back to generic code", func(t *testing.T) {
		gwErr := wrapStripeErr("network down", errors.New("dial tcp: timeout"))
		if gwErr.Code != "api_call_failed" {
			t.Fatalf("expected api_call_failed, got %s", gwErr.Code)
		}
	})
}

func TestCreatePaymentIntentRejectsNonPositiveAmount(t *testing.T) {
	client := New(Config{APIKey: "sk_test", WebhookSecret: testWebhookSecret})
	_, err := client.CreatePaymentIntent(context.Background(), 0, "usd", nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) || gwErr.Code != "invalid_amount" {
		t.Fatalf("expected invalid_amount gateway error, got %v", err)
	}
}
