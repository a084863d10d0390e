package gateway

import (
	"context"
	"fmt"
	"time"

	stripeapi "github.com/stripe/stripe-go/v82"
	stripecustomer "github.com/stripe/stripe-go/v82/customer"
	stripepaymentintent "github.com/stripe/stripe-go/v82/paymentintent"
	stripepaymentmethod "github.com/stripe/stripe-go/v82/paymentmethod"
	stripetransfer "github.com/stripe/stripe-go/v82/transfer"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// Config holds the Stripe credentials.
type Config struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
}

// Client wraps the Stripe API behind the payment gateway contract. It holds
// no local state and performs no retries.
type Client struct {
	config Config
}

// New creates a Stripe-backed gateway client.
func New(config Config) *Client {
	stripeapi.Key = config.APIKey
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{config: config}
}

// PaymentIntent is the result of creating a charge intent at the processor.
type PaymentIntent struct {
	ID           string `json:"payment_intent_id"`
	ClientSecret string `json:"client_secret"`
}

// PaymentMethod is a stored payment instrument.
type PaymentMethod struct {
	ID       string `json:"id"`
	Brand    string `json:"brand"`
	Last4    string `json:"last4"`
	ExpMonth int64  `json:"exp_month"`
	ExpYear  int64  `json:"exp_year"`
}

// CreatePaymentIntent creates a pending charge intent at the processor. No
// local state is mutated; settlement arrives later as a webhook event.
func (c *Client) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*PaymentIntent, error) {
	if amountCents <= 0 {
		return nil, &GatewayError{Code: "invalid_amount", Message: fmt.Sprintf("amount must be positive, got %d", amountCents)}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	params := &stripeapi.PaymentIntentParams{
		Amount:   stripeapi.Int64(amountCents),
		Currency: stripeapi.String(currency),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	intent, err := stripepaymentintent.New(params)
	if err != nil {
		return nil, wrapStripeErr("failed to create payment intent", err)
	}
	return &PaymentIntent{ID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// CreateCustomer registers the account with the processor and returns the
// customer id. Idempotence per account is the caller's responsibility.
func (c *Client) CreateCustomer(ctx context.Context, email, name, accountID string) (string, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	params := &stripeapi.CustomerParams{
		Email: stripeapi.String(email),
		Name:  stripeapi.String(name),
	}
	params.Context = ctx
	params.AddMetadata("account_id", accountID)

	customer, err := stripecustomer.New(params)
	if err != nil {
		return "", wrapStripeErr("failed to create customer", err)
	}
	return customer.ID, nil
}

// ListPaymentMethods returns the customer's stored card payment methods.
func (c *Client) ListPaymentMethods(ctx context.Context, customerID string) ([]PaymentMethod, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	params := &stripeapi.PaymentMethodListParams{
		Customer: stripeapi.String(customerID),
		Type:     stripeapi.String(string(stripeapi.PaymentMethodTypeCard)),
	}
	params.Context = ctx

	var methods []PaymentMethod
	i := stripepaymentmethod.List(params)
	for i.Next() {
		pm := i.PaymentMethod()
		m := PaymentMethod{ID: pm.ID}
		if pm.Card != nil {
			m.Brand = string(pm.Card.Brand)
			m.Last4 = pm.Card.Last4
			m.ExpMonth = pm.Card.ExpMonth
			m.ExpYear = pm.Card.ExpYear
		}
		methods = append(methods, m)
	}
	if err := i.Err(); err != nil {
		return nil, wrapStripeErr("failed to list payment methods", err)
	}
	return methods, nil
}

// InitiateWithdrawal moves funds to a teacher's connected account. Transfers
// are not idempotent at the processor, so the caller's request id is passed
// as the idempotency key and must not change across retries.
func (c *Client) InitiateWithdrawal(ctx context.Context, amountCents int64, destination, requestID string) (string, error) {
	if amountCents <= 0 {
		return "", &GatewayError{Code: "invalid_amount", Message: fmt.Sprintf("amount must be positive, got %d", amountCents)}
	}

	ctx, cancel := c.bound(ctx)
	defer cancel()

	params := &stripeapi.TransferParams{
		Amount:      stripeapi.Int64(amountCents),
		Currency:    stripeapi.String(string(stripeapi.CurrencyUSD)),
		Destination: stripeapi.String(destination),
	}
	params.Context = ctx
	params.SetIdempotencyKey(requestID)
	params.AddMetadata("withdrawal_id", requestID)

	tr, err := stripetransfer.New(params)
	if err != nil {
		return "", wrapStripeErr("failed to create transfer", err)
	}
	return tr.ID, nil
}

// VerifyWebhookSignature checks the payload signature and decodes the event.
// The body is never parsed before the library's constant-time verification
// succeeds.
func (c *Client) VerifyWebhookSignature(payload []byte, signatureHeader string) (*stripeapi.Event, error) {
	event, err := stripewebhook.ConstructEventWithOptions(payload, signatureHeader, c.config.WebhookSecret,
		stripewebhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &event, nil
}

// bound caps how long a processor call may block so a hung gateway cannot
// stall the caller.
func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.config.Timeout)
}
