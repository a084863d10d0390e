package gateway

import (
	"errors"
	"fmt"

	stripeapi "github.com/stripe/stripe-go/v82"
)

// ErrSignatureInvalid is returned when a webhook payload fails signature
// verification. Terminal: the payload must not be parsed or acted on.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// GatewayError wraps a payment processor failure, preserving the processor's
// error code for the caller. The adapter never retries; duplicating a payment
// call blindly is worse than surfacing the failure.
type GatewayError struct {
	Code    string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway error [%s]: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// wrapStripeErr converts a stripe-go error into a GatewayError, lifting the
// processor error code when one is present.
func wrapStripeErr(message string, err error) *GatewayError {
	code := "api_call_failed"
	var stripeErr *stripeapi.Error
	if errors.As(err, &stripeErr) && stripeErr.Code != "" {
		code = string(stripeErr.Code)
	}
	return &GatewayError{Code: code, Message: message, Err: err}
}
