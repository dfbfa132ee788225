package outbox

import (
	"context"
	"errors"
	"fmt"
)

// DeliveryClient wraps the remote point-of-sale API. Implementations must
// pass the idempotency key through so the server can collapse duplicate
// deliveries of the same logical operation into a single effect.
type DeliveryClient interface {
	// CreateOrder submits a new order and returns the remote-assigned id.
	CreateOrder(ctx context.Context, payload OrderPayload, idempotencyKey string) (string, error)
	// UpdateOrderStatus moves a remote order to a new status.
	UpdateOrderStatus(ctx context.Context, orderID, status, idempotencyKey string) error
	// CreatePayment records a payment against a remote order.
	CreatePayment(ctx context.Context, orderID string, payload PaymentPayload, idempotencyKey string) error
}

// StatusError reports an HTTP-style status returned by the remote service.
type StatusError struct {
	// Code is the HTTP status code of the response.
	Code int
	// Body is a short excerpt of the response body, for diagnostics.
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("outbox: remote responded with status %d", e.Code)
	}
	return fmt.Sprintf("outbox: remote responded with status %d: %s", e.Code, e.Body)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable regardless of transport semantics.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable classifies a delivery error. Server errors (5xx) and transport
// failures with no response are retryable; client errors (4xx) mean the
// operation is permanently wrong as submitted.
func Retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	var status *StatusError
	if errors.As(err, &status) {
		return status.Code >= 500
	}
	return true
}
