// Package outbox implements a durable offline outbox for point-of-sale
// mutations. Operations enqueued while a terminal has no connectivity are
// persisted locally, survive process crashes, and are delivered to the
// remote service with idempotency keys once the network returns.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries is the retry ceiling applied to new operations.
const DefaultMaxRetries = 5

// OrderItem is a single line on an order ticket. Prices are expressed in
// minor currency units to avoid floating point drift.
type OrderItem struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Notes     string `json:"notes,omitempty"`
}

// OrderPayload is the body of a create-order operation.
type OrderPayload struct {
	TableID string      `json:"table_id,omitempty"`
	Items   []OrderItem `json:"items"`
	Total   int64       `json:"total"`
	Note    string      `json:"note,omitempty"`
}

func (p OrderPayload) validate() error {
	if len(p.Items) == 0 {
		return errors.New("outbox: order requires at least one item")
	}
	for i, item := range p.Items {
		if item.Name == "" {
			return fmt.Errorf("outbox: order item %d has no name", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("outbox: order item %d has non-positive quantity", i)
		}
	}
	if p.Total < 0 {
		return errors.New("outbox: order total must not be negative")
	}
	return nil
}

// OrderStatusPayload is the body of an update-order-status operation.
type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

func (p OrderStatusPayload) validate() error {
	if p.OrderID == "" {
		return errors.New("outbox: status update requires an order id")
	}
	if p.Status == "" {
		return errors.New("outbox: status update requires a status")
	}
	return nil
}

// PaymentPayload is the body of a create-payment operation.
type PaymentPayload struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
	Method  string `json:"method"`
}

func (p PaymentPayload) validate() error {
	if p.OrderID == "" {
		return errors.New("outbox: payment requires an order id")
	}
	if p.Amount <= 0 {
		return errors.New("outbox: payment amount must be positive")
	}
	if p.Method == "" {
		return errors.New("outbox: payment requires a method")
	}
	return nil
}

// Operation is the unit of durable work queued for delivery.
type Operation struct {
	// ID is the unique identifier assigned when the operation is created.
	ID string
	// Kind selects which remote endpoint the payload targets.
	Kind Kind
	// Payload is the kind-specific body, stored as JSON.
	Payload json.RawMessage
	// IdempotencyKey lets the remote service collapse duplicate deliveries.
	// It is derived from Kind and ID and never changes across retries.
	IdempotencyKey string
	// Status tracks the delivery lifecycle.
	Status Status
	// RetryCount is the number of failed delivery attempts so far.
	RetryCount int
	// MaxRetries caps how many retryable failures are tolerated.
	MaxRetries int
	// CreatedAt records when the operation was enqueued.
	CreatedAt time.Time
	// LastAttemptAt records the most recent delivery attempt, zero if none.
	LastAttemptAt time.Time
	// NextAttemptAt is the earliest time the operation may be attempted.
	NextAttemptAt time.Time
	// RemoteID is the identifier assigned by the remote service on success.
	RemoteID string
	// ErrorMessage holds the most recent failure reason, if any.
	ErrorMessage string
}

// DecodePayload unmarshals the payload into the provided destination.
func (o Operation) DecodePayload(dest any) error {
	return json.Unmarshal(o.Payload, dest)
}

// NewCreateOrder builds a create-order operation, validating the payload
// before it can ever reach a store.
func NewCreateOrder(p OrderPayload) (Operation, error) {
	if err := p.validate(); err != nil {
		return Operation{}, err
	}
	return newOperation(KindCreateOrder, p)
}

// NewUpdateOrderStatus builds an update-order-status operation.
func NewUpdateOrderStatus(p OrderStatusPayload) (Operation, error) {
	if err := p.validate(); err != nil {
		return Operation{}, err
	}
	return newOperation(KindUpdateOrderStatus, p)
}

// NewCreatePayment builds a create-payment operation.
func NewCreatePayment(p PaymentPayload) (Operation, error) {
	if err := p.validate(); err != nil {
		return Operation{}, err
	}
	return newOperation(KindCreatePayment, p)
}

// newOperation leaves CreatedAt and NextAttemptAt zero; the syncer stamps
// them from its configured clock when the operation is enqueued.
func newOperation(kind Kind, body any) (Operation, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Operation{}, fmt.Errorf("outbox: failed to marshal payload: %w", err)
	}
	id := uuid.NewString()
	return Operation{
		ID:             id,
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: IdempotencyKey(kind, id),
		Status:         StatusPending,
		MaxRetries:     DefaultMaxRetries,
	}, nil
}

// IdempotencyKey derives the delivery key for an operation. The same kind
// and id always produce the same key.
func IdempotencyKey(kind Kind, id string) string {
	return string(kind) + ":" + id
}
