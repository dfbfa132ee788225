package outbox

// Status represents the lifecycle state of an outbox operation.
type Status string

const (
	// StatusPending indicates the operation is waiting for delivery.
	StatusPending Status = "pending"
	// StatusProcessing indicates a delivery attempt is in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the remote service acknowledged the operation.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the operation failed permanently.
	StatusFailed Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Kind identifies the point-of-sale mutation an operation carries.
type Kind string

const (
	// KindCreateOrder creates an order on the remote service.
	KindCreateOrder Kind = "create_order"
	// KindUpdateOrderStatus moves an existing remote order to a new status.
	KindUpdateOrderStatus Kind = "update_order_status"
	// KindCreatePayment records a payment against an existing remote order.
	KindCreatePayment Kind = "create_payment"
)

// Valid reports whether k is one of the supported mutation kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCreateOrder, KindUpdateOrderStatus, KindCreatePayment:
		return true
	}
	return false
}
