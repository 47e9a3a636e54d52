package repository

import (
	"time"

	"github.com/uzmarket/paygate/app/models"
)

// EventRepository defines the durable webhook event store. It is the single
// source of truth for "have we seen this delivery before"; every status
// transition goes through an atomic conditional update so two workers can
// never hold the same event at once.
type EventRepository interface {
	// Record inserts the event if no row exists for its
	// (provider, provider_event_id) pair and reports whether a row was
	// created. An existing row is returned unchanged: re-delivery must not
	// resurrect a processed or dead-lettered event.
	Record(event *models.WebhookEvent) (bool, *models.WebhookEvent, error)
	GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error)
	// Claim transitions pending/failed -> processing and returns the claimed
	// event, or nil when the event is already claimed or terminal.
	Claim(id uint) (*models.WebhookEvent, error)
	MarkProcessed(id uint, orderID, paymentID *uint) error
	// MarkFailed records a failure; retryable failures increment retry_count,
	// permanent ones leave it untouched.
	MarkFailed(id uint, message string, retryable bool) error
	MarkDeadLettered(id uint, message string) error
	// ReleaseExpired returns events stuck in processing since before the
	// given deadline back to pending (lease expiry after a worker crash).
	ReleaseExpired(olderThan time.Time) (int64, error)
	ListByStatus(status string, offset, limit int) ([]models.WebhookEvent, error)
	CountByStatus(status string) (int64, error)
}

// OrderRepository exposes the order/payment aggregate to the reconciler. All
// writes are conditional ("from state X to Y only if currently X") so applying
// the same provider action twice has the same net effect as applying it once.
type OrderRepository interface {
	GetByOrderNumber(orderNumber string) (*models.Order, error)
	GetPaymentByProviderTrx(provider, providerTrxID string) (*models.Payment, error)
	// GetActivePaymentForOrder returns a created or performed payment bound to
	// the order, if any.
	GetActivePaymentForOrder(orderID uint) (*models.Payment, error)
	CreatePayment(payment *models.Payment) error
	// UpdatePaymentState applies extra column updates together with the state
	// change and reports whether the conditional update matched a row.
	UpdatePaymentState(paymentID uint, fromStates []string, to string, updates map[string]interface{}) (bool, error)
	UpdateOrderStatus(orderID uint, from, to string) (bool, error)
}
