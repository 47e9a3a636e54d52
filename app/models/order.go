package models

import "time"

const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusFulfilled = "fulfilled"
	OrderStatusCancelled = "cancelled"
)

// Order is the marketplace order aggregate as seen by the webhook core. The
// storefront owns creation and fulfilment; the reconciler only drives the
// payment-related transitions (pending -> paid, paid -> cancelled) through
// conditional updates.
type Order struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	OrderNumber string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"order_number"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Amount      int64     `gorm:"not null" json:"amount"` // tiyin
	Status      string    `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsFinalized reports whether the order can no longer accept a new payment.
func (o *Order) IsFinalized() bool {
	return o.Status != OrderStatusPending
}
