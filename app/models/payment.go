package models

import "time"

const (
	PaymentStateCreated   = "created"
	PaymentStatePerformed = "performed"
	PaymentStateCancelled = "cancelled"
)

// Payment mirrors a provider transaction against an order. The pair
// (provider, provider_trx_id) is unique; providers retry webhooks, so every
// state transition on this row must be conditional on the current state.
type Payment struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	OrderID       uint      `gorm:"not null;index" json:"order_id"`
	Provider      string    `gorm:"type:varchar(20);not null;index:ux_payments_provider_trx,unique,priority:1" json:"provider"`
	ProviderTrxID string    `gorm:"type:varchar(191);not null;index:ux_payments_provider_trx,unique,priority:2" json:"provider_trx_id"`
	Amount        int64     `gorm:"not null" json:"amount"` // tiyin
	State         string    `gorm:"type:varchar(20);not null;default:'created';index" json:"state"`
	CreateTime    int64     `gorm:"not null;default:0" json:"create_time"`  // provider ms timestamp
	PerformTime   int64     `gorm:"not null;default:0" json:"perform_time"` // ms
	CancelTime    int64     `gorm:"not null;default:0" json:"cancel_time"`  // ms
	CancelReason  int       `gorm:"not null;default:0" json:"cancel_reason"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
