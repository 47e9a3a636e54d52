package models

import "time"

const (
	ProviderPayme = "payme"
	ProviderClick = "click"
)

const (
	EventStatusPending      = "pending"
	EventStatusProcessing   = "processing"
	EventStatusProcessed    = "processed"
	EventStatusFailed       = "failed"
	EventStatusDeadLettered = "dead_lettered"
)

// WebhookEvent stores every inbound provider callback with deduplication
// metadata. One row exists per (provider, provider_event_id); re-delivery of a
// known id must not create a second row or reset its state. Rows are never
// deleted, they are the audit trail for provider disputes.
type WebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_webhook_events_provider_event,unique,priority:1;index" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;index:ux_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	PayloadHash     string     `gorm:"type:varchar(64);not null" json:"payload_hash"`
	RawPayload      string     `gorm:"type:longtext;not null" json:"raw_payload"`
	AuthHeader      string     `gorm:"type:varchar(255)" json:"-"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	RetryCount      int        `gorm:"not null;default:0" json:"retry_count"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	RelatedOrderID  *uint      `gorm:"index" json:"related_order_id,omitempty"`
	RelatedPayment  *uint      `gorm:"column:related_payment_id;index" json:"related_payment_id,omitempty"`
	ClaimedAt       *time.Time `gorm:"type:timestamp;default:null" json:"claimed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsTerminal reports whether the event may never be claimed again.
func (e *WebhookEvent) IsTerminal() bool {
	return e.Status == EventStatusProcessed || e.Status == EventStatusDeadLettered
}
