package repository

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/uzmarket/paygate/app/models"
)

// eventRepository implements EventRepository backed by GORM.
type eventRepository struct {
	db *gorm.DB
}

// NewEventRepository creates a new event repository instance
func NewEventRepository(db *gorm.DB) EventRepository {
	return &eventRepository{db: db}
}

func (r *eventRepository) Record(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.WebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *eventRepository) GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error) {
	var event models.WebhookEvent
	err := r.db.Where("provider = ? AND provider_event_id = ?", provider, providerEventID).First(&event).Error
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// Claim is the mutual-exclusion point: the conditional UPDATE matches at most
// one concurrent caller, everyone else sees RowsAffected == 0 and backs off.
func (r *eventRepository) Claim(id uint) (*models.WebhookEvent, error) {
	now := time.Now()
	tx := r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{models.EventStatusPending, models.EventStatusFailed}).
		Updates(map[string]interface{}{
			"status":     models.EventStatusProcessing,
			"claimed_at": &now,
		})
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		return nil, nil
	}

	var event models.WebhookEvent
	if err := r.db.First(&event, id).Error; err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *eventRepository) MarkProcessed(id uint, orderID, paymentID *uint) error {
	updates := map[string]interface{}{
		"status":     models.EventStatusProcessed,
		"last_error": "",
	}
	if orderID != nil {
		updates["related_order_id"] = *orderID
	}
	if paymentID != nil {
		updates["related_payment_id"] = *paymentID
	}
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusProcessing).
		Updates(updates).Error
}

func (r *eventRepository) MarkFailed(id uint, message string, retryable bool) error {
	updates := map[string]interface{}{
		"status":     models.EventStatusFailed,
		"last_error": message,
	}
	if retryable {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status = ?", id, models.EventStatusProcessing).
		Updates(updates).Error
}

func (r *eventRepository) MarkDeadLettered(id uint, message string) error {
	return r.db.Model(&models.WebhookEvent{}).
		Where("id = ? AND status IN ?", id, []string{models.EventStatusProcessing, models.EventStatusFailed}).
		Updates(map[string]interface{}{
			"status":     models.EventStatusDeadLettered,
			"last_error": message,
		}).Error
}

func (r *eventRepository) ReleaseExpired(olderThan time.Time) (int64, error) {
	tx := r.db.Model(&models.WebhookEvent{}).
		Where("status = ? AND claimed_at < ?", models.EventStatusProcessing, olderThan).
		Updates(map[string]interface{}{
			"status":     models.EventStatusPending,
			"claimed_at": nil,
		})
	return tx.RowsAffected, tx.Error
}

func (r *eventRepository) ListByStatus(status string, offset, limit int) ([]models.WebhookEvent, error) {
	var events []models.WebhookEvent
	err := r.db.Where("status = ?", status).
		Order("created_at DESC").
		Offset(offset).Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *eventRepository) CountByStatus(status string) (int64, error) {
	var count int64
	err := r.db.Model(&models.WebhookEvent{}).Where("status = ?", status).Count(&count).Error
	return count, err
}
