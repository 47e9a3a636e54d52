package repository

import (
	"gorm.io/gorm"

	"github.com/uzmarket/paygate/app/models"
)

// orderRepository implements OrderRepository backed by GORM.
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates a new order repository instance
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

func (r *orderRepository) GetByOrderNumber(orderNumber string) (*models.Order, error) {
	var order models.Order
	err := r.db.Where("order_number = ?", orderNumber).First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) GetPaymentByProviderTrx(provider, providerTrxID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("provider = ? AND provider_trx_id = ?", provider, providerTrxID).First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *orderRepository) GetActivePaymentForOrder(orderID uint) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.Where("order_id = ? AND state IN ?", orderID,
		[]string{models.PaymentStateCreated, models.PaymentStatePerformed}).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *orderRepository) CreatePayment(payment *models.Payment) error {
	return r.db.Create(payment).Error
}

func (r *orderRepository) UpdatePaymentState(paymentID uint, fromStates []string, to string, updates map[string]interface{}) (bool, error) {
	values := map[string]interface{}{"state": to}
	for k, v := range updates {
		values[k] = v
	}
	tx := r.db.Model(&models.Payment{}).
		Where("id = ? AND state IN ?", paymentID, fromStates).
		Updates(values)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *orderRepository) UpdateOrderStatus(orderID uint, from, to string) (bool, error) {
	tx := r.db.Model(&models.Order{}).
		Where("id = ? AND status = ?", orderID, from).
		Update("status", to)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}
