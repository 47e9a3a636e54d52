package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/app/repository"
	"github.com/uzmarket/paygate/internal/pkg/faults"
)

// Outcome describes the result of applying a domain action to the
// order/payment aggregate. For CheckFeasibility Allow/Reason carry the
// read-only verdict; for mutating actions the related ids are populated.
type Outcome struct {
	Allow     bool
	Reason    string
	OrderID   *uint
	PaymentID *uint
}

// Reconciler applies interpreted domain actions to orders and payments.
// Every mutation is a conditional update keyed on the current aggregate
// state, so a retried webhook can never credit a payment twice.
type Reconciler struct {
	orders repository.OrderRepository
}

// NewReconciler creates a reconciler over the given order repository.
func NewReconciler(orders repository.OrderRepository) *Reconciler {
	return &Reconciler{orders: orders}
}

// Apply routes the action to its handler. Business rejections come back as
// permanent-classified errors, storage problems as transient ones.
func (r *Reconciler) Apply(ctx context.Context, action *DomainAction) (*Outcome, error) {
	_ = ctx
	switch action.Kind {
	case ActionCheckFeasibility:
		return r.checkFeasibility(action)
	case ActionCreateTransaction:
		return r.createTransaction(action)
	case ActionPerformTransaction:
		return r.performTransaction(action)
	case ActionCancelTransaction:
		return r.cancelTransaction(action)
	default:
		return nil, faults.Permanent(fmt.Errorf("%w: %s", ErrUnsupportedAction, action.Kind))
	}
}

func (r *Reconciler) checkFeasibility(action *DomainAction) (*Outcome, error) {
	order, err := r.orders.GetByOrderNumber(action.OrderNumber)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &Outcome{Allow: false, Reason: "order not found"}, nil
		}
		return nil, faults.Transient(err)
	}
	if order.Amount != action.Amount {
		return &Outcome{Allow: false, Reason: "amount mismatch", OrderID: &order.ID}, nil
	}
	if order.IsFinalized() {
		return &Outcome{Allow: false, Reason: "order already " + order.Status, OrderID: &order.ID}, nil
	}
	return &Outcome{Allow: true, OrderID: &order.ID}, nil
}

func (r *Reconciler) createTransaction(action *DomainAction) (*Outcome, error) {
	// Re-delivery of a create we already registered is a success, not a
	// second payment.
	if existing, err := r.orders.GetPaymentByProviderTrx(action.Provider, action.ProviderTrxID); err == nil {
		return &Outcome{Allow: true, OrderID: &existing.OrderID, PaymentID: &existing.ID}, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Transient(err)
	}

	check, err := r.checkFeasibility(action)
	if err != nil {
		return nil, err
	}
	if !check.Allow {
		return nil, faults.Permanent(errors.New(check.Reason))
	}

	if other, err := r.orders.GetActivePaymentForOrder(*check.OrderID); err == nil && other != nil {
		return nil, faults.Permanent(fmt.Errorf("order %s already has transaction %s", action.OrderNumber, other.ProviderTrxID))
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, faults.Transient(err)
	}

	createTime := action.Timestamp
	if createTime == 0 {
		createTime = time.Now().UnixMilli()
	}
	payment := &models.Payment{
		OrderID:       *check.OrderID,
		Provider:      action.Provider,
		ProviderTrxID: action.ProviderTrxID,
		Amount:        action.Amount,
		State:         models.PaymentStateCreated,
		CreateTime:    createTime,
	}
	if err := r.orders.CreatePayment(payment); err != nil {
		return nil, faults.Transient(err)
	}
	return &Outcome{Allow: true, OrderID: &payment.OrderID, PaymentID: &payment.ID}, nil
}

func (r *Reconciler) performTransaction(action *DomainAction) (*Outcome, error) {
	payment, err := r.orders.GetPaymentByProviderTrx(action.Provider, action.ProviderTrxID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, faults.Permanent(fmt.Errorf("transaction %s not found", action.ProviderTrxID))
		}
		return nil, faults.Transient(err)
	}

	switch payment.State {
	case models.PaymentStatePerformed:
		// Prior application of this exact action, or a retry after a crash
		// between the payment and order writes. Re-run the order transition:
		// it is conditional, so a fully applied perform makes it a no-op.
		if _, err := r.orders.UpdateOrderStatus(payment.OrderID, models.OrderStatusPending, models.OrderStatusPaid); err != nil {
			return nil, faults.Transient(err)
		}
		return &Outcome{Allow: true, OrderID: &payment.OrderID, PaymentID: &payment.ID}, nil
	case models.PaymentStateCancelled:
		return nil, faults.Permanent(fmt.Errorf("transaction %s already cancelled", action.ProviderTrxID))
	}

	performTime := action.Timestamp
	if performTime == 0 {
		performTime = time.Now().UnixMilli()
	}
	applied, err := r.orders.UpdatePaymentState(payment.ID,
		[]string{models.PaymentStateCreated}, models.PaymentStatePerformed,
		map[string]interface{}{"perform_time": performTime})
	if err != nil {
		return nil, faults.Transient(err)
	}
	if !applied {
		// Lost the race; re-read and report whatever the winner produced.
		return r.performTransaction(action)
	}

	if _, err := r.orders.UpdateOrderStatus(payment.OrderID, models.OrderStatusPending, models.OrderStatusPaid); err != nil {
		return nil, faults.Transient(err)
	}
	return &Outcome{Allow: true, OrderID: &payment.OrderID, PaymentID: &payment.ID}, nil
}

func (r *Reconciler) cancelTransaction(action *DomainAction) (*Outcome, error) {
	payment, err := r.orders.GetPaymentByProviderTrx(action.Provider, action.ProviderTrxID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, faults.Permanent(fmt.Errorf("transaction %s not found", action.ProviderTrxID))
		}
		return nil, faults.Transient(err)
	}

	if payment.State == models.PaymentStateCancelled {
		// Retry after a partial cancel: the payment write may have landed
		// without the order write. PerformTime > 0 records that the payment
		// had been performed, so the refund transition still applies.
		if payment.PerformTime > 0 {
			if _, err := r.orders.UpdateOrderStatus(payment.OrderID, models.OrderStatusPaid, models.OrderStatusCancelled); err != nil {
				return nil, faults.Transient(err)
			}
		}
		return &Outcome{Allow: true, OrderID: &payment.OrderID, PaymentID: &payment.ID}, nil
	}
	wasPerformed := payment.State == models.PaymentStatePerformed

	cancelTime := action.Timestamp
	if cancelTime == 0 {
		cancelTime = time.Now().UnixMilli()
	}
	applied, err := r.orders.UpdatePaymentState(payment.ID,
		[]string{models.PaymentStateCreated, models.PaymentStatePerformed}, models.PaymentStateCancelled,
		map[string]interface{}{"cancel_time": cancelTime, "cancel_reason": action.Reason})
	if err != nil {
		return nil, faults.Transient(err)
	}
	if !applied {
		return r.cancelTransaction(action)
	}

	// A cancel after perform is a refund: the order falls back out of paid.
	// A cancel of a merely created transaction leaves the order pending.
	if wasPerformed {
		if _, err := r.orders.UpdateOrderStatus(payment.OrderID, models.OrderStatusPaid, models.OrderStatusCancelled); err != nil {
			return nil, faults.Transient(err)
		}
	}
	return &Outcome{Allow: true, OrderID: &payment.OrderID, PaymentID: &payment.ID}, nil
}
