package webhook

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/internal/pkg/faults"
	"github.com/uzmarket/paygate/internal/pkg/jobqueue"
)

// fakeEventRepo is an in-memory EventRepository with the same conditional
// transition rules as the SQL implementation.
type fakeEventRepo struct {
	mu     sync.Mutex
	byID   map[uint]*models.WebhookEvent
	nextID uint
}

func newFakeEventRepo() *fakeEventRepo {
	return &fakeEventRepo{byID: make(map[uint]*models.WebhookEvent), nextID: 1}
}

func (f *fakeEventRepo) find(provider, providerEventID string) *models.WebhookEvent {
	for _, e := range f.byID {
		if e.Provider == provider && e.ProviderEventID == providerEventID {
			return e
		}
	}
	return nil
}

func (f *fakeEventRepo) Record(event *models.WebhookEvent) (bool, *models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing := f.find(event.Provider, event.ProviderEventID); existing != nil {
		cp := *existing
		return false, &cp, nil
	}
	cp := *event
	cp.ID = f.nextID
	f.nextID++
	f.byID[cp.ID] = &cp
	out := cp
	return true, &out, nil
}

func (f *fakeEventRepo) GetByProviderEventID(provider, providerEventID string) (*models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e := f.find(provider, providerEventID); e != nil {
		cp := *e
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeEventRepo) Claim(id uint) (*models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	if e.Status != models.EventStatusPending && e.Status != models.EventStatusFailed {
		return nil, nil
	}
	now := time.Now()
	e.Status = models.EventStatusProcessing
	e.ClaimedAt = &now
	cp := *e
	return &cp, nil
}

func (f *fakeEventRepo) MarkProcessed(id uint, orderID, paymentID *uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID[id]
	if e == nil || e.Status != models.EventStatusProcessing {
		return nil
	}
	e.Status = models.EventStatusProcessed
	e.RelatedOrderID = orderID
	e.RelatedPayment = paymentID
	e.LastError = ""
	return nil
}

func (f *fakeEventRepo) MarkFailed(id uint, message string, retryable bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID[id]
	if e == nil || e.Status != models.EventStatusProcessing {
		return nil
	}
	e.Status = models.EventStatusFailed
	e.LastError = message
	if retryable {
		e.RetryCount++
	}
	return nil
}

func (f *fakeEventRepo) MarkDeadLettered(id uint, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := f.byID[id]
	if e == nil {
		return gorm.ErrRecordNotFound
	}
	e.Status = models.EventStatusDeadLettered
	e.LastError = message
	return nil
}

func (f *fakeEventRepo) ReleaseExpired(olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, e := range f.byID {
		if e.Status == models.EventStatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(olderThan) {
			e.Status = models.EventStatusPending
			e.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (f *fakeEventRepo) ListByStatus(status string, offset, limit int) ([]models.WebhookEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.WebhookEvent
	for _, e := range f.byID {
		if e.Status == status {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (f *fakeEventRepo) CountByStatus(status string) (int64, error) {
	events, _ := f.ListByStatus(status, 0, 0)
	return int64(len(events)), nil
}

func (f *fakeEventRepo) get(id uint) models.WebhookEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.byID[id]
}

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*jobqueue.Job
}

func (f *fakeEnqueuer) Enqueue(jobType jobqueue.JobType, key string, payload map[string]interface{}) (*jobqueue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job := jobqueue.NewJob(jobType, key, payload)
	f.jobs = append(f.jobs, job)
	return job, nil
}

func (f *fakeEnqueuer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type fakeAlerts struct {
	mu           sync.Mutex
	failed       []string
	deadLettered []string
}

func (f *fakeAlerts) EventFailed(event *models.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, event.ProviderEventID)
}

func (f *fakeAlerts) EventDeadLettered(event *models.WebhookEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLettered = append(f.deadLettered, event.ProviderEventID)
}

type serviceFixture struct {
	svc       *Service
	events    *fakeEventRepo
	orders    *fakeOrderRepo
	queue     *fakeEnqueuer
	alerts    *fakeAlerts
	validAuth string
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	events := newFakeEventRepo()
	orders := newFakeOrderRepo()
	queue := &fakeEnqueuer{}
	alerts := &fakeAlerts{}
	registry := NewRegistry(
		NewPaymeAdapter(testMerchantKey),
		NewClickAdapter(testClickServiceID, testClickSecret),
	)
	svc := NewService(events, registry, NewReconciler(orders), queue, alerts)
	return &serviceFixture{
		svc:       svc,
		events:    events,
		orders:    orders,
		queue:     queue,
		alerts:    alerts,
		validAuth: paymeAuthHeader("Paycom", testMerchantKey),
	}
}

const paymeCreateBody = `{"id":1,"method":"CreateTransaction","params":{"id":"trx-1","time":1700000000000,"amount":500000,"account":{"order_id":"ORD-1"}}}`

func TestService_SubmitEvent_RecordsAndEnqueues(t *testing.T) {
	fx := newServiceFixture(t)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)
	assert.True(t, result.Accepted)
	assert.False(t, result.Duplicate)
	assert.Equal(t, "trx-1:CreateTransaction", result.EventID)
	assert.Equal(t, 1, fx.queue.count())

	stored, err := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	require.NoError(t, err)
	assert.Equal(t, models.EventStatusPending, stored.Status)
	assert.Equal(t, paymeCreateBody, stored.RawPayload)
	assert.Equal(t, fx.validAuth, stored.AuthHeader)
}

func TestService_SubmitEvent_Duplicate(t *testing.T) {
	fx := newServiceFixture(t)
	delivery := Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth}

	first, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme, delivery)
	require.NoError(t, err)
	second, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme, delivery)
	require.NoError(t, err)

	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	count, _ := fx.events.CountByStatus(models.EventStatusPending)
	assert.Equal(t, int64(1), count)
}

func TestService_SubmitEvent_UnknownProvider(t *testing.T) {
	fx := newServiceFixture(t)
	_, err := fx.svc.SubmitEvent(context.Background(), "stripe", Delivery{Body: []byte("{}")})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestService_SubmitEvent_TerminalEventNotResurrected(t *testing.T) {
	fx := newServiceFixture(t)
	delivery := Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth}

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme, delivery)
	require.NoError(t, err)

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	_, err = fx.events.Claim(stored.ID)
	require.NoError(t, err)
	require.NoError(t, fx.events.MarkProcessed(stored.ID, nil, nil))

	enqueued := fx.queue.count()
	again, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme, delivery)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, enqueued, fx.queue.count())

	final, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusProcessed, final.Status)
}

func TestService_ProcessEvent_CreateFlow(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.NoError(t, err)

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusProcessed, stored.Status)
	require.NotNil(t, stored.RelatedOrderID)
	require.NotNil(t, stored.RelatedPayment)
	assert.Equal(t, 1, fx.orders.paymentCount())

	payment := fx.orders.payment(*stored.RelatedPayment)
	assert.Equal(t, models.PaymentStateCreated, payment.State)
	assert.Equal(t, "trx-1", payment.ProviderTrxID)
}

func TestService_ProcessEvent_AuthFailure(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: paymeAuthHeader("Paycom", "stolen-key")})
	require.NoError(t, err)

	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
	assert.NotEmpty(t, stored.LastError)
	assert.Equal(t, 0, fx.orders.paymentCount())
	assert.Contains(t, fx.alerts.failed, result.EventID)
}

func TestService_ProcessEvent_UnknownMethod(t *testing.T) {
	fx := newServiceFixture(t)
	body := `{"id":9,"method":"GetStatement","params":{"id":"trx-5"}}`

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(body), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "GetStatement")
	assert.Equal(t, 0, stored.RetryCount)
}

func TestService_ProcessEvent_FeasibilityDenied(t *testing.T) {
	fx := newServiceFixture(t)
	body := `{"id":2,"method":"CheckPerformTransaction","params":{"amount":500000,"account":{"order_id":"ORD-404"}}}`

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(body), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.Error(t, err)
	assert.True(t, faults.IsPermanent(err))

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusFailed, stored.Status)
	assert.Contains(t, stored.LastError, "order not found")
}

func TestService_ProcessEvent_TransientOutageThenRecovery(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	fx.orders.failNextReads = 2
	for attempt := 1; attempt <= 2; attempt++ {
		err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
		require.Error(t, err)
		assert.True(t, faults.IsTransient(err))

		stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
		assert.Equal(t, models.EventStatusFailed, stored.Status)
		assert.Equal(t, attempt, stored.RetryCount)
	}

	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.NoError(t, err)

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusProcessed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Equal(t, 1, fx.orders.paymentCount())
}

func TestService_ProcessEvent_AlreadyClaimed(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	claimed, err := fx.events.Claim(stored.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// A second worker arriving while the claim is held does nothing.
	err = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
	require.NoError(t, err)
	after := fx.events.get(stored.ID)
	assert.Equal(t, models.EventStatusProcessing, after.Status)
	assert.Equal(t, 0, fx.orders.paymentCount())
}

func TestService_ProcessEvent_ConcurrentWorkersSingleApply(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	// Several workers race on the same event; the claim admits exactly one,
	// the rest see either a held claim or a terminal event and return nil.
	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		assert.NoError(t, errs[i])
	}
	assert.Equal(t, 1, fx.orders.paymentCount())

	// Exactly one worker wins the claim and settles the event; the losers
	// return without touching it.
	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusProcessed, stored.Status)
	assert.Equal(t, 0, stored.RetryCount)
}

func TestService_ProcessEvent_TerminalShortCircuit(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)
	require.NoError(t, fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID))

	// Re-processing a settled event must not touch the aggregate again.
	require.NoError(t, fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID))
	assert.Equal(t, 1, fx.orders.paymentCount())
}

func TestService_DeadLetterEvent(t *testing.T) {
	fx := newServiceFixture(t)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	fx.svc.DeadLetterEvent(context.Background(), models.ProviderPayme, result.EventID, "max attempts exceeded")

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusDeadLettered, stored.Status)
	assert.Equal(t, "max attempts exceeded", stored.LastError)
	assert.Contains(t, fx.alerts.deadLettered, result.EventID)

	// Dead-lettered is terminal; another attempt is a no-op.
	require.NoError(t, fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID))
	after, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusDeadLettered, after.Status)
}

func TestService_LeaseExpiryReleasesEvent(t *testing.T) {
	fx := newServiceFixture(t)
	fx.orders.addOrder("ORD-1", 500000, models.OrderStatusPending)

	result, err := fx.svc.SubmitEvent(context.Background(), models.ProviderPayme,
		Delivery{Body: []byte(paymeCreateBody), AuthHeader: fx.validAuth})
	require.NoError(t, err)

	stored, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	claimed, err := fx.events.Claim(stored.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Simulate a crashed worker: the lease expires and the event returns to
	// pending, after which processing succeeds normally.
	released, err := fx.events.ReleaseExpired(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	require.NoError(t, fx.svc.ProcessEvent(context.Background(), models.ProviderPayme, result.EventID))
	after, _ := fx.events.GetByProviderEventID(models.ProviderPayme, result.EventID)
	assert.Equal(t, models.EventStatusProcessed, after.Status)
}
