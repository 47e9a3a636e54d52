package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/uzmarket/paygate/app/models"
	"github.com/uzmarket/paygate/app/repository"
	"github.com/uzmarket/paygate/internal/pkg/faults"
	"github.com/uzmarket/paygate/internal/pkg/jobqueue"
	"github.com/uzmarket/paygate/internal/pkg/metrics"
)

// ErrUnknownProvider is returned by SubmitEvent for provider names with no
// registered adapter.
var ErrUnknownProvider = errors.New("unknown provider")

// Enqueuer is the slice of the job queue the service needs.
type Enqueuer interface {
	Enqueue(jobType jobqueue.JobType, key string, payload map[string]interface{}) (*jobqueue.Job, error)
}

// AlertSink receives operator notifications after a state transition has
// committed. Implementations must never block the pipeline.
type AlertSink interface {
	EventFailed(event *models.WebhookEvent)
	EventDeadLettered(event *models.WebhookEvent)
}

// Service is the webhook core: it records deliveries durably, hands them to
// the queue, and drives the claim -> verify -> interpret -> reconcile -> mark
// pipeline on the worker side.
type Service struct {
	events     repository.EventRepository
	registry   *Registry
	reconciler *Reconciler
	queue      Enqueuer
	alerts     AlertSink
}

// NewService wires the core from its injected collaborators. queue and
// alerts may be nil in tests that exercise only parts of the pipeline.
func NewService(events repository.EventRepository, registry *Registry, reconciler *Reconciler, queue Enqueuer, alerts AlertSink) *Service {
	return &Service{
		events:     events,
		registry:   registry,
		reconciler: reconciler,
		queue:      queue,
		alerts:     alerts,
	}
}

// SetQueue attaches the enqueuer after construction; the queue's processor
// needs the service, so one of the two is always wired second.
func (s *Service) SetQueue(queue Enqueuer) {
	s.queue = queue
}

// SubmitEvent is the single entry point for the ingress layer: record the
// delivery durably, enqueue it, and acknowledge. The response never depends
// on the downstream processing outcome.
func (s *Service) SubmitEvent(ctx context.Context, provider string, d Delivery) (*SubmitResult, error) {
	_ = ctx
	adapter, ok := s.registry.Get(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	eventID := adapter.EventID(d.Body)
	sum := sha256.Sum256(d.Body)

	event := &models.WebhookEvent{
		Provider:        adapter.Provider(),
		ProviderEventID: eventID,
		PayloadHash:     hex.EncodeToString(sum[:]),
		RawPayload:      string(d.Body),
		AuthHeader:      d.AuthHeader,
		Status:          models.EventStatusPending,
	}
	created, stored, err := s.events.Record(event)
	if err != nil {
		return nil, fmt.Errorf("failed to record webhook event: %w", err)
	}
	metrics.EventsReceived.WithLabelValues(adapter.Provider()).Inc()

	if !created {
		if stored.PayloadHash != event.PayloadHash {
			log.Warnf("[Webhook] Payload drift for %s/%s: re-delivery carries a different body", stored.Provider, stored.ProviderEventID)
		}
		if stored.IsTerminal() {
			// Already settled; do not resurrect, just acknowledge.
			return &SubmitResult{Accepted: true, Duplicate: true, EventID: stored.ProviderEventID}, nil
		}
	}

	if s.queue != nil {
		_, err = s.queue.Enqueue(jobqueue.JobTypeWebhookProcess, idempotencyKey(stored), map[string]interface{}{
			"provider":          stored.Provider,
			"provider_event_id": stored.ProviderEventID,
		})
		if err != nil {
			// The event is durable; the lease sweeper or a re-delivery will
			// pick it up, so the provider still gets an ack.
			log.Errorf("[Webhook] Enqueue failed for %s/%s: %v", stored.Provider, stored.ProviderEventID, err)
		}
	}

	return &SubmitResult{Accepted: true, Duplicate: !created, EventID: stored.ProviderEventID}, nil
}

// VerifyDelivery runs the provider's authenticity check without touching the
// store. The ingress layer uses it to reject forged deliveries synchronously;
// the worker repeats the check from the persisted copy before reconciling.
func (s *Service) VerifyDelivery(provider string, d Delivery) error {
	adapter, ok := s.registry.Get(provider)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return adapter.Verify(d)
}

// GetEventStatus returns the stored snapshot for operational tooling.
func (s *Service) GetEventStatus(ctx context.Context, provider, providerEventID string) (*models.WebhookEvent, error) {
	_ = ctx
	return s.events.GetByProviderEventID(strings.ToLower(strings.TrimSpace(provider)), strings.TrimSpace(providerEventID))
}

// ListEventsByStatus returns events in the given status, newest first.
func (s *Service) ListEventsByStatus(ctx context.Context, status string, offset, limit int) ([]models.WebhookEvent, error) {
	_ = ctx
	return s.events.ListByStatus(status, offset, limit)
}

// CountEventsByStatus returns the number of events in the given status.
func (s *Service) CountEventsByStatus(ctx context.Context, status string) (int64, error) {
	_ = ctx
	return s.events.CountByStatus(status)
}

// ProcessEvent runs one processing attempt for an event. The returned error
// is faults-classified; the queue decides retry-vs-terminal from it.
func (s *Service) ProcessEvent(ctx context.Context, provider, providerEventID string) error {
	event, err := s.events.GetByProviderEventID(provider, providerEventID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// The durable row is gone; nothing to do and nothing to retry.
			log.Errorf("[Webhook] No stored event for %s/%s", provider, providerEventID)
			return nil
		}
		return faults.Transient(err)
	}
	if event.IsTerminal() {
		log.Debugf("[Webhook] Event %s/%s already %s, short-circuiting", provider, providerEventID, event.Status)
		return nil
	}

	claimed, err := s.events.Claim(event.ID)
	if err != nil {
		return faults.Transient(err)
	}
	if claimed == nil {
		// Another worker holds or settled it.
		log.Debugf("[Webhook] Event %s/%s not claimable, skipping", provider, providerEventID)
		return nil
	}

	adapter, ok := s.registry.Get(claimed.Provider)
	if !ok {
		return s.failPermanently(ctx, claimed, fmt.Errorf("%w: %s", ErrUnknownProvider, claimed.Provider))
	}

	if err := adapter.Verify(Delivery{Body: []byte(claimed.RawPayload), AuthHeader: claimed.AuthHeader}); err != nil {
		return s.failPermanently(ctx, claimed, err)
	}

	action, err := adapter.Interpret([]byte(claimed.RawPayload))
	if err != nil {
		return s.failPermanently(ctx, claimed, err)
	}

	outcome, err := s.reconciler.Apply(ctx, action)
	if err != nil {
		if faults.IsTransient(err) {
			if markErr := s.events.MarkFailed(claimed.ID, err.Error(), true); markErr != nil {
				log.Errorf("[Webhook] Failed to mark event %d failed: %v", claimed.ID, markErr)
			}
			metrics.EventsFailed.WithLabelValues(claimed.Provider, "transient").Inc()
			return err
		}
		return s.failPermanently(ctx, claimed, err)
	}

	if action.Kind == ActionCheckFeasibility && !outcome.Allow {
		// A denied feasibility check is a business rejection of this event.
		return s.failPermanently(ctx, claimed, faults.Permanent(errors.New(outcome.Reason)))
	}

	if err := s.events.MarkProcessed(claimed.ID, outcome.OrderID, outcome.PaymentID); err != nil {
		// Processing succeeded but the mark did not stick; retrying is safe
		// because every applied transition is idempotent.
		return faults.Transient(err)
	}
	metrics.EventsProcessed.WithLabelValues(claimed.Provider).Inc()
	log.Infof("[Webhook] Processed %s/%s (%s)", claimed.Provider, claimed.ProviderEventID, action.Kind)
	return nil
}

// DeadLetterEvent parks the event for operator follow-up after the queue has
// exhausted all attempts.
func (s *Service) DeadLetterEvent(ctx context.Context, provider, providerEventID, lastError string) {
	_ = ctx
	event, err := s.events.GetByProviderEventID(provider, providerEventID)
	if err != nil {
		log.Errorf("[Webhook] Dead-letter lookup failed for %s/%s: %v", provider, providerEventID, err)
		return
	}
	if err := s.events.MarkDeadLettered(event.ID, lastError); err != nil {
		log.Errorf("[Webhook] Failed to dead-letter event %d: %v", event.ID, err)
		return
	}
	event.Status = models.EventStatusDeadLettered
	event.LastError = lastError
	metrics.EventsDeadLettered.WithLabelValues(event.Provider).Inc()
	log.Errorf("[Webhook] Event %s/%s dead-lettered: %s", provider, providerEventID, lastError)
	if s.alerts != nil {
		s.alerts.EventDeadLettered(event)
	}
}

// failPermanently records a non-retryable failure. retry_count is left
// untouched: permanent rejections never enter the backoff path.
func (s *Service) failPermanently(ctx context.Context, event *models.WebhookEvent, cause error) error {
	_ = ctx
	if err := s.events.MarkFailed(event.ID, cause.Error(), false); err != nil {
		log.Errorf("[Webhook] Failed to mark event %d permanently failed: %v", event.ID, err)
	}
	metrics.EventsFailed.WithLabelValues(event.Provider, "permanent").Inc()
	log.Warnf("[Webhook] Event %s/%s rejected: %v", event.Provider, event.ProviderEventID, cause)

	event.Status = models.EventStatusFailed
	event.LastError = cause.Error()
	if s.alerts != nil {
		s.alerts.EventFailed(event)
	}
	if faults.IsPermanent(cause) {
		return cause
	}
	return faults.Permanent(cause)
}

func idempotencyKey(event *models.WebhookEvent) string {
	return event.Provider + ":" + event.ProviderEventID
}
