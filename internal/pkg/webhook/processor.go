package webhook

import (
	"context"
	"fmt"

	"github.com/uzmarket/paygate/internal/pkg/faults"
	"github.com/uzmarket/paygate/internal/pkg/jobqueue"
)

// QueueProcessor adapts the service's ProcessEvent to the queue's Processor
// contract.
type QueueProcessor struct {
	svc *Service
}

// NewQueueProcessor creates the processor for webhook jobs.
func NewQueueProcessor(svc *Service) *QueueProcessor {
	return &QueueProcessor{svc: svc}
}

func (p *QueueProcessor) Process(ctx context.Context, job *jobqueue.Job) error {
	provider, eventID, err := jobRefs(job)
	if err != nil {
		return faults.Permanent(err)
	}
	return p.svc.ProcessEvent(ctx, provider, eventID)
}

func (p *QueueProcessor) DeadLetter(ctx context.Context, job *jobqueue.Job, lastError string) {
	provider, eventID, err := jobRefs(job)
	if err != nil {
		return
	}
	p.svc.DeadLetterEvent(ctx, provider, eventID, lastError)
}

func jobRefs(job *jobqueue.Job) (provider, eventID string, err error) {
	provider, _ = job.Payload["provider"].(string)
	eventID, _ = job.Payload["provider_event_id"].(string)
	if provider == "" || eventID == "" {
		return "", "", fmt.Errorf("job %s payload missing event reference", job.ID)
	}
	return provider, eventID, nil
}
