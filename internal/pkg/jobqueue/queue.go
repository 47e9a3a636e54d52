package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"

	"github.com/uzmarket/paygate/internal/pkg/faults"
	"github.com/uzmarket/paygate/internal/pkg/metrics"
)

const (
	// ProcessingTimeout bounds a single processing attempt.
	ProcessingTimeout = 60 * time.Second
	// StuckJobMaxAge is the visibility timeout after which a job sitting in
	// the processing list is assumed orphaned by a crashed worker.
	StuckJobMaxAge = 10 * time.Minute
)

// Processor handles jobs of one type. Process returns a faults-classified
// error; the queue decides retry-vs-terminal from the classification alone.
// DeadLetter is called once when a job exhausts its attempts.
type Processor interface {
	Process(ctx context.Context, job *Job) error
	DeadLetter(ctx context.Context, job *Job, lastError string)
}

// Queue manages webhook processing jobs using Redis. The client is injected
// at construction so tests and multiple processes can run isolated instances.
type Queue struct {
	client     *redis.Client
	workers    int
	processors map[JobType]Processor
	workerPool chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
}

// NewQueue creates a new job queue on the given Redis client
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:     client,
		workers:    workers,
		processors: make(map[JobType]Processor),
		workerPool: make(chan struct{}, workers),
		stopCh:     make(chan struct{}),
	}
}

// Register binds a processor to a job type. Must be called before Start.
func (q *Queue) Register(jobType JobType, p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processors[jobType] = p
}

// Start starts the job queue workers, the delayed-job scheduler and the
// stuck-processing sweeper
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	q.stopCh = make(chan struct{})
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.workerPool <- struct{}{}
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.delayedScheduler(time.Second)

	q.wg.Add(1)
	go q.stuckSweeper(StuckJobMaxAge, time.Minute)
}

// Stop stops the job queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	// Workers return their tokens on exit; drain them so a later Start can
	// refill the pool without blocking.
	for len(q.workerPool) > 0 {
		<-q.workerPool
	}
	log.Info("[JobQueue] All workers stopped")
}

// Enqueue adds a job for the given idempotency key. While a job for the same
// key is outstanding (pending, in-flight or awaiting a retry) the call is a
// no-op and returns nil, nil: the Event Store claim is the second layer of
// protection, this dedupe is the first.
func (q *Queue) Enqueue(jobType JobType, key string, payload map[string]interface{}) (*Job, error) {
	ctx := context.Background()

	job := NewJob(jobType, key, payload)
	set, err := q.client.SetNX(ctx, JobDedupeKeyPrefix+key, job.ID, DedupeTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job key %s: %w", key, err)
	}
	if !set {
		log.Debugf("[JobQueue] Job for key %s already outstanding, skipping enqueue", key)
		return nil, nil
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusPending), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		// Roll the reservation back so the next delivery can enqueue.
		q.client.Del(ctx, JobDedupeKeyPrefix+key)
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (key: %s)", job.ID, key)
	return job, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[JobQueue] Worker %d stopping", id)
			return
		default:
			<-q.workerPool

			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[JobQueue] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				q.workerPool <- struct{}{}
				continue
			}

			if job != nil {
				log.Infof("[JobQueue] Worker %d processing job %s (key: %s, attempt %d)", id, job.ID, job.Key, job.RetryCount+1)
				q.processJob(job)
			}

			q.workerPool <- struct{}{}
		}
	}
}

// dequeueJob moves the next job id from the pending queue to the processing
// list atomically and loads its data
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob runs a single attempt and disposes of the job based on the
// error classification returned by the processor
func (q *Queue) processJob(job *Job) {
	ctx := context.Background()

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	processor, ok := q.processors[job.Type]
	if !ok {
		log.Errorf("[JobQueue] No processor registered for job type %s", job.Type)
		job.MarkAsFailed(fmt.Sprintf("unknown job type: %s", job.Type))
		q.finishJob(ctx, job, JobStatusFailed)
		return
	}

	attemptCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout)
	err := processor.Process(attemptCtx, job)
	cancel()

	switch {
	case err == nil:
		job.MarkAsCompleted()
		q.finishJob(ctx, job, JobStatusCompleted)

	case faults.IsPermanent(err):
		// The processor already recorded the permanent failure on the event;
		// the job itself is done, never retried.
		log.Warnf("[JobQueue] Job %s failed permanently: %v", job.ID, err)
		job.MarkAsFailed(err.Error())
		q.finishJob(ctx, job, JobStatusFailed)

	default:
		// Transient (or unclassified, treated as transient) failure.
		log.Errorf("[JobQueue] Job %s attempt %d failed: %v", job.ID, job.RetryCount+1, err)
		job.MarkAsFailed(err.Error())
		metrics.JobRetries.Inc()

		if job.IsRetryable() {
			job.MarkAsRetrying()
			q.updateJob(ctx, job)
			q.scheduleRetry(ctx, job)
		} else {
			log.Errorf("[JobQueue] Job %s dead-lettered after %d attempts", job.ID, job.RetryCount)
			job.MarkAsDeadLettered(job.ErrorMsg)
			processor.DeadLetter(ctx, job, job.ErrorMsg)
			q.finishJob(ctx, job, JobStatusDeadLettered)
		}
	}
}

// scheduleRetry parks the job in the delayed set until its backoff elapses.
// The dedupe key stays in place so re-deliveries cannot spawn a parallel job
// while the retry is outstanding.
func (q *Queue) scheduleRetry(ctx context.Context, job *Job) {
	score := float64(job.ScheduledAt.UnixMilli())
	pipe := q.client.Pipeline()
	pipe.ZAdd(ctx, JobDelayedKey, redis.Z{Score: score, Member: job.ID})
	pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
	pipe.HIncrBy(ctx, JobStatsKey, string(JobStatusRetrying), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, err)
	}
}

// finishJob removes the job from the processing list, releases its dedupe
// key and records stats. Completed jobs are removed from Redis entirely;
// failed and dead-lettered ones stay visible until their TTL for debugging.
func (q *Queue) finishJob(ctx context.Context, job *Job, status JobStatus) {
	if status == JobStatusCompleted {
		q.client.Del(ctx, JobKeyPrefix+job.ID)
	} else {
		q.updateJob(ctx, job)
	}

	pipe := q.client.Pipeline()
	pipe.LRem(ctx, JobProcessingKey, 1, job.ID)
	pipe.Del(ctx, JobDedupeKeyPrefix+job.Key)
	pipe.HIncrBy(ctx, JobStatsKey, string(status), 1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Errorf("[JobQueue] Failed to finish job %s: %v", job.ID, err)
	}
}

// delayedScheduler moves jobs whose backoff has elapsed back to the pending
// queue
func (q *Queue) delayedScheduler(interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Delayed scheduler stopping")
			return
		case <-ticker.C:
			now := fmt.Sprintf("%d", time.Now().UnixMilli())
			ids, err := q.client.ZRangeByScore(ctx, JobDelayedKey, &redis.ZRangeBy{
				Min: "-inf",
				Max: now,
			}).Result()
			if err != nil {
				log.Errorf("[JobQueue] Delayed scheduler ZRangeByScore error: %v", err)
				continue
			}
			for _, id := range ids {
				removed, err := q.client.ZRem(ctx, JobDelayedKey, id).Result()
				if err != nil || removed == 0 {
					continue
				}
				if err := q.client.LPush(ctx, JobQueueKey, id).Err(); err != nil {
					log.Errorf("[JobQueue] Failed to requeue delayed job %s: %v", id, err)
				}
			}
		}
	}
}

// stuckSweeper periodically scans the processing list and requeues jobs stuck
// for longer than maxAge (worker crashed mid-attempt)
func (q *Queue) stuckSweeper(maxAge time.Duration, interval time.Duration) {
	defer q.wg.Done()
	log.Infof("[JobQueue] Stuck sweeper running (maxAge=%s, interval=%s)", maxAge, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Info("[JobQueue] Stuck sweeper stopping")
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
			if err != nil {
				log.Errorf("[JobQueue] Sweeper LRange error: %v", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
				if err != nil {
					if err != redis.Nil {
						log.Errorf("[JobQueue] Sweeper Get error for %s: %v", id, err)
					}
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				var job Job
				if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
					log.Errorf("[JobQueue] Sweeper unmarshal error for %s: %v", id, uerr)
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				if job.Status != JobStatusProcessing {
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					continue
				}
				started := job.ProcessedAt
				if started == nil || started.IsZero() {
					tmp := job.UpdatedAt
					if tmp.IsZero() {
						tmp = job.CreatedAt
					}
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					log.Warnf("[JobQueue] Recovering stuck job %s (key=%s), age=%s", job.ID, job.Key, now.Sub(*started))
					job.Status = JobStatusPending
					job.ErrorMsg = "recovered by sweeper"
					job.UpdatedAt = now
					q.updateJob(ctx, &job)
					_ = q.client.LRem(ctx, JobProcessingKey, 1, id).Err()
					_ = q.client.RPush(ctx, JobQueueKey, id).Err()
				}
			}
		}
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// GetJobStats returns statistics about job statuses
func (q *Queue) GetJobStats(ctx context.Context) (map[JobStatus]int64, error) {
	stats, err := q.client.HGetAll(ctx, JobStatsKey).Result()
	if err != nil {
		return nil, err
	}

	result := make(map[JobStatus]int64)
	for status, count := range stats {
		if countInt, err := json.Number(count).Int64(); err == nil {
			result[JobStatus(status)] = countInt
		}
	}
	return result, nil
}

// GetQueueSize returns the number of pending jobs
func (q *Queue) GetQueueSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobQueueKey).Result()
}

// GetProcessingSize returns the number of jobs being processed
func (q *Queue) GetProcessingSize(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, JobProcessingKey).Result()
}

// GetDelayedSize returns the number of jobs awaiting a retry
func (q *Queue) GetDelayedSize(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, JobDelayedKey).Result()
}
