package jobqueue

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

const (
	// ProcessingLeaseTimeout mirrors StuckJobMaxAge on the event-store side:
	// events claimed longer than this without resolution are released so
	// another worker can retry them.
	ProcessingLeaseTimeout = 10 * time.Minute

	leaseSweepInterval = time.Minute
)

// LeaseReleaser frees events stuck in the processing status after a worker
// crash. Implemented by the event repository.
type LeaseReleaser interface {
	ReleaseExpired(olderThan time.Time) (int64, error)
}

// Manager owns the job queue and its background tasks. It is explicitly
// constructed and injected, never a process-wide singleton, so tests can run
// isolated instances.
type Manager struct {
	queue       *Queue
	leases      LeaseReleaser
	leaseTicker *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewManager creates a manager for the given queue. leases may be nil when
// no event store is attached (tests).
func NewManager(queue *Queue, leases LeaseReleaser) *Manager {
	return &Manager{
		queue:  queue,
		leases: leases,
		stopCh: make(chan struct{}),
	}
}

// GetQueue returns the managed job queue
func (m *Manager) GetQueue() *Queue {
	return m.queue
}

// Start starts the job queue and background tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so the manager can be
	// restarted safely.
	m.stopCh = make(chan struct{})
	m.running = true
	log.Info("[JobQueue Manager] Starting job queue and background tasks")

	m.queue.Start()

	if m.leases != nil {
		m.leaseTicker = time.NewTicker(leaseSweepInterval)
		m.wg.Add(1)
		go m.leaseWorker()
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the job queue and background tasks
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}

	log.Info("[JobQueue Manager] Stopping job queue and background tasks...")

	if m.leaseTicker != nil {
		m.leaseTicker.Stop()
	}

	close(m.stopCh)
	m.running = false
	m.wg.Wait()

	m.queue.Stop()

	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// leaseWorker periodically releases events whose processing lease expired
func (m *Manager) leaseWorker() {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Lease worker running (timeout=%s)", ProcessingLeaseTimeout)

	for {
		select {
		case <-m.stopCh:
			log.Info("[JobQueue Manager] Lease worker stopping")
			return
		case <-m.leaseTicker.C:
			released, err := m.leases.ReleaseExpired(time.Now().Add(-ProcessingLeaseTimeout))
			if err != nil {
				log.Errorf("[JobQueue Manager] Lease release error: %v", err)
				continue
			}
			if released > 0 {
				log.Warnf("[JobQueue Manager] Released %d expired processing leases", released)
			}
		}
	}
}
