package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jiggy-ai/jiggy-ann-api/core"
)

const heartbeatInterval = 5 * time.Second

// Pool runs build tasks on a fixed number of goroutines fed from a
// bounded queue. Submission never blocks: a full queue is reported to the
// caller.
type Pool struct {
	lg        zerolog.Logger
	workers   int
	queue     chan func()
	stopCh    chan struct{}
	wg        sync.WaitGroup
	closed    atomic.Bool
	submitMu  sync.RWMutex
	active    atomic.Int32
	completed atomic.Int64
	heartbeat atomic.Int64 // unix nanos
}

// PoolStats is a point in time view of the pool
type PoolStats struct {
	Workers       int       `json:"workers"`
	Queued        int       `json:"queued"`
	QueueCapacity int       `json:"queue_capacity"`
	Active        int       `json:"active"`
	Completed     int64     `json:"completed"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// NewPool starts workers goroutines with room for queueSize waiting tasks
func NewPool(lg zerolog.Logger, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}

	p := &Pool{
		lg:      lg.With().Str("component", "pool").Logger(),
		workers: workers,
		queue:   make(chan func(), queueSize),
		stopCh:  make(chan struct{}),
	}
	p.beat()

	p.wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	go p.ticker()
	return p
}

func (p *Pool) beat() {
	p.heartbeat.Store(time.Now().UnixNano())
}

func (p *Pool) ticker() {
	defer p.wg.Done()
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-t.C:
			p.beat()
		}
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	p.active.Add(1)
	p.beat()
	defer func() {
		p.active.Add(-1)
		p.completed.Add(1)
		p.beat()
		if r := recover(); r != nil {
			p.lg.Error().Interface("panic", r).Msg("build task panicked")
		}
	}()
	task()
}

// TrySubmit enqueues task without blocking. It returns core.ErrQueueFull
// when every queue slot is taken and core.ErrPoolClosed after Close.
func (p *Pool) TrySubmit(task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return core.ErrPoolClosed
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return core.ErrQueueFull
	}
}

// Stats reports queue depth, active workers and the last heartbeat
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.workers,
		Queued:        len(p.queue),
		QueueCapacity: cap(p.queue),
		Active:        int(p.active.Load()),
		Completed:     p.completed.Load(),
		LastHeartbeat: time.Unix(0, p.heartbeat.Load()),
	}
}

// Close stops accepting tasks, lets the workers drain the queue and waits
// for them to exit
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.queue)
	p.submitMu.Unlock()

	p.wg.Wait()
}
