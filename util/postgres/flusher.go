package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/tracker"
	"github.com/vpn-enterprise/vpncore/util/backoff"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/workerpool"
)

const (
	defaultFlushInterval = 30 * time.Second
	flushWorkers         = 4
)

// Store is the archive surface the flusher writes to. *DB implements it.
type Store interface {
	SaveServer(ctx context.Context, node registry.ServerNode) error
	SaveSession(ctx context.Context, s tracker.Session) error
}

// Flusher periodically writes server snapshots and finished sessions to the
// archive store. Failed session writes stay queued and retry with backoff on
// later passes, so a database outage delays archiving instead of losing it.
type Flusher struct {
	store    Store
	registry *registry.Registry
	interval time.Duration
	pool     *workerpool.WorkerPool
	retry    *backoff.Backoff
	logger   *logger.Logger

	mu      sync.Mutex
	pending []tracker.Session

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

// NewFlusher creates a flusher. A non-positive interval selects the
// default.
func NewFlusher(store Store, reg *registry.Registry, interval time.Duration) *Flusher {
	if interval <= 0 {
		interval = defaultFlushInterval
	}
	pool := workerpool.New(context.Background(), flushWorkers)
	pool.Start()
	return &Flusher{
		store:    store,
		registry: reg,
		interval: interval,
		pool:     pool,
		retry:    backoff.New(time.Second, time.Minute, 2.0),
		logger:   logger.NewLogger("Flusher"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// EnqueueSession queues a finished session for archiving. Wired as the
// tracker's OnSessionEnded hook; it only appends and never blocks on I/O.
func (f *Flusher) EnqueueSession(s tracker.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, s)
}

// Pending returns the number of sessions waiting to be archived.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Start launches the periodic flush loop.
func (f *Flusher) Start() {
	if f.started.Swap(true) {
		return
	}
	go f.run()
}

func (f *Flusher) run() {
	defer close(f.done)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	f.logger.Infof("Archiving every %v", f.interval)

	for {
		select {
		case <-f.stopCh:
			// Final pass so sessions ended just before shutdown land in
			// the archive.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			f.Flush(ctx)
			cancel()
			return
		case <-ticker.C:
			f.Flush(context.Background())
		}
	}
}

// Stop halts the loop after one last flush. Safe to call more than once,
// from multiple goroutines, and before Start.
func (f *Flusher) Stop() {
	if f.stopped.Swap(true) {
		return
	}
	close(f.stopCh)
	if f.started.Load() {
		<-f.done
	}
	f.pool.Stop()
}

// Flush writes one batch: every current server snapshot plus all queued
// finished sessions. Sessions that fail to write are re-queued.
func (f *Flusher) Flush(ctx context.Context) {
	f.mu.Lock()
	sessions := f.pending
	f.pending = nil
	f.mu.Unlock()

	tasks := make([]workerpool.Task, 0, len(sessions)+4)
	for _, node := range f.registry.List() {
		node := node
		tasks = append(tasks, func(ctx context.Context) error {
			return f.store.SaveServer(ctx, node)
		})
	}

	// Track confirmed session writes so anything unconfirmed, whether the
	// write failed or the pass was cut short, is re-queued.
	var savedMu sync.Mutex
	saved := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		s := s
		tasks = append(tasks, func(ctx context.Context) error {
			if err := f.store.SaveSession(ctx, s); err != nil {
				return err
			}
			savedMu.Lock()
			saved[s.ID] = true
			savedMu.Unlock()
			return nil
		})
	}

	if len(tasks) == 0 {
		return
	}

	errs := 0
	for _, res := range f.pool.SubmitAndWait(ctx, tasks) {
		if res.Err != nil {
			errs++
		}
	}

	savedMu.Lock()
	var unsaved []tracker.Session
	for _, s := range sessions {
		if !saved[s.ID] {
			unsaved = append(unsaved, s)
		}
	}
	savedMu.Unlock()

	if errs == 0 && len(unsaved) == 0 {
		f.retry.Reset()
		return
	}
	if len(unsaved) > 0 {
		f.mu.Lock()
		f.pending = append(unsaved, f.pending...)
		f.mu.Unlock()
	}
	f.logger.Warnf("Flush finished with %d failed writes, retrying in %v", errs, f.retry.CurrentDelay())
	if err := f.retry.Wait(ctx); err != nil {
		return
	}
}
