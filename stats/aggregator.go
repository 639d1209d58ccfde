// Package stats rolls per-session activity samples into per-server
// throughput figures and per-user usage totals. The aggregator only
// measures: it feeds load numbers back into the registry but never touches
// session or health state.
package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vpn-enterprise/vpncore/registry"
	"github.com/vpn-enterprise/vpncore/tracker"
	"github.com/vpn-enterprise/vpncore/util/logger"
	"github.com/vpn-enterprise/vpncore/util/taskpool"
)

const defaultWindow = 60 * time.Second

// Config tunes aggregation. The zero value gets defaults.
type Config struct {
	// Window is the length of the rolling throughput window per server.
	Window time.Duration
}

// Usage is a user's cumulative transfer totals across all sessions.
type Usage struct {
	BytesIn  uint64
	BytesOut uint64
	// LastSample is when the user last produced traffic.
	LastSample time.Time
}

// serverWindow accumulates bytes for one server over the current window.
type serverWindow struct {
	start time.Time
	bytes uint64
}

// Aggregator consumes samples from the connection tracker. Per-server folds
// are serialized through a task pool keyed by server id, so samples for one
// server apply in order while servers aggregate in parallel.
type Aggregator struct {
	registry *registry.Registry
	cfg      Config
	pool     *taskpool.TaskPool
	logger   *logger.Logger

	mu      sync.RWMutex
	windows map[string]*serverWindow
	users   map[string]*Usage

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	done    chan struct{}
}

var _ tracker.SampleSink = (*Aggregator)(nil)

func NewAggregator(reg *registry.Registry, cfg Config) *Aggregator {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	return &Aggregator{
		registry: reg,
		cfg:      cfg,
		pool:     taskpool.New(),
		logger:   logger.NewLogger("Stats"),
		windows:  make(map[string]*serverWindow),
		users:    make(map[string]*Usage),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// ConsumeSample queues one sample for aggregation. It never blocks the
// caller on the fold itself.
func (a *Aggregator) ConsumeSample(serverID, userID string, sample tracker.Sample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	a.pool.Submit(serverID, func(ctx context.Context) {
		a.fold(serverID, userID, sample)
	})
}

// UserUsage returns the user's cumulative totals.
func (a *Aggregator) UserUsage(userID string) Usage {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if u, ok := a.users[userID]; ok {
		return *u
	}
	return Usage{}
}

// ServerWindowBytes returns the bytes accumulated in the server's current
// window (for testing and inspection).
func (a *Aggregator) ServerWindowBytes(serverID string) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if w, ok := a.windows[serverID]; ok {
		return w.bytes
	}
	return 0
}

// Start launches the window-roll loop, which closes out each server's
// window on schedule even when no further samples arrive.
func (a *Aggregator) Start() {
	if a.started.Swap(true) {
		return
	}
	go a.run()
}

func (a *Aggregator) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Window)
	defer ticker.Stop()
	a.logger.Infof("Aggregating throughput over %v windows", a.cfg.Window)

	for {
		select {
		case <-a.stopCh:
			return
		case now := <-ticker.C:
			a.RollWindows(now)
		}
	}
}

// Stop halts the roll loop and the fold workers. Safe to call more than
// once, from multiple goroutines, and before Start.
func (a *Aggregator) Stop() {
	if a.stopped.Swap(true) {
		return
	}
	close(a.stopCh)
	if a.started.Load() {
		<-a.done
	}
	a.pool.Stop()
}

// RollWindows publishes and resets every server window that has run its
// course at the given time.
func (a *Aggregator) RollWindows(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for serverID, w := range a.windows {
		if now.Sub(w.start) >= a.cfg.Window {
			a.publishLocked(serverID, w, now)
		}
	}
}

// fold applies one sample to its server window and the user totals. It runs
// on the task-pool worker for the server's key.
func (a *Aggregator) fold(serverID, userID string, sample tracker.Sample) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[serverID]
	if !ok {
		w = &serverWindow{start: sample.Timestamp}
		a.windows[serverID] = w
	}
	if sample.Timestamp.Sub(w.start) >= a.cfg.Window {
		a.publishLocked(serverID, w, sample.Timestamp)
	}
	w.bytes += sample.BytesIn + sample.BytesOut

	u, ok := a.users[userID]
	if !ok {
		u = &Usage{}
		a.users[userID] = u
	}
	u.BytesIn += sample.BytesIn
	u.BytesOut += sample.BytesOut
	if sample.Timestamp.After(u.LastSample) {
		u.LastSample = sample.Timestamp
	}
}

// publishLocked closes a window: it reports the average throughput over the
// elapsed span to the registry and starts a fresh window. Callers hold a.mu.
func (a *Aggregator) publishLocked(serverID string, w *serverWindow, now time.Time) {
	elapsed := now.Sub(w.start).Seconds()
	if elapsed <= 0 {
		elapsed = a.cfg.Window.Seconds()
	}
	bps := float64(w.bytes) / elapsed
	if err := a.registry.SetThroughput(serverID, bps, now); err != nil {
		// The server may have been decommissioned mid-window.
		a.logger.Debugf("Publishing throughput for %s: %v", serverID, err)
		delete(a.windows, serverID)
		return
	}
	a.logger.Debugf("Server %s: %.0f B/s over %.1fs", serverID, bps, elapsed)
	w.start = now
	w.bytes = 0
}
