package tracker

import (
	"time"
)

// Start launches the idle-session sweep. Sessions whose last activity is
// older than the idle timeout are force-disconnected so capacity held by
// vanished clients is reclaimed.
func (t *Tracker) Start() {
	if t.started.Swap(true) {
		return
	}
	go t.run()
}

func (t *Tracker) run() {
	defer close(t.done)
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	t.logger.Infof("Idle sweep running every %v (timeout %v)", t.cfg.SweepInterval, t.cfg.IdleTimeout)

	for {
		select {
		case <-t.stopCh:
			return
		case now := <-ticker.C:
			t.Sweep(now)
		}
	}
}

// Stop halts the sweep loop and waits for the current pass to finish. Safe
// to call more than once, from multiple goroutines, and before Start.
func (t *Tracker) Stop() {
	if t.stopped.Swap(true) {
		return
	}
	close(t.stopCh)
	if t.started.Load() {
		<-t.done
	}
}

// Sweep runs one idle-detection pass at the given time. A Ticker drops
// ticks when the receiver is slow, so passes never overlap or queue up.
func (t *Tracker) Sweep(now time.Time) {
	for _, id := range t.sessions.ids() {
		t.sweepOne(id, now)
	}
}

func (t *Tracker) sweepOne(sessionID string, now time.Time) {
	unlock := t.locks.Lock(sessionID)
	defer unlock()

	s, ok := t.sessions.get(sessionID)
	if !ok {
		return
	}
	if s.state != StateConnected {
		return
	}
	if now.Sub(s.lastActivity) < t.cfg.IdleTimeout {
		return
	}
	t.logger.Warnf("Session %s idle for %v, reaping", sessionID, now.Sub(s.lastActivity))
	s.state = StateDisconnecting
	if err := t.terminate(sessionID, StateDisconnected, ReasonIdleTimeout); err != nil {
		t.logger.Errorf("Reaping session %s: %v", sessionID, err)
	}
}
