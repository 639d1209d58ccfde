package tracker

import (
	"sync"
	"time"
)

// sessionMap is the shared store of live session records. The per-session
// keylock serializes transitions; this mutex only protects map shape.
type sessionMap struct {
	mu sync.RWMutex
	m  map[string]*session
}

func newSessionMap() sessionMap {
	return sessionMap{m: make(map[string]*session)}
}

func (sm *sessionMap) get(id string) (*session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.m[id]
	return s, ok
}

func (sm *sessionMap) put(s *session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.m[s.id] = s
}

func (sm *sessionMap) delete(id string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	delete(sm.m, id)
}

func (sm *sessionMap) len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.m)
}

// ids returns the keys of the map so callers can lock each session
// individually instead of holding the map lock across field access.
func (sm *sessionMap) ids() []string {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]string, 0, len(sm.m))
	for id := range sm.m {
		out = append(out, id)
	}
	return out
}

type deviceMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func newDeviceMap() deviceMap {
	return deviceMap{m: make(map[string]string)}
}

func (dm *deviceMap) get(key string) (string, bool) {
	dm.mu.RLock()
	defer dm.mu.RUnlock()
	id, ok := dm.m[key]
	return id, ok
}

func (dm *deviceMap) put(key, sessionID string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	dm.m[key] = sessionID
}

// deleteIf removes the entry only while it still points at sessionID, so a
// replacement registered in the meantime is not clobbered.
func (dm *deviceMap) deleteIf(key, sessionID string) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.m[key] == sessionID {
		delete(dm.m, key)
	}
}

type deviceTimeMap struct {
	mu sync.RWMutex
	m  map[string]time.Time
}

func newDeviceTimeMap() deviceTimeMap {
	return deviceTimeMap{m: make(map[string]time.Time)}
}

func (dt *deviceTimeMap) get(key string) (time.Time, bool) {
	dt.mu.RLock()
	defer dt.mu.RUnlock()
	at, ok := dt.m[key]
	return at, ok
}

func (dt *deviceTimeMap) put(key string, at time.Time) {
	dt.mu.Lock()
	defer dt.mu.Unlock()
	dt.m[key] = at
}

// historyMap keeps a bounded ring of finished sessions per user, oldest
// entries dropped first. An id index over the retained entries lets the
// tracker tell "already ended" apart from "never existed".
type historyMap struct {
	mu    sync.RWMutex
	limit int
	m     map[string][]Session
	byID  map[string]Session
}

func newHistoryMap(limit int) historyMap {
	return historyMap{
		limit: limit,
		m:     make(map[string][]Session),
		byID:  make(map[string]Session),
	}
}

func (hm *historyMap) append(userID string, s Session) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	entries := append(hm.m[userID], s)
	for len(entries) > hm.limit {
		delete(hm.byID, entries[0].ID)
		entries = entries[1:]
	}
	hm.m[userID] = entries
	hm.byID[s.ID] = s
}

func (hm *historyMap) find(sessionID string) (Session, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	s, ok := hm.byID[sessionID]
	return s, ok
}

func (hm *historyMap) get(userID string) []Session {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	entries := hm.m[userID]
	out := make([]Session, len(entries))
	copy(out, entries)
	return out
}
