package runs

import "sync"

// sessionLockMap provides a per-session mutex so enqueue and stop cannot
// interleave their check-then-act sequences on the same session
type sessionLockMap struct {
	locks sync.Map // session id -> *sync.RWMutex
}

func (m *sessionLockMap) get(sessionID string) *sync.RWMutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.RWMutex{})
	rw, _ := lock.(*sync.RWMutex)
	return rw
}

// Lock acquires the exclusive lock for a session
func (m *sessionLockMap) Lock(sessionID string) {
	m.get(sessionID).Lock()
}

// Unlock releases the exclusive lock for a session
func (m *sessionLockMap) Unlock(sessionID string) {
	m.get(sessionID).Unlock()
}

// RLock acquires a shared lock for a session
func (m *sessionLockMap) RLock(sessionID string) {
	m.get(sessionID).RLock()
}

// RUnlock releases a shared lock for a session
func (m *sessionLockMap) RUnlock(sessionID string) {
	m.get(sessionID).RUnlock()
}
