package sessionstore

import (
	"sync"
)

// keyedMutex hands out one mutex per session id. Entries are never reaped;
// a session's mutex is a few dozen bytes and the id space per process is
// bounded by TTL expiry of the sessions themselves.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[int64]*sync.Mutex)}
}

// Lock blocks until the session's mutex is held and returns the release func.
func (k *keyedMutex) Lock(sessionID int64) func() {
	k.mu.Lock()
	m, ok := k.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		k.locks[sessionID] = m
	}
	k.mu.Unlock()

	m.Lock()
	return m.Unlock
}
