package syncjob

import "sync"

// keyedLocks serializes jobs that touch the same entity. Single-entity
// jobs hold the connection lock shared plus their entity lock
// exclusive; multi-entity jobs hold the connection lock exclusive, so
// they never overlap anything on the same connection.
type keyedLocks struct {
	mu       sync.Mutex
	conns    map[string]*sync.RWMutex
	entities map[string]*sync.Mutex
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{
		conns:    make(map[string]*sync.RWMutex),
		entities: make(map[string]*sync.Mutex),
	}
}

func (k *keyedLocks) conn(id string) *sync.RWMutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.conns[id]
	if !ok {
		l = &sync.RWMutex{}
		k.conns[id] = l
	}
	return l
}

func (k *keyedLocks) entity(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.entities[key]
	if !ok {
		l = &sync.Mutex{}
		k.entities[key] = l
	}
	return l
}

// lock acquires the serialization domain for job and returns the
// matching unlock.
func (k *keyedLocks) lock(job *SyncJob) func() {
	cl := k.conn(job.ConnectionID)
	if len(job.EntityIDs) != 1 {
		cl.Lock()
		return cl.Unlock
	}
	cl.RLock()
	el := k.entity(job.EntityKey())
	el.Lock()
	return func() {
		el.Unlock()
		cl.RUnlock()
	}
}
