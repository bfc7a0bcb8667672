package store

import (
	"sync"

	"github.com/solatis/l7plane/internal/types"
)

// Locker is a keyed mutex serializing work per listener. Mutations and
// compile reads for one listener take its lock; different listeners never
// contend.
type Locker struct {
	mu    sync.Mutex
	locks map[types.ListenerID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocker creates an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[types.ListenerID]*refLock)}
}

// Lock acquires the listener's lock and returns its release func.
func (l *Locker) Lock(id types.ListenerID) (unlock func()) {
	l.mu.Lock()
	rl, ok := l.locks[id]
	if !ok {
		rl = &refLock{}
		l.locks[id] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
