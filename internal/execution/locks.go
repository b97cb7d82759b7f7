package execution

import (
	"sync"

	"kraken-core/internal/core"
)

type lockKey struct {
	symbol string
	mode   core.ExecMode
}

// LockRegistry hands out one TradeLock per (symbol, mode). Acquisition never
// blocks: a held lock is reported busy.
type LockRegistry struct {
	mu   sync.Mutex
	held map[lockKey]string
}

func NewLockRegistry() *LockRegistry {
	return &LockRegistry{held: make(map[lockKey]string)}
}

// TryAcquire takes the lock for holder. The returned release is idempotent.
func (r *LockRegistry) TryAcquire(symbol string, mode core.ExecMode, holder string) (func(), bool) {
	key := lockKey{symbol: symbol, mode: mode}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[key]; busy {
		return nil, false
	}
	r.held[key] = holder
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.held[key] == holder {
				delete(r.held, key)
			}
		})
	}, true
}

// Holder returns who holds the lock for (symbol, mode), if anyone.
func (r *LockRegistry) Holder(symbol string, mode core.ExecMode) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	holder, ok := r.held[lockKey{symbol: symbol, mode: mode}]
	return holder, ok
}

func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.held)
}
