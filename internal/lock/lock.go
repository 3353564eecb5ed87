// Package lock provides fail-fast exclusive locks keyed by project, session,
// and operation. A holder keeps the lock for the whole critical section,
// including long summarizer calls; a second caller is rejected instead of
// queued so it stays responsive and can retry.
package lock

import (
	"sync"
	"time"

	"github.com/flemzord/strata/internal/apperr"
)

// Op names the class of operation a lock serializes.
type Op string

// OpCompression covers every write that creates or mutates compression
// records of a session.
const OpCompression Op = "compression"

// Key identifies one lock.
type Key struct {
	Project string
	Session string
	Op      Op
}

// Holder describes a held lock.
type Holder struct {
	Key        Key
	AcquiredAt time.Time
}

// Table is a set of fail-fast locks. The zero value is not usable; create
// one with New.
type Table struct {
	mu   sync.Mutex
	held map[Key]Holder
	now  func() time.Time
}

// New creates an empty Table.
func New() *Table {
	return &Table{
		held: make(map[Key]Holder),
		now:  time.Now,
	}
}

// TryAcquire takes the lock for key or fails immediately with an InProgress
// error. The returned release func is idempotent and must be deferred by
// the caller.
func (t *Table) TryAcquire(key Key) (release func(), err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, busy := t.held[key]; busy {
		return nil, apperr.New(apperr.InProgress, "lock",
			"%s already in progress for session %s (since %s)",
			key.Op, key.Session, h.AcquiredAt.Format(time.RFC3339))
	}
	t.held[key] = Holder{Key: key, AcquiredAt: t.now()}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.held, key)
			t.mu.Unlock()
		})
	}, nil
}

// Do runs fn while holding the lock for key.
func (t *Table) Do(key Key, fn func() error) error {
	release, err := t.TryAcquire(key)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// Held reports whether key is currently locked.
func (t *Table) Held(key Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.held[key]
	return ok
}

// Len returns the number of held locks.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}
