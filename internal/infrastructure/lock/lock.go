package lock

import (
	"context"
	"sync"
	"time"

	"github.com/honeynil/PropertyTransactionService/internal/infrastructure/observability"
	pkgerrors "github.com/honeynil/PropertyTransactionService/pkg/errors"
)

// Release gives a lock back. It is safe to call exactly once.
type Release func()

// Locker grants exclusive, short-lived locks keyed by string. Acquire fails
// with ErrBusy when the lock cannot be obtained within the locker's bounded wait.
type Locker interface {
	Acquire(ctx context.Context, key string) (Release, error)
}

// Table is a process-wide lock table. Entries exist only while a key is held
// or awaited, so the table does not grow with the number of keys ever seen.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	wait    time.Duration
}

type entry struct {
	slot chan struct{}
	refs int
}

var _ Locker = (*Table)(nil)

func NewTable(wait time.Duration) *Table {
	return &Table{entries: make(map[string]*entry), wait: wait}
}

func (t *Table) Acquire(ctx context.Context, key string) (Release, error) {
	start := time.Now()
	e := t.ref(key)
	release := func() Release {
		observability.LockWait.WithLabelValues("local", "acquired").Observe(time.Since(start).Seconds())
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.slot
				t.unref(key)
			})
		}
	}

	select {
	case e.slot <- struct{}{}:
		return release(), nil
	default:
	}

	timer := time.NewTimer(t.wait)
	defer timer.Stop()

	select {
	case e.slot <- struct{}{}:
		return release(), nil
	case <-timer.C:
	case <-ctx.Done():
	}

	t.unref(key)
	observability.LockWait.WithLabelValues("local", "busy").Observe(time.Since(start).Seconds())
	return nil, pkgerrors.ErrBusy
}

func (t *Table) ref(key string) *entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		e = &entry{slot: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.refs++
	return e
}

func (t *Table) unref(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(t.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Chain acquires every locker in order and releases them in reverse. It lets a
// process-local table sit in front of a distributed lock so that contention
// inside one instance never reaches the network.
type Chain []Locker

func (c Chain) Acquire(ctx context.Context, key string) (Release, error) {
	held := make([]Release, 0, len(c))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, l := range c {
		release, err := l.Acquire(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

// Key helpers keep lock namespaces for the different aggregates apart.
func TransactionKey(id string) string {
	return "transaction:" + id
}

func UnitKey(id string) string {
	return "unit:" + id
}

func ClaimKey(id string) string {
	return "htb_claim:" + id
}

func ClaimTransactionKey(id string) string {
	return "htb_claim_transaction:" + id
}
