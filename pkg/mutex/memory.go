package mutex

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type waiter struct {
	holder   string
	priority int
	seq      uint64
	seen     time.Time
}

type lease struct {
	holder  string
	expires time.Time
	waiters []waiter
}

// MemoryTable is an in-process Table.
type MemoryTable struct {
	clock  clockwork.Clock
	mu     sync.Mutex
	seq    uint64
	leases map[string]*lease
}

func NewMemoryTable(clock clockwork.Clock) *MemoryTable {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &MemoryTable{
		clock:  clock,
		leases: make(map[string]*lease),
	}
}

func (m *MemoryTable) TryAcquire(_ context.Context, key, holder string, priority int, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	l, ok := m.leases[key]
	if !ok {
		l = &lease{}
		m.leases[key] = l
	}

	l.waiters = slices.DeleteFunc(l.waiters, func(w waiter) bool {
		return w.holder != holder && now.Sub(w.seen) > ttl
	})

	held := l.holder != "" && now.Before(l.expires)

	if held && l.holder == holder {
		l.expires = now.Add(ttl)

		return true, nil
	}

	if held || (len(l.waiters) > 0 && l.waiters[0].holder != holder) {
		m.enqueue(l, holder, priority, now)

		return false, nil
	}

	l.holder = holder
	l.expires = now.Add(ttl)
	l.waiters = slices.DeleteFunc(l.waiters, func(w waiter) bool { return w.holder == holder })

	return true, nil
}

func (m *MemoryTable) enqueue(l *lease, holder string, priority int, now time.Time) {
	for i := range l.waiters {
		if l.waiters[i].holder == holder {
			l.waiters[i].seen = now

			return
		}
	}

	m.seq++
	l.waiters = append(l.waiters, waiter{holder: holder, priority: priority, seq: m.seq, seen: now})

	slices.SortStableFunc(l.waiters, func(a, b waiter) int {
		if c := cmp.Compare(b.priority, a.priority); c != 0 {
			return c
		}

		return cmp.Compare(a.seq, b.seq)
	})
}

func (m *MemoryTable) Release(_ context.Context, key, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok {
		return nil
	}

	if l.holder == holder {
		l.holder = ""
	}

	l.waiters = slices.DeleteFunc(l.waiters, func(w waiter) bool { return w.holder == holder })

	if l.holder == "" && len(l.waiters) == 0 {
		delete(m.leases, key)
	}

	return nil
}

func (m *MemoryTable) Renew(_ context.Context, key, holder string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()

	l, ok := m.leases[key]
	if !ok || l.holder != holder || !now.Before(l.expires) {
		return ErrNotHolder
	}

	l.expires = now.Add(ttl)

	return nil
}

func (m *MemoryTable) Holder(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.leases[key]
	if !ok || !m.clock.Now().Before(l.expires) {
		return "", nil
	}

	return l.holder, nil
}

func (m *MemoryTable) Close() error {
	return nil
}
