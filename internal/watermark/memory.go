package watermark

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	holder  string
	expires time.Time
}

// Memory is an in-process Store.
type Memory struct {
	mu         sync.Mutex
	now        func() time.Time
	watermarks map[string]time.Time
	leases     map[string]lease
}

func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{now: now, watermarks: make(map[string]time.Time), leases: make(map[string]lease)}
}

func (m *Memory) Get(ctx context.Context, prefix string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.watermarks[prefix]; ok {
		return ts, nil
	}
	return Epoch, nil
}

func (m *Memory) Advance(ctx context.Context, prefix string, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts = Truncate(ts)
	if cur, ok := m.watermarks[prefix]; !ok || ts.After(cur) {
		m.watermarks[prefix] = ts
	}
	return nil
}

func (m *Memory) Acquire(ctx context.Context, prefix, holder string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.leases[prefix]; ok && l.holder != holder && now.Before(l.expires) {
		return false, nil
	}
	m.leases[prefix] = lease{holder: holder, expires: now.Add(ttl)}
	return true, nil
}

func (m *Memory) Release(ctx context.Context, prefix, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.leases[prefix]; ok && l.holder == holder {
		delete(m.leases, prefix)
	}
	return nil
}
