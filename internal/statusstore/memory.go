package statusstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const memorySweepInterval = 30 * time.Second

// MemoryKV is an in-process KV. It backs tests, the memory backend and the degraded-mode mirror.
type MemoryKV struct {
	mu       sync.RWMutex
	records  map[string]*memoryEntry
	shutdown chan struct{}
	once     sync.Once
	now      func() time.Time
}

type memoryEntry struct {
	mu    sync.Mutex
	entry Entry
}

// NewMemoryKV creates a memory-backed KV and starts its expiry sweeper.
func NewMemoryKV() *MemoryKV {
	kv := newMemoryKV()
	go kv.sweepExpired(memorySweepInterval)
	return kv
}

func newMemoryKV() *MemoryKV {
	kv := new(MemoryKV)
	kv.records = make(map[string]*memoryEntry)
	kv.shutdown = make(chan struct{})
	kv.now = time.Now
	return kv
}

// Put stores a copy of the entry under its key.
func (m *MemoryKV) Put(ctx context.Context, entry Entry) error {
	if strings.TrimSpace(entry.Key) == "" {
		return fmt.Errorf("memory kv: key required")
	}
	if err := ctxErr(ctx, "put"); err != nil {
		return err
	}
	m.mu.Lock()
	e, exists := m.records[entry.Key]
	if !exists {
		e = new(memoryEntry)
		m.records[entry.Key] = e
	}
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.entry = cloneEntry(entry)
	return nil
}

// Get returns a copy of the entry stored under key.
func (m *MemoryKV) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctxErr(ctx, "get"); err != nil {
		return Entry{}, err
	}
	m.mu.RLock()
	e, ok := m.records[key]
	m.mu.RUnlock()
	if !ok {
		return Entry{}, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneEntry(e.entry), nil
}

// Delete removes key; deleting a missing key is not an error.
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	if err := ctxErr(ctx, "delete"); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.records, key)
	m.mu.Unlock()
	return nil
}

// List returns copies of all entries whose key starts with prefix, ordered by key.
func (m *MemoryKV) List(ctx context.Context, prefix string) ([]Entry, error) {
	if err := ctxErr(ctx, "list"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	held := make([]*memoryEntry, 0, len(m.records))
	for key, e := range m.records {
		if strings.HasPrefix(key, prefix) {
			held = append(held, e)
		}
	}
	m.mu.RUnlock()

	out := make([]Entry, 0, len(held))
	for _, e := range held {
		e.mu.Lock()
		out = append(out, cloneEntry(e.entry))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DeleteExpired drops entries under prefix whose expiry elapsed at now.
func (m *MemoryKV) DeleteExpired(ctx context.Context, prefix string, now time.Time) (int, error) {
	if err := ctxErr(ctx, "sweep"); err != nil {
		return 0, err
	}
	removed := 0
	m.mu.Lock()
	for key, e := range m.records {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		e.mu.Lock()
		expired := e.entry.Expired(now)
		e.mu.Unlock()
		if expired {
			delete(m.records, key)
			removed++
		}
	}
	m.mu.Unlock()
	return removed, nil
}

// Len returns the number of stored entries.
func (m *MemoryKV) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close stops background maintenance routines.
func (m *MemoryKV) Close() error {
	m.once.Do(func() { close(m.shutdown) })
	return nil
}

func (m *MemoryKV) sweepExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.shutdown:
			return
		case <-ticker.C:
			_, _ = m.DeleteExpired(context.Background(), "", m.now().UTC())
		}
	}
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	if entry.Value != nil {
		clone.Value = append([]byte(nil), entry.Value...)
	}
	return clone
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory kv %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

var (
	_ KV            = (*MemoryKV)(nil)
	_ ExpirySweeper = (*MemoryKV)(nil)
)
