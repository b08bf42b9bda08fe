package remote

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/replica/internal/clock"
	"github.com/roach88/replica/internal/ir"
)

type memoryEntry struct {
	record  ir.Record
	version int64
}

// Memory is an in-process Source. It backs tests and the demo command.
//
// Every stored change gets a monotonically increasing version that doubles
// as the Pull cursor. Apply does not echo the change on the feed; Publish
// does, standing in for a write made by another client.
//
// Thread-safety: all methods are safe for concurrent use.
type Memory struct {
	mu       sync.Mutex
	clock    clock.Clock
	online   bool
	version  int64
	data     map[string]map[string]memoryEntry // tenant/table -> key -> entry
	applied  []ir.Mutation
	attempts map[string]int
	fetches  int
	hook     func(ir.Mutation, int) error
	subs     map[chan ir.ChangeEvent]context.Context
}

// NewMemory creates an empty, online source.
func NewMemory(clk clock.Clock) *Memory {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Memory{
		clock:    clk,
		online:   true,
		data:     make(map[string]map[string]memoryEntry),
		attempts: make(map[string]int),
		subs:     make(map[chan ir.ChangeEvent]context.Context),
	}
}

func scope(tenant, table string) string {
	return tenant + "/" + table
}

// SetOnline switches reachability. While offline every call fails with
// ErrUnavailable.
func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online = online
}

// OnApply installs a hook consulted before each Apply. attempt counts
// submissions of the same mutation ID, starting at 1. A non-nil return
// fails the submission with that error.
func (m *Memory) OnApply(hook func(mut ir.Mutation, attempt int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = hook
}

// Seed stores records without notifying subscribers.
func (m *Memory) Seed(tenant, table string, records ...ir.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.storeLocked(tenant, table, rec)
	}
}

// Publish stores rec and delivers it on the change feed.
func (m *Memory) Publish(ctx context.Context, tenant, table string, rec ir.Record) {
	m.mu.Lock()
	m.storeLocked(tenant, table, rec)
	subs := make(map[chan ir.ChangeEvent]context.Context, len(m.subs))
	for ch, subCtx := range m.subs {
		subs[ch] = subCtx
	}
	m.mu.Unlock()

	ev := ir.ChangeEvent{Tenant: tenant, Table: table, Record: rec}
	for ch, subCtx := range subs {
		select {
		case ch <- ev:
		case <-subCtx.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (m *Memory) storeLocked(tenant, table string, rec ir.Record) {
	s := scope(tenant, table)
	if m.data[s] == nil {
		m.data[s] = make(map[string]memoryEntry)
	}
	m.version++
	m.data[s][rec.Key] = memoryEntry{record: rec, version: m.version}
}

// Fetch implements Source.
func (m *Memory) Fetch(ctx context.Context, tenant, table, key string) (ir.Record, error) {
	if err := ctx.Err(); err != nil {
		return ir.Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if !m.online {
		return ir.Record{}, fmt.Errorf("fetch %s/%s: %w", table, key, ErrUnavailable)
	}
	e, ok := m.data[scope(tenant, table)][key]
	if !ok || e.record.Deleted {
		return ir.Record{}, fmt.Errorf("fetch %s/%s: %w", table, key, ErrNotFound)
	}
	return e.record, nil
}

// Pull implements Source.
func (m *Memory) Pull(ctx context.Context, tenant, table string, cursor int64) ([]ir.Record, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, cursor, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return nil, cursor, fmt.Errorf("pull %s: %w", table, ErrUnavailable)
	}

	var entries []memoryEntry
	for _, e := range m.data[scope(tenant, table)] {
		if e.version > cursor {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].version < entries[j].version })

	next := cursor
	out := make([]ir.Record, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.record)
		next = e.version
	}
	return out, next, nil
}

// Apply implements Source. A delete mutation leaves a deleted record; any
// other type replaces the payload. The server stamps updated_at.
func (m *Memory) Apply(ctx context.Context, mut ir.Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.online {
		return fmt.Errorf("apply %s: %w", mut.ID, ErrUnavailable)
	}
	m.attempts[mut.ID]++
	if m.hook != nil {
		if err := m.hook(mut, m.attempts[mut.ID]); err != nil {
			return err
		}
	}

	rec := ir.Record{
		Key:       mut.Key,
		Payload:   mut.Payload,
		UpdatedAt: m.clock.Now(),
		Deleted:   mut.Type == ir.MutationDelete,
	}
	if rec.Deleted {
		rec.Payload = nil
	}
	m.storeLocked(mut.Tenant, mut.Table, rec)
	m.applied = append(m.applied, mut)
	return nil
}

// Changes implements Source.
func (m *Memory) Changes(ctx context.Context) (<-chan ir.ChangeEvent, error) {
	ch := make(chan ir.ChangeEvent, 16)

	m.mu.Lock()
	m.subs[ch] = ctx
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}()
	return ch, nil
}

// Applied returns every successfully applied mutation in order.
func (m *Memory) Applied() []ir.Mutation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ir.Mutation, len(m.applied))
	copy(out, m.applied)
	return out
}

// Attempts returns how many times the mutation ID was submitted while
// online.
func (m *Memory) Attempts(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[id]
}

// Fetches returns how many Fetch calls were made.
func (m *Memory) Fetches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetches
}

// Record returns the stored version of key, if any.
func (m *Memory) Record(tenant, table, key string) (ir.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[scope(tenant, table)][key]
	return e.record, ok
}
