package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/replica/internal/catalog"
	"github.com/roach88/replica/internal/config"
	"github.com/roach88/replica/internal/engine"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/outbox"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replica"
	"github.com/roach88/replica/internal/replication"
	"github.com/roach88/replica/internal/testutil"
)

// Start is the virtual time every scenario begins at.
var Start = time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)

// DefaultTenant is the scope used when a scenario names none.
const DefaultTenant = "acme"

// Harness executes one scenario against a real runtime.
//
// The runtime's background loop is never started: every step calls the
// engine synchronously and the clock only moves on advance steps and
// retry backoff, so the same scenario always yields the same trace.
type Harness struct {
	rt     *replication.Runtime
	src    *remote.Memory
	mon    *network.Monitor
	clock  *testutil.FakeClock
	tenant string

	mu      sync.Mutex
	rejects map[string]bool // key -> terminal
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh cache in a temporary directory and
// an in-memory backend.
//
// Execution flow:
// 1. Compile the catalog and seed the backend
// 2. Open the runtime with a virtual clock
// 3. Execute the steps in order, recording one trace event each
// 4. Evaluate the assertions against the final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()

	cat, err := catalog.Compile(scenario.Name+".cue", []byte(scenario.Catalog))
	if err != nil {
		return nil, fmt.Errorf("failed to compile catalog: %w", err)
	}

	dir, err := os.MkdirTemp("", "replica-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	defer os.RemoveAll(dir)

	tenant := scenario.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(dir, "replica.db")
	cfg.Tenant = tenant

	clk := testutil.NewFakeClock(Start)
	h := &Harness{
		src:     remote.NewMemory(clk),
		mon:     network.NewMonitor(true),
		clock:   clk,
		tenant:  tenant,
		rejects: make(map[string]bool),
	}
	h.src.OnApply(h.applyHook)

	for i, r := range scenario.Remote {
		rec, err := h.record(r.Key, r.Payload, r.Deleted, r.At)
		if err != nil {
			return nil, fmt.Errorf("remote[%d]: %w", i, err)
		}
		h.src.Seed(tenant, r.Table, rec)
	}

	h.rt, err = replication.Open(ctx, cfg, cat, h.src,
		replication.WithClock(clk),
		replication.WithMonitor(h.mon),
		replication.WithLogger(zap.NewNop()))
	if err != nil {
		return nil, fmt.Errorf("failed to open runtime: %w", err)
	}
	defer h.rt.Close(ctx)

	result := NewResult()
	for i, step := range scenario.Steps {
		out, err := h.execute(ctx, step)
		result.addTrace(i, step, out, err)
	}

	actx := &AssertionContext{
		Ctx:     ctx,
		Runtime: h.rt,
		Remote:  h.src,
		Tenant:  tenant,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// execute runs one step and returns what it observed.
func (h *Harness) execute(ctx context.Context, s Step) (any, error) {
	switch s.Op {
	case OpPut:
		tbl, err := h.rt.Table(s.Table)
		if err != nil {
			return nil, err
		}
		payload, err := marshalPayload(s.Payload)
		if err != nil {
			return nil, err
		}
		rec, err := tbl.Put(ctx, h.tenant, s.Key, payload)
		if err != nil {
			return nil, err
		}
		return h.withOutbox(ctx, map[string]any{"payload": rec.Payload})

	case OpDelete:
		tbl, err := h.rt.Table(s.Table)
		if err != nil {
			return nil, err
		}
		if err := tbl.Delete(ctx, h.tenant, s.Key); err != nil {
			return nil, err
		}
		return h.withOutbox(ctx, map[string]any{})

	case OpGet:
		tbl, err := h.rt.Table(s.Table)
		if err != nil {
			return nil, err
		}
		rec, err := tbl.Get(ctx, h.tenant, s.Key)
		if errors.Is(err, replica.ErrNotFound) {
			return map[string]any{"found": false}, nil
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"found": true, "payload": rec.Payload}, nil

	case OpOffline, OpOnline:
		online := s.Op == OpOnline
		h.src.SetOnline(online)
		h.mon.SetOnline(online)
		return map[string]any{"online": online}, nil

	case OpSeed, OpRemote:
		rec, err := h.record(s.Key, s.Payload, s.Deleted, s.At)
		if err != nil {
			return nil, err
		}
		if s.Op == OpSeed {
			h.src.Seed(h.tenant, s.Table, rec)
			return nil, nil
		}
		// Nothing subscribes to the feed; the event is handed to the
		// engine the way the background loop would.
		h.src.Publish(ctx, h.tenant, s.Table, rec)
		ev := ir.ChangeEvent{Tenant: h.tenant, Table: s.Table, Record: rec}
		if err := h.rt.Engine().ApplyChange(ctx, ev); err != nil {
			return nil, err
		}
		return h.withOutbox(ctx, map[string]any{})

	case OpSync:
		report, err := h.rt.SyncAll(ctx)
		if err != nil {
			return nil, err
		}
		tables := make(map[string]any, len(report.Tables))
		for name, tr := range report.Tables {
			tables[name] = map[string]int{
				"pulled":    tr.Pulled,
				"applied":   tr.Applied,
				"removed":   tr.Removed,
				"conflicts": tr.Conflicts,
			}
		}
		return map[string]any{"tables": tables, "drain": drainTrace(report.Drain)}, nil

	case OpDrain:
		dr, err := h.rt.Engine().Drain(ctx)
		if errors.Is(err, engine.ErrOffline) {
			return map[string]any{"offline": true}, nil
		}
		if err != nil {
			return nil, err
		}
		return drainTrace(dr), nil

	case OpAdvance:
		h.clock.Advance(s.Duration)
		return map[string]any{"now": h.clock.Now().Format(time.RFC3339)}, nil

	case OpReject:
		h.mu.Lock()
		h.rejects[s.Key] = s.Terminal
		h.mu.Unlock()
		return nil, nil

	case OpAccept:
		h.mu.Lock()
		clear(h.rejects)
		h.mu.Unlock()
		return nil, nil

	case OpRetry:
		n, err := h.rt.Outbox().RetryFailed(ctx, h.tenant)
		if err != nil {
			return nil, err
		}
		return h.withOutbox(ctx, map[string]any{"retried": n})

	case OpClear:
		cleared, err := h.rt.Outbox().ClearFailed(ctx, h.tenant, "")
		if err != nil {
			return nil, err
		}
		return h.withOutbox(ctx, map[string]any{"cleared": len(cleared)})
	}
	return nil, fmt.Errorf("unknown op %q", s.Op)
}

// applyHook fails submissions for rejected keys.
func (h *Harness) applyHook(mut ir.Mutation, _ int) error {
	h.mu.Lock()
	terminal, rejected := h.rejects[mut.Key]
	h.mu.Unlock()
	if !rejected {
		return nil
	}
	if terminal {
		return remote.Terminal(fmt.Errorf("%s rejected", mut.Key))
	}
	return fmt.Errorf("%s rejected: %w", mut.Key, remote.ErrUnavailable)
}

// withOutbox adds the tenant's outbox counts to out.
func (h *Harness) withOutbox(ctx context.Context, out map[string]any) (map[string]any, error) {
	counts, err := h.rt.Outbox().Counts(ctx, h.tenant)
	if err != nil {
		return nil, err
	}
	out["outbox"] = map[string]int{
		"pending": counts[ir.StatusPending],
		"syncing": counts[ir.StatusSyncing],
		"failed":  counts[ir.StatusFailed],
	}
	return out, nil
}

// record builds a backend record. Without at, it is stamped with the
// current virtual time.
func (h *Harness) record(key string, payload any, deleted bool, at *time.Duration) (ir.Record, error) {
	rec := ir.Record{Key: key, Deleted: deleted, UpdatedAt: h.clock.Now()}
	if at != nil {
		rec.UpdatedAt = Start.Add(*at)
	}
	if deleted {
		return rec, nil
	}
	raw, err := marshalPayload(payload)
	if err != nil {
		return ir.Record{}, err
	}
	rec.Payload = raw
	return rec, nil
}

func drainTrace(dr outbox.DrainResult) map[string]int {
	return map[string]int{
		"succeeded": dr.Succeeded,
		"failed":    dr.Failed,
		"held":      dr.Held,
	}
}

// marshalPayload encodes a YAML-decoded payload as canonical JSON.
func marshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("payload is required")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return ir.CanonicalPayload(raw)
}
