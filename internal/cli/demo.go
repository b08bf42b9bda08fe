package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/network"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replica"
	"github.com/roach88/replica/internal/replication"
)

// DemoOptions holds flags for the demo command.
type DemoOptions struct {
	*RootOptions
	Table   string
	Timeout time.Duration
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DemoOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through an offline write and reconnect against an in-memory backend",
		Long: `Run the replica cache against an in-memory backend and walk through the
offline-first cycle: initial sync, writes queued while offline, the drain on
reconnect and a change pushed by the backend.

Without --db the cache lives in a temporary directory that is removed
afterwards.

Example:
  replicactl demo
  replicactl demo --table run_status --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Table, "table", "scores", "catalog table to write to")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "how long to wait for each step")

	return cmd
}

type demoStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail"`
}

type demoReport struct {
	Tenant  string             `json:"tenant"`
	Table   string             `json:"table"`
	Steps   []demoStep         `json:"steps"`
	Stats   replication.Stats  `json:"stats"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

func (r *demoReport) add(step, format string, args ...any) {
	r.Steps = append(r.Steps, demoStep{Step: step, Detail: fmt.Sprintf(format, args...)})
}

func (r demoReport) renderText(w io.Writer) error {
	for i, s := range r.Steps {
		fmt.Fprintf(w, "%d. %-10s %s\n", i+1, s.Step, s.Detail)
	}
	fmt.Fprintln(w)
	if err := (statsResult{r.Stats}).renderText(w); err != nil {
		return err
	}
	renderMetrics(w, r.Metrics)
	return nil
}

func runDemo(opts *DemoOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := commandContext(cmd)

	local := *opts.RootOptions
	if local.DB == "" {
		dir, err := os.MkdirTemp("", "replicactl-demo-*")
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStorage, "failed to create temporary cache", err)
		}
		defer os.RemoveAll(dir)
		local.DB = filepath.Join(dir, "demo.db")
	}

	src := remote.NewMemory(nil)
	mon := network.NewMonitor(true)
	s, err := local.open(cmd, f, src, mon)
	if err != nil {
		return err
	}
	defer s.close(ctx)

	tbl, err := s.rt.Table(opts.Table)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("table %s", opts.Table), err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := s.rt.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			f.VerboseLog("runtime stopped: %v", err)
		}
	}()

	tenant := s.rt.Tenant()
	report := demoReport{Tenant: tenant, Table: opts.Table}

	if err := demoWalk(ctx, opts, s.rt, src, mon, tbl, &report); err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "demo failed", err)
	}

	report.Stats, err = s.rt.GetCacheStats(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to read cache statistics", err)
	}
	if s.registry != nil {
		if report.Metrics, err = metricTotals(s.registry); err != nil {
			return f.Fail(ExitFailure, ErrCodeOperation, "failed to read metrics", err)
		}
	}
	return f.Success(report)
}

func demoWalk(ctx context.Context, opts *DemoOptions, rt *replication.Runtime, src *remote.Memory, mon *network.Monitor, tbl *replica.Table, report *demoReport) error {
	tenant, table := rt.Tenant(), tbl.Name()

	src.Seed(tenant, table, ir.Record{Key: "s1", Payload: json.RawMessage(`{"points":10}`), UpdatedAt: time.Now()})
	res, err := rt.SyncAll(ctx)
	if err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	report.add("sync", "pulled %d row(s) into %s", res.Tables[table].Pulled, table)

	src.SetOnline(false)
	mon.SetOnline(false)
	for i := 1; i <= 3; i++ {
		payload := json.RawMessage(fmt.Sprintf(`{"points":%d}`, i))
		if _, err := tbl.Put(ctx, tenant, "s2", payload); err != nil {
			return fmt.Errorf("offline write: %w", err)
		}
	}
	counts, err := rt.Outbox().Counts(ctx, tenant)
	if err != nil {
		return err
	}
	report.add("offline", "wrote s2 three times, %d mutation(s) pending", counts[ir.StatusPending])

	src.SetOnline(true)
	mon.SetOnline(true)
	err = waitFor(ctx, opts.Timeout, func() (bool, error) {
		c, err := rt.Outbox().Counts(ctx, tenant)
		if err != nil {
			return false, err
		}
		return c[ir.StatusPending]+c[ir.StatusSyncing] == 0, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for drain: %w", err)
	}
	remoteS2, _ := src.Record(tenant, table, "s2")
	report.add("reconnect", "backend applied %d mutation(s) in order, s2 = %s", len(src.Applied()), remoteS2.Payload)

	want := `{"points":42}`
	src.Publish(ctx, tenant, table, ir.Record{Key: "s1", Payload: json.RawMessage(want), UpdatedAt: time.Now()})
	err = waitFor(ctx, opts.Timeout, func() (bool, error) {
		rec, err := tbl.Get(ctx, tenant, "s1")
		if err != nil {
			return false, err
		}
		return string(rec.Payload) == want, nil
	})
	if err != nil {
		return fmt.Errorf("waiting for remote change: %w", err)
	}
	report.add("remote", "change pushed by the backend applied, s1 = %s", want)
	return nil
}

// waitFor polls cond until it holds, fails or timeout passes.
func waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		ok, err := cond()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
