package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/replication"
)

// NewStatsCommand creates the stats command.
func NewStatsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics for the active tenant",
		Long: `Show row counts, approximate size and outbox state of the active tenant.

Example:
  replicactl stats --db ./replica.db --tenant acme
  replicactl stats --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(rootOpts, cmd)
		},
	}
	return cmd
}

func runStats(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	s, err := opts.openLocal(cmd, f)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer s.close(ctx)

	stats, err := s.rt.GetCacheStats(ctx)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to read cache statistics", err)
	}
	return f.Success(statsResult{stats})
}

type statsResult struct {
	replication.Stats
}

func (r statsResult) renderText(w io.Writer) error {
	s := r.Stats
	fmt.Fprintf(w, "%-10s%s\n", "Tenant:", s.Tenant)
	fmt.Fprintf(w, "%-10s%s\n", "Online:", yesNo(s.Online))
	fmt.Fprintf(w, "%-10s%s\n", "Degraded:", yesNo(s.Degraded))
	fmt.Fprintf(w, "%-10s%d\n", "Rows:", s.TotalRows)
	fmt.Fprintf(w, "%-10s%s\n", "Size:", humanize.Bytes(uint64(s.ApproxBytes)))
	fmt.Fprintf(w, "%-10s%d pending, %d syncing, %d failed\n", "Outbox:", s.Pending, s.Syncing, s.Failed)
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TABLE\tSTATE\tROWS\tDIRTY\tTOMBSTONES\tSIZE")
	for _, t := range s.Tables {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
			t.Name, t.State, t.Rows, t.Dirty, t.Tombstones, humanize.Bytes(uint64(t.Bytes)))
	}
	return tw.Flush()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
