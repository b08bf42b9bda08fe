package cli

import (
	"errors"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/outbox"
)

// OutboxOptions holds flags for the outbox subcommands.
type OutboxOptions struct {
	*RootOptions
	Status string
	All    bool
}

// NewOutboxCommand creates the outbox command and its subcommands.
func NewOutboxCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OutboxOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and repair queued mutations",
		Long: `Inspect and repair the outbox of mutations waiting to reach the backend.

A failed mutation holds back every later mutation of the same row until it
is retried or cleared.`,
	}

	listCmd := &cobra.Command{
		Use:           "list",
		Short:         "List queued mutations of the active tenant",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxList(opts, cmd)
		},
	}
	listCmd.Flags().StringVar(&opts.Status, "status", "", "only entries with this status (pending|syncing|failed)")

	retryCmd := &cobra.Command{
		Use:   "retry [mutation-id]",
		Short: "Move failed mutations back to pending",
		Long: `Move a failed mutation, or every failed mutation with --all, back to
pending with a fresh retry budget. They are submitted on the next drain.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxRetry(opts, args, cmd)
		},
	}
	retryCmd.Flags().BoolVar(&opts.All, "all", false, "retry every failed mutation")

	clearCmd := &cobra.Command{
		Use:   "clear [mutation-id]",
		Short: "Discard failed mutations",
		Long: `Discard a failed mutation, or every failed mutation with --all. The local
change is lost: a row with nothing left to submit is dropped from the cache
and fetched again on next read.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOutboxClear(opts, args, cmd)
		},
	}
	clearCmd.Flags().BoolVar(&opts.All, "all", false, "clear every failed mutation")

	cmd.AddCommand(listCmd, retryCmd, clearCmd)
	return cmd
}

func parseStatus(s string) (ir.MutationStatus, error) {
	switch st := ir.MutationStatus(s); st {
	case "", ir.StatusPending, ir.StatusSyncing, ir.StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q: must be pending, syncing or failed", s)
}

// targetID returns the single mutation ID argument, or "" with --all.
func (o *OutboxOptions) targetID(f *OutputFormatter, args []string) (string, error) {
	switch {
	case o.All && len(args) > 0:
		return "", f.Fail(ExitCommandError, ErrCodeInvalidInput, "pass a mutation ID or --all, not both", nil)
	case !o.All && len(args) == 0:
		return "", f.Fail(ExitCommandError, ErrCodeInvalidInput, "a mutation ID or --all is required", nil)
	case o.All:
		return "", nil
	}
	return args[0], nil
}

type outboxList struct {
	Tenant    string        `json:"tenant"`
	Mutations []ir.Mutation `json:"mutations"`
}

func (l outboxList) renderText(w io.Writer) error {
	if len(l.Mutations) == 0 {
		_, err := fmt.Fprintf(w, "No queued mutations for tenant %s\n", l.Tenant)
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTABLE\tKEY\tTYPE\tSTATUS\tRETRIES\tSIZE\tERROR")
	for _, m := range l.Mutations {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			m.ID, m.Table, m.Key, m.Type, m.Status, m.RetryCount,
			humanize.Bytes(uint64(len(m.Payload))), m.LastError)
	}
	return tw.Flush()
}

func runOutboxList(opts *OutboxOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	status, err := parseStatus(opts.Status)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid --status", err)
	}

	s, err := opts.openLocal(cmd, f)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer s.close(ctx)

	tenant := s.rt.Tenant()
	muts, err := s.rt.Outbox().List(ctx, tenant, status)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to list outbox", err)
	}
	if muts == nil {
		muts = []ir.Mutation{}
	}
	return f.Success(outboxList{Tenant: tenant, Mutations: muts})
}

type outboxChange struct {
	Action string   `json:"action"`
	Count  int64    `json:"count"`
	IDs    []string `json:"ids,omitempty"`
}

func (c outboxChange) String() string {
	return fmt.Sprintf("%s %d mutation(s)", c.Action, c.Count)
}

func runOutboxRetry(opts *OutboxOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	id, err := opts.targetID(f, args)
	if err != nil {
		return err
	}

	s, err := opts.openLocal(cmd, f)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer s.close(ctx)

	tenant := s.rt.Tenant()
	if id == "" {
		n, err := s.rt.Outbox().RetryFailed(ctx, tenant)
		if err != nil {
			return f.Fail(ExitFailure, ErrCodeOperation, "failed to retry mutations", err)
		}
		return f.Success(outboxChange{Action: "Retried", Count: n})
	}

	if err := s.rt.Outbox().Retry(ctx, tenant, id); err != nil {
		if errors.Is(err, outbox.ErrNotFailed) {
			return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no failed mutation %s", id), err)
		}
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to retry mutation", err)
	}
	return f.Success(outboxChange{Action: "Retried", Count: 1, IDs: []string{id}})
}

func runOutboxClear(opts *OutboxOptions, args []string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	id, err := opts.targetID(f, args)
	if err != nil {
		return err
	}

	s, err := opts.openLocal(cmd, f)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer s.close(ctx)

	cleared, err := s.rt.Outbox().ClearFailed(ctx, s.rt.Tenant(), id)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to clear mutations", err)
	}
	if id != "" && len(cleared) == 0 {
		return f.Fail(ExitFailure, ErrCodeNotFound, fmt.Sprintf("no failed mutation %s", id), nil)
	}

	ids := make([]string, 0, len(cleared))
	for _, m := range cleared {
		ids = append(ids, m.ID)
	}
	return f.Success(outboxChange{Action: "Cleared", Count: int64(len(cleared)), IDs: ids})
}
