package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
)

// NewClearScopeCommand creates the clear-scope command.
func NewClearScopeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clear-scope <tenant>",
		Short: "Remove every cached row and queued mutation of a tenant",
		Long: `Remove the cached rows, queued mutations, sync cursors and conflict history
of one tenant in a single transaction. Other tenants are untouched.

Unsynced local changes of that tenant are lost.

Example:
  replicactl clear-scope acme --db ./replica.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClearScope(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

type clearScopeResult struct {
	Tenant    string `json:"tenant"`
	Rows      int64  `json:"rows"`
	Mutations int64  `json:"mutations"`
	Cursors   int64  `json:"cursors"`
	Conflicts int64  `json:"conflicts"`
}

func (r clearScopeResult) String() string {
	return fmt.Sprintf("Cleared tenant %s: %d rows, %d mutations, %d cursors, %d conflict records",
		r.Tenant, r.Rows, r.Mutations, r.Cursors, r.Conflicts)
}

func runClearScope(opts *RootOptions, tenant string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if err := ir.ValidateTenant(tenant); err != nil {
		return f.Fail(ExitCommandError, ErrCodeInvalidInput, "invalid tenant", err)
	}

	s, err := opts.openLocal(cmd, f)
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	defer s.close(ctx)

	res, err := s.rt.ClearScope(ctx, tenant)
	if err != nil {
		return f.Fail(ExitFailure, ErrCodeOperation, "failed to clear scope", err)
	}
	return f.Success(clearScopeResult{
		Tenant:    tenant,
		Rows:      res.Rows,
		Mutations: res.Mutations,
		Cursors:   res.Cursors,
		Conflicts: res.Conflicts,
	})
}
