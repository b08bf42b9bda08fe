package harness

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/replication"
	"github.com/roach88/replica/internal/txn"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s %s/%s", event.Step, event.Op, event.Table, event.Key)
			if event.Error != "" {
				fmt.Fprintf(&buf, " error=%s", event.Error)
			}
			buf.WriteByte('\n')
		}
	}
	return buf.String()
}

// AssertionContext provides access to the final state for assertions.
type AssertionContext struct {
	Ctx     context.Context
	Runtime *replication.Runtime
	Remote  *remote.Memory
	Tenant  string
}

// assertRow checks the cached row of table/key.
func assertRow(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	tbl, err := actx.Runtime.Table(a.Table)
	if err != nil {
		return err
	}

	var (
		row   ir.CachedRow
		found bool
	)
	err = actx.Runtime.Handle().Run(actx.Ctx, a.Table, txn.ModeRead, func(tx *sql.Tx) error {
		row, found, err = tbl.LocalRowTx(actx.Ctx, tx, actx.Tenant, a.Key)
		return err
	})
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", a.Table, a.Key, err)
	}

	label := fmt.Sprintf("row %s/%s", a.Table, a.Key)
	if a.Absent {
		if found {
			return &AssertionError{Type: AssertRow, Expected: label + " absent", Actual: describe(row.Record), Trace: trace}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: AssertRow, Expected: label + " cached", Actual: "absent", Trace: trace}
	}
	if a.Dirty != nil && row.Dirty != *a.Dirty {
		return &AssertionError{
			Type:     AssertRow,
			Expected: fmt.Sprintf("%s dirty=%t", label, *a.Dirty),
			Actual:   fmt.Sprintf("dirty=%t", row.Dirty),
			Trace:    trace,
		}
	}
	return matchRecord(AssertRow, label, row.Record, a, trace)
}

// assertRemote checks the backend version of table/key.
func assertRemote(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	rec, found := actx.Remote.Record(actx.Tenant, a.Table, a.Key)
	label := fmt.Sprintf("remote %s/%s", a.Table, a.Key)
	if a.Absent {
		if found {
			return &AssertionError{Type: AssertRemote, Expected: label + " absent", Actual: describe(rec), Trace: trace}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: AssertRemote, Expected: label + " stored", Actual: "absent", Trace: trace}
	}
	return matchRecord(AssertRemote, label, rec, a, trace)
}

// matchRecord compares deleted and payload of rec with the assertion.
// Payloads compare in canonical form.
func matchRecord(typ, label string, rec ir.Record, a Assertion, trace []TraceEvent) error {
	if a.Deleted {
		if !rec.Deleted {
			return &AssertionError{Type: typ, Expected: label + " deleted", Actual: describe(rec), Trace: trace}
		}
		return nil
	}
	if a.Payload == nil {
		return nil
	}
	want, err := marshalPayload(a.Payload)
	if err != nil {
		return err
	}
	got, err := ir.CanonicalPayload(rec.Payload)
	if err != nil {
		return err
	}
	if rec.Deleted || !bytes.Equal(want, got) {
		return &AssertionError{Type: typ, Expected: fmt.Sprintf("%s = %s", label, want), Actual: describe(rec), Trace: trace}
	}
	return nil
}

func describe(rec ir.Record) string {
	if rec.Deleted {
		return "deleted"
	}
	return string(rec.Payload)
}

// assertOutbox counts outbox entries of the active tenant with a status.
func assertOutbox(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	counts, err := actx.Runtime.Outbox().Counts(actx.Ctx, actx.Tenant)
	if err != nil {
		return err
	}
	if got := counts[ir.MutationStatus(a.Status)]; got != a.Count {
		return &AssertionError{
			Type:     AssertOutbox,
			Expected: fmt.Sprintf("%d %s mutation(s)", a.Count, a.Status),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertApplied counts the mutations the backend accepted, optionally
// only those for table/key.
func assertApplied(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	got := 0
	for _, m := range actx.Remote.Applied() {
		if a.Table != "" && m.Table != a.Table {
			continue
		}
		if a.Key != "" && m.Key != a.Key {
			continue
		}
		got++
	}
	if got != a.Count {
		return &AssertionError{
			Type:     AssertApplied,
			Expected: fmt.Sprintf("%d applied mutation(s)", a.Count),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    trace,
		}
	}
	return nil
}

// assertConflicts counts the recorded resolutions for table, optionally
// only those for key.
func assertConflicts(actx *AssertionContext, trace []TraceEvent, a Assertion) error {
	history, err := actx.Runtime.Engine().ConflictHistory(actx.Ctx, a.Table)
	if err != nil {
		return err
	}
	got := 0
	for _, c := range history {
		if a.Key == "" || c.Key == a.Key {
			got++
		}
	}
	if got != a.Count {
		return &AssertionError{
			Type:     AssertConflicts,
			Expected: fmt.Sprintf("%d conflict(s) on %s", a.Count, a.Table),
			Actual:   fmt.Sprintf("%d", got),
			Trace:    trace,
		}
	}
	return nil
}

// EvaluateAssertions evaluates all assertions against the final state.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		if actx == nil || actx.Runtime == nil || actx.Remote == nil {
			err = fmt.Errorf("assertion[%d]: %s requires a runtime", i, assertion.Type)
		} else {
			switch assertion.Type {
			case AssertRow:
				err = assertRow(actx, result.Trace, assertion)
			case AssertRemote:
				err = assertRemote(actx, result.Trace, assertion)
			case AssertOutbox:
				err = assertOutbox(actx, result.Trace, assertion)
			case AssertApplied:
				err = assertApplied(actx, result.Trace, assertion)
			case AssertConflicts:
				err = assertConflicts(actx, result.Trace, assertion)
			default:
				err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
			}
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}
