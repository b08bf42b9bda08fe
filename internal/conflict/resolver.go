// Package conflict decides which version of a row survives when a remote
// change arrives for a row that still carries an unsynced local change.
//
// Resolve is pure: it reads two versions and a policy and returns a
// Decision. Applying the decision (writing the row, discarding outbox
// entries, appending history) is the sync engine's job.
package conflict

import (
	"fmt"
	"time"

	"github.com/roach88/replica/internal/ir"
)

// Policy selects the resolution rule of one table.
type Policy string

const (
	// LastWriteWins keeps the version with the later updated_at. Ties go to
	// the remote version.
	LastWriteWins Policy = "last-write-wins"

	// ServerAuthoritative always keeps the remote version. The local dirty
	// flag is cleared and pending mutations for the key are discarded.
	ServerAuthoritative Policy = "server-authoritative"

	// ClientAuthoritative always keeps the local version. The remote version
	// is recorded in the conflict history but not applied, and the pending
	// mutation keeps draining until it succeeds.
	ClientAuthoritative Policy = "client-authoritative"
)

// DefaultPolicy is used when a table does not name one.
const DefaultPolicy = LastWriteWins

// ParsePolicy validates a policy name from configuration. The empty string
// yields DefaultPolicy.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case "":
		return DefaultPolicy, nil
	case LastWriteWins, ServerAuthoritative, ClientAuthoritative:
		return p, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// Winner names the surviving version.
type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Decision is the outcome of one resolution.
type Decision struct {
	Policy Policy
	Winner Winner

	// ApplyRemote: overwrite the cached row with the remote version.
	ApplyRemote bool
	// ClearDirty: the row is no longer considered locally modified.
	ClearDirty bool
	// DiscardPending: drop pending and failed outbox entries for the key.
	DiscardPending bool
	// KeepPending: leave outbox entries for the key to drain.
	KeepPending bool
}

// Resolve decides between the local dirty row and an incoming remote
// version. Timestamps are compared at millisecond precision, the precision
// they are stored with.
func Resolve(policy Policy, local ir.CachedRow, remote ir.Record) Decision {
	switch policy {
	case ServerAuthoritative:
		return remoteWins(policy)
	case ClientAuthoritative:
		return localWins(policy)
	default:
		lt := local.UpdatedAt.Truncate(time.Millisecond)
		rt := remote.UpdatedAt.Truncate(time.Millisecond)
		if lt.After(rt) {
			return localWins(LastWriteWins)
		}
		return remoteWins(LastWriteWins)
	}
}

func remoteWins(p Policy) Decision {
	return Decision{
		Policy:         p,
		Winner:         WinnerRemote,
		ApplyRemote:    true,
		ClearDirty:     true,
		DiscardPending: true,
	}
}

func localWins(p Policy) Decision {
	return Decision{
		Policy:      p,
		Winner:      WinnerLocal,
		KeepPending: true,
	}
}
