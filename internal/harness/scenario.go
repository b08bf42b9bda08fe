package harness

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Scenario defines a replication scenario.
// Scenarios drive one runtime through local writes, connectivity changes and
// remote changes, then assert on the resulting cache, outbox and backend.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Tenant is the active scope. Defaults to "acme".
	Tenant string `yaml:"tenant,omitempty"`

	// Catalog is CUE source for the table catalog.
	Catalog string `yaml:"catalog"`

	// Remote seeds the in-memory backend before the runtime opens.
	Remote []RemoteRecord `yaml:"remote,omitempty"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// RemoteRecord is one backend row.
type RemoteRecord struct {
	Table   string `yaml:"table"`
	Key     string `yaml:"key"`
	Payload any    `yaml:"payload,omitempty"`
	Deleted bool   `yaml:"deleted,omitempty"`

	// At is the updated_at offset from the scenario start. Defaults to the
	// virtual time when the record is written.
	At *time.Duration `yaml:"at,omitempty"`
}

// Step is one operation of the flow.
type Step struct {
	Op       string         `yaml:"op"`
	Table    string         `yaml:"table,omitempty"`
	Key      string         `yaml:"key,omitempty"`
	Payload  any            `yaml:"payload,omitempty"`
	Deleted  bool           `yaml:"deleted,omitempty"`
	At       *time.Duration `yaml:"at,omitempty"`
	Duration time.Duration  `yaml:"duration,omitempty"`

	// Terminal makes a reject step fail submissions without retries.
	Terminal bool `yaml:"terminal,omitempty"`
}

// Step operations.
const (
	OpPut     = "put"     // local write of payload
	OpDelete  = "delete"  // local tombstone
	OpGet     = "get"     // read through the table
	OpOffline = "offline" // backend and monitor go offline
	OpOnline  = "online"  // backend and monitor come back
	OpSeed    = "seed"    // backend change without a feed event
	OpRemote  = "remote"  // backend change delivered as a feed event
	OpSync    = "sync"    // full resync of every table
	OpDrain   = "drain"   // one outbox drain cycle
	OpAdvance = "advance" // move the virtual clock by duration
	OpReject  = "reject"  // backend rejects submissions for key
	OpAccept  = "accept"  // backend accepts every submission again
	OpRetry   = "retry"   // failed mutations back to pending
	OpClear   = "clear"   // failed mutations discarded
)

// Assertion validates the final state.
type Assertion struct {
	// Type specifies the assertion type:
	// - "row": cached row of table/key matches payload, deleted or absent
	// - "remote": backend row of table/key matches payload
	// - "outbox": count entries with status
	// - "applied": count mutations the backend accepted
	// - "conflicts": count conflict resolutions recorded for table
	Type string `yaml:"type"`

	Table   string `yaml:"table,omitempty"`
	Key     string `yaml:"key,omitempty"`
	Payload any    `yaml:"payload,omitempty"`
	Deleted bool   `yaml:"deleted,omitempty"`
	Absent  bool   `yaml:"absent,omitempty"`
	Dirty   *bool  `yaml:"dirty,omitempty"`
	Status  string `yaml:"status,omitempty"`
	Count   int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertRow       = "row"
	AssertRemote    = "remote"
	AssertOutbox    = "outbox"
	AssertApplied   = "applied"
	AssertConflicts = "conflicts"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Catalog == "" {
		return fmt.Errorf("catalog is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, r := range s.Remote {
		if r.Table == "" || r.Key == "" {
			return fmt.Errorf("remote[%d]: table and key are required", i)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(i, step); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s Step) error {
	switch s.Op {
	case OpPut, OpSeed, OpRemote:
		if s.Table == "" || s.Key == "" {
			return fmt.Errorf("steps[%d]: table and key are required for %s", index, s.Op)
		}
		if s.Op == OpPut && s.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required for put", index)
		}
	case OpDelete, OpGet:
		if s.Table == "" || s.Key == "" {
			return fmt.Errorf("steps[%d]: table and key are required for %s", index, s.Op)
		}
	case OpReject:
		if s.Key == "" {
			return fmt.Errorf("steps[%d]: key is required for reject", index)
		}
	case OpAdvance:
		if s.Duration <= 0 {
			return fmt.Errorf("steps[%d]: positive duration is required for advance", index)
		}
	case OpOffline, OpOnline, OpSync, OpDrain, OpAccept, OpRetry, OpClear:
	case "":
		return fmt.Errorf("steps[%d]: op is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case AssertRow, AssertRemote:
		if a.Table == "" || a.Key == "" {
			return fmt.Errorf("assertions[%d]: table and key are required for %s", index, a.Type)
		}
		if a.Payload == nil && !a.Deleted && !a.Absent && a.Dirty == nil {
			return fmt.Errorf("assertions[%d]: one of payload, deleted, absent or dirty is required", index)
		}
	case AssertOutbox:
		switch a.Status {
		case "pending", "syncing", "failed":
		default:
			return fmt.Errorf("assertions[%d]: status must be pending, syncing or failed", index)
		}
	case AssertConflicts:
		if a.Table == "" {
			return fmt.Errorf("assertions[%d]: table is required for conflicts", index)
		}
	case AssertApplied:
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
