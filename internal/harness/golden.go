package harness

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/replica/internal/ir"
)

// TraceSnapshot captures the complete trace for a scenario execution.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Tenant       string       `json:"tenant"`
	Trace        []TraceEvent `json:"trace"`
}

// NewSnapshot captures the trace of result for scenario.
func NewSnapshot(scenario *Scenario, result *Result) TraceSnapshot {
	tenant := scenario.Tenant
	if tenant == "" {
		tenant = DefaultTenant
	}
	return TraceSnapshot{
		ScenarioName: scenario.Name,
		Tenant:       tenant,
		Trace:        result.Trace,
	}
}

// Marshal renders the snapshot as canonical JSON (sorted keys), indented
// with two spaces and terminated by a newline.
func (s *TraceSnapshot) Marshal() ([]byte, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	canonical, err := ir.CanonicalPayload(raw)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, canonical, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if trace doesn't match golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}

	snapshot := NewSnapshot(scenario, result)
	return result, assertSnapshot(t, scenario.Name, &snapshot)
}

// AssertGolden compares the given result's trace against a golden file
// without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName, tenant string, result *Result) error {
	t.Helper()

	snapshot := TraceSnapshot{
		ScenarioName: scenarioName,
		Tenant:       tenant,
		Trace:        result.Trace,
	}
	return assertSnapshot(t, scenarioName, &snapshot)
}

func assertSnapshot(t *testing.T, name string, snapshot *TraceSnapshot) error {
	t.Helper()

	traceJSON, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, traceJSON)
	return nil
}
