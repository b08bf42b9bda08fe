package harness

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Regenerate with: go test ./internal/harness -run TestRunWithGolden -update
func TestRunWithGolden(t *testing.T) {
	for _, name := range []string{"offline_drain", "rejected_mutations"} {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, load(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestAssertGolden_ReusesResult(t *testing.T) {
	result, err := Run(load(t, "offline_drain"))
	require.NoError(t, err)
	require.NoError(t, AssertGolden(t, "offline_drain", DefaultTenant, result))
}

func TestTraceSnapshot_Deterministic(t *testing.T) {
	first, err := Run(load(t, "rejected_mutations"))
	require.NoError(t, err)
	second, err := Run(load(t, "rejected_mutations"))
	require.NoError(t, err)

	a := TraceSnapshot{ScenarioName: "rejected_mutations", Tenant: DefaultTenant, Trace: first.Trace}
	b := TraceSnapshot{ScenarioName: "rejected_mutations", Tenant: DefaultTenant, Trace: second.Trace}
	aJSON, err := a.Marshal()
	require.NoError(t, err)
	bJSON, err := b.Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(aJSON), string(bJSON))
}

func TestTraceSnapshot_SortedKeys(t *testing.T) {
	s := TraceSnapshot{
		ScenarioName: "s",
		Tenant:       "acme",
		Trace: []TraceEvent{
			{Step: 1, Op: OpGet, Table: "tasks", Key: "k", Result: []byte(`{"payload":{"b":1,"a":2},"found":true}`)},
		},
	}
	out, err := s.Marshal()
	require.NoError(t, err)

	want := `{
  "scenario_name": "s",
  "tenant": "acme",
  "trace": [
    {
      "key": "k",
      "op": "get",
      "result": {
        "found": true,
        "payload": {
          "a": 2,
          "b": 1
        }
      },
      "step": 1,
      "table": "tasks"
    }
  ]
}
`
	assert.Equal(t, want, string(out))
}
