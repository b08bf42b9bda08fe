package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.HandleOpens.Inc()
	m.CacheHits.WithLabelValues("scores").Add(2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleOpens))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CacheHits.WithLabelValues("scores")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNew_NilRegistryIsIsolated(t *testing.T) {
	// Two instances must not collide on registration.
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

func TestRegisterInFlight(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	n := 3
	m.RegisterInFlight(func() int { return n })

	count, err := testutil.GatherAndCount(reg, "replica_txn_in_flight")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
