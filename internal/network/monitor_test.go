package network

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMonitor_EdgesOnly(t *testing.T) {
	m := NewMonitor(true)
	assert.True(t, m.Online())

	m.SetOnline(true)
	select {
	case <-m.Transitions():
		t.Fatal("no transition expected when state is unchanged")
	default:
	}

	m.SetOnline(false)
	assert.False(t, m.Online())
	assert.False(t, <-m.Transitions())
}

func TestMonitor_Coalesces(t *testing.T) {
	m := NewMonitor(true)

	m.SetOnline(false)
	m.SetOnline(true)
	m.SetOnline(false)

	assert.False(t, <-m.Transitions(), "only the latest state is delivered")
	select {
	case v := <-m.Transitions():
		t.Fatalf("unexpected extra transition %v", v)
	default:
	}
}
