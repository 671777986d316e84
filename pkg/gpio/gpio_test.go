package gpio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPulseFiresOneRisingEdge(t *testing.T) {
	p := NewPin()
	edges := 0
	p.OnRise(func() { edges++ })

	p.Pulse()
	assert.Equal(t, 1, edges)
	assert.False(t, p.Level())

	p.Pulse()
	p.Pulse()
	assert.Equal(t, 3, edges)
}

func TestNoEdgeWhileHeldHigh(t *testing.T) {
	p := NewPin()
	edges := 0
	p.OnRise(func() { edges++ })

	p.Set(true)
	p.Set(true)
	assert.Equal(t, 1, edges)

	p.Set(false)
	assert.Equal(t, 1, edges)
}
