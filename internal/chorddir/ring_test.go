package chorddir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRingSuccessorStable(t *testing.T) {
	r := NewRing(32)
	r.AddNode("peer-a")
	r.AddNode("peer-b")
	r.AddNode("peer-c")

	owner, ok := r.Successor("some-chunk-id")
	assert.True(t, ok)
	assert.Contains(t, []string{"peer-a", "peer-b", "peer-c"}, owner)

	// Looking the same key up twice returns the same owner.
	owner2, _ := r.Successor("some-chunk-id")
	assert.Equal(t, owner, owner2)
}

func TestRingEmptyHasNoSuccessor(t *testing.T) {
	r := NewRing(8)
	_, ok := r.Successor("x")
	assert.False(t, ok)
}

func TestRingRemoveNode(t *testing.T) {
	r := NewRing(16)
	r.AddNode("peer-a")
	r.AddNode("peer-b")
	r.RemoveNode("peer-a")

	assert.Equal(t, []string{"peer-b"}, r.Nodes())
}

func TestRingClosestPrecedingFinger(t *testing.T) {
	r := NewRing(16)
	r.AddNode("peer-a")
	r.AddNode("peer-b")

	finger, ok := r.ClosestPrecedingFinger("some-key")
	assert.True(t, ok)
	assert.Contains(t, []string{"peer-a", "peer-b"}, finger)
}
