package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBatchGuard_StartsAtFive(t *testing.T) {
	g := NewBatchGuard()
	assert.Equal(t, 5, g.Size())
}

func TestBatchGuard_ShrinkHalvesAndFloorsAtOne(t *testing.T) {
	g := NewBatchGuard()
	assert.Equal(t, 2, g.Shrink())
	assert.Equal(t, 1, g.Shrink())
	assert.Equal(t, 1, g.Shrink())
}

func TestBatchGuard_GrowIncrementsAndCapsAtTen(t *testing.T) {
	g := NewBatchGuard()
	for i := 0; i < 20; i++ {
		g.Grow()
	}
	assert.Equal(t, 10, g.Size())
}

func TestChunk_SplitsEvenlyWithRemainder(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	chunks := Chunk(ids, 2)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, chunks)
}
