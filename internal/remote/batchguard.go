package remote

import "sync"

// BatchGuard tracks an adaptive batch size for "filter by OR over many ids"
// style queries, per §4.2: start at 5, halve (floor 1) whenever the remote
// rejects a request as too large (413/414/"URL too long"), grow by 1 on
// every success up to a cap of 10. One guard is shared per module so the
// size learned from one call informs the next.
type BatchGuard struct {
	mu   sync.Mutex
	size int
	cap  int
	floor int
}

// NewBatchGuard creates a guard seeded at the default starting size.
func NewBatchGuard() *BatchGuard {
	return &BatchGuard{size: 5, cap: 10, floor: 1}
}

// Size returns the current batch size to use for the next request.
func (g *BatchGuard) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.size
}

// Shrink halves the batch size after a too-long-URL rejection.
func (g *BatchGuard) Shrink() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	next := g.size / 2
	if next < g.floor {
		next = g.floor
	}
	g.size = next
	return g.size
}

// Grow increments the batch size by one after a successful request, capped.
func (g *BatchGuard) Grow() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.size < g.cap {
		g.size++
	}
	return g.size
}

// Chunk splits ids into batches sized by the guard's current Size, called
// fresh for each outer loop iteration since Size may shrink mid-loop.
func Chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	var out [][]string
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		out = append(out, ids[i:end])
	}
	return out
}
