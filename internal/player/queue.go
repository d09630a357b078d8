package player

// fragmentQueue is an unbounded FIFO of fragments. Pushing never blocks and
// never drops; order is arrival order.
type fragmentQueue struct {
	items [][]byte
	head  int
	peak  int
}

func (q *fragmentQueue) push(frag []byte) {
	q.items = append(q.items, frag)
	if n := q.len(); n > q.peak {
		q.peak = n
	}
}

func (q *fragmentQueue) pop() ([]byte, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	frag := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array.
	if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return frag, true
}

func (q *fragmentQueue) len() int {
	return len(q.items) - q.head
}

// reset discards every queued fragment and returns how many were dropped.
func (q *fragmentQueue) reset() int {
	n := q.len()
	q.items = nil
	q.head = 0
	return n
}
