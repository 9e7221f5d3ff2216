package agent

// CircularBuffer keeps the last RBDC requests sent, one slot per OBR period,
// so the agent can subtract what it already asked for during the MSL window.
//
// A buffer created with size 0 keeps only the latest value and reports a
// zero sum.
type CircularBuffer struct {
	values   []uint32
	index    int
	count    int
	sum      uint64
	lastOnly bool
}

// NewCircularBuffer allocates a buffer of size slots.
func NewCircularBuffer(size int) *CircularBuffer {
	b := &CircularBuffer{}
	if size <= 0 {
		size = 1
		b.lastOnly = true
	}
	b.values = make([]uint32, size)
	b.index = size - 1
	return b
}

// Update stores v in the next slot, evicting the oldest value once full.
func (b *CircularBuffer) Update(v uint32) {
	b.index = (b.index + 1) % len(b.values)
	b.sum = b.sum - uint64(b.values[b.index]) + uint64(v)
	b.values[b.index] = v
	if b.count < len(b.values) {
		b.count++
	}
}

// Sum is the total over the stored values, or 0 for a last-value-only
// buffer.
func (b *CircularBuffer) Sum() uint32 {
	if b.lastOnly {
		return 0
	}
	return uint32(min(b.sum, uint64(^uint32(0))))
}

// Latest returns the most recently stored value.
func (b *CircularBuffer) Latest() uint32 { return b.values[b.index] }

// Oldest returns the value that the next Update evicts.
func (b *CircularBuffer) Oldest() uint32 {
	return b.values[(b.index+1)%len(b.values)]
}

// Mean is the average of the stored values, 0 when empty.
func (b *CircularBuffer) Mean() float64 {
	if b.count == 0 {
		return 0
	}
	return float64(b.sum) / float64(b.count)
}

// Min is the smallest stored value, 0 when empty.
func (b *CircularBuffer) Min() uint32 {
	if b.count == 0 {
		return 0
	}
	m := ^uint32(0)
	for i := 0; i < b.count; i++ {
		// the count most recent slots end at index
		j := (b.index - i + len(b.values)) % len(b.values)
		m = min(m, b.values[j])
	}
	return m
}

// Len is the number of values stored so far, bounded by the size.
func (b *CircularBuffer) Len() int { return b.count }

// Size is the number of slots.
func (b *CircularBuffer) Size() int { return len(b.values) }
