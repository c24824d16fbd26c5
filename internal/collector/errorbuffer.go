package collector

import "sync"

// DefaultContextLines is how many preceding lines an error snapshot carries
const DefaultContextLines = 20

// ErrorContextBuffer is a fixed-size circular buffer of recent formatted
// lines. New lines overwrite the oldest once the buffer is full.
//
// All methods are safe for concurrent use.
type ErrorContextBuffer struct {
	mu       sync.Mutex
	lines    []string
	next     int
	stored   int
	capacity int
}

// NewErrorContextBuffer creates a buffer holding at most capacity lines
func NewErrorContextBuffer(capacity int) *ErrorContextBuffer {
	if capacity < 0 {
		capacity = 0
	}
	return &ErrorContextBuffer{
		lines:    make([]string, capacity),
		capacity: capacity,
	}
}

// Push appends a line, evicting the oldest when full
func (b *ErrorContextBuffer) Push(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.capacity == 0 {
		return
	}
	b.lines[b.next] = line
	b.next = (b.next + 1) % b.capacity
	if b.stored < b.capacity {
		b.stored++
	}
}

// Snapshot returns the buffered lines, oldest first
func (b *ErrorContextBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, b.stored)
	start := (b.next - b.stored + b.capacity) % max(b.capacity, 1)
	for i := 0; i < b.stored; i++ {
		out = append(out, b.lines[(start+i)%b.capacity])
	}
	return out
}

// Len returns the number of buffered lines
func (b *ErrorContextBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stored
}


