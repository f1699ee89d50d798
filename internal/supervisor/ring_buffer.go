package supervisor

import "sync"

// tailBuffer is a fixed-size circular buffer keeping the most recent raw
// agent output for diagnostics on abnormal exit. Oldest data is overwritten
// when full. Safe for concurrent write and read.
type tailBuffer struct {
	buf      []byte
	capacity int
	writePos int
	written  int64
	mu       sync.Mutex
}

func newTailBuffer(capacity int) *tailBuffer {
	if capacity <= 0 {
		capacity = 8192
	}
	return &tailBuffer{
		buf:      make([]byte, capacity),
		capacity: capacity,
	}
}

// Write appends data, overwriting the oldest bytes if full.
func (tb *tailBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	tb.mu.Lock()
	defer tb.mu.Unlock()

	n := len(p)
	if n >= tb.capacity {
		copy(tb.buf, p[n-tb.capacity:])
		tb.writePos = 0
		tb.written += int64(n)
		return n, nil
	}

	first := tb.capacity - tb.writePos
	if first >= n {
		copy(tb.buf[tb.writePos:], p)
	} else {
		copy(tb.buf[tb.writePos:], p[:first])
		copy(tb.buf, p[first:])
	}
	tb.writePos = (tb.writePos + n) % tb.capacity
	tb.written += int64(n)
	return n, nil
}

// Tail returns a linearized copy of the buffered data, oldest first.
func (tb *tailBuffer) Tail() []byte {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	var length int
	if tb.written <= int64(tb.capacity) {
		length = int(tb.written)
	} else {
		length = tb.capacity
	}
	if length == 0 {
		return nil
	}

	result := make([]byte, length)
	if tb.written <= int64(tb.capacity) {
		copy(result, tb.buf[:length])
	} else {
		tailLen := tb.capacity - tb.writePos
		copy(result, tb.buf[tb.writePos:])
		copy(result[tailLen:], tb.buf[:tb.writePos])
	}
	return result
}
