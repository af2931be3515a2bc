package registry

import "sync"

// ringBuffer is a bounded, ordered byte log of recent pty output,
// modeled on the fixed-capacity chunk queue used elsewhere in this
// codebase for terminal scrollback: a slice of chunks with a running
// byte-size accumulator, dropping the oldest chunks (and, if needed,
// trimming the oldest chunk's prefix) once the cap is exceeded.
type ringBuffer struct {
	mu    sync.Mutex
	cap   int
	size  int
	chunks [][]byte
}

func newRingBuffer(cap int) *ringBuffer {
	if cap <= 0 {
		cap = 64 * 1024
	}
	return &ringBuffer{cap: cap}
}

// Push appends chunk, evicting the oldest bytes if the cap is exceeded.
func (b *ringBuffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	b.chunks = append(b.chunks, cp)
	b.size += len(cp)

	for b.size > b.cap && len(b.chunks) > 0 {
		head := b.chunks[0]
		overflow := b.size - b.cap
		if overflow >= len(head) {
			b.size -= len(head)
			b.chunks = b.chunks[1:]
			continue
		}
		b.chunks[0] = head[overflow:]
		b.size -= overflow
	}
}

// Snapshot returns a copy of the buffered bytes in order.
func (b *ringBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}
