package transcribe

import (
	"sync"

	"github.com/MrWong99/callpilot/pkg/audio"
)

// frameBuffer is a bounded FIFO of frames waiting for the engine. When full,
// pushing evicts the oldest frame: stale audio is worth less than a short gap.
type frameBuffer struct {
	mu     sync.Mutex
	frames []audio.Frame
	head   int
	n      int
}

func newFrameBuffer(capacity int) *frameBuffer {
	return &frameBuffer{frames: make([]audio.Frame, capacity)}
}

// push appends f and reports whether an older frame had to be evicted.
func (b *frameBuffer) push(f audio.Frame) (evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == len(b.frames) {
		b.frames[b.head] = audio.Frame{}
		b.head = (b.head + 1) % len(b.frames)
		b.n--
		evicted = true
	}
	b.frames[(b.head+b.n)%len(b.frames)] = f
	b.n++
	return evicted
}

// pushFront returns a frame that could not be sent to the head of the queue.
// If newer frames filled the buffer in the meantime, f is the oldest frame
// and is the one dropped.
func (b *frameBuffer) pushFront(f audio.Frame) (dropped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == len(b.frames) {
		return true
	}
	b.head = (b.head - 1 + len(b.frames)) % len(b.frames)
	b.frames[b.head] = f
	b.n++
	return false
}

func (b *frameBuffer) pop() (audio.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.n == 0 {
		return audio.Frame{}, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = audio.Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.n--
	return f, true
}

func (b *frameBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}
