// Package framebridge decouples push-driven frame producers (capture devices,
// decoders) from pull-driven playback sinks.
package framebridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
)

const (
	// DefaultLocalCapacity and DefaultRemoteCapacity are the queue depths used
	// for the local preview and the remote playback respectively.
	DefaultLocalCapacity  = 3
	DefaultRemoteCapacity = 5
)

var ErrShortBuffer = errors.New("framebridge: destination buffer too small")

// Bridge is a fixed-capacity FIFO of frames bound to one media direction.
//
// Enqueue never blocks: when the queue is full the oldest frame is dropped to
// make room. TryServe never blocks either and reports ok=false when nothing is
// buffered. Both are safe to call concurrently.
type Bridge struct {
	dir media.Direction

	mu     sync.Mutex
	frames []media.Frame // ring buffer, len == capacity
	head   int
	size   int

	enqueued atomic.Uint64
	served   atomic.Uint64
	drops    atomic.Uint64
	misses   atomic.Uint64
}

// New returns a bridge for dir holding at most capacity frames. Capacity is
// fixed for the lifetime of the bridge.
func New(dir media.Direction, capacity int) *Bridge {
	if capacity <= 0 {
		panic(fmt.Sprintf("framebridge: capacity must be positive, got %d", capacity))
	}
	return &Bridge{
		dir:    dir,
		frames: make([]media.Frame, capacity),
	}
}

func (b *Bridge) Direction() media.Direction { return b.dir }

func (b *Bridge) Capacity() int { return len(b.frames) }

// Len returns the number of buffered frames.
func (b *Bridge) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Enqueue appends f, evicting the oldest buffered frame if the bridge is full.
// It reports whether a frame was evicted.
func (b *Bridge) Enqueue(f media.Frame) (dropped bool) {
	b.mu.Lock()
	if b.size == len(b.frames) {
		b.frames[b.head] = media.Frame{}
		b.head = (b.head + 1) % len(b.frames)
		b.size--
		dropped = true
	}
	b.frames[(b.head+b.size)%len(b.frames)] = f
	b.size++
	b.mu.Unlock()

	b.enqueued.Add(1)
	if dropped {
		b.drops.Add(1)
	}
	return dropped
}

// TryServe removes and returns the oldest buffered frame.
func (b *Bridge) TryServe() (media.Frame, bool) {
	b.mu.Lock()
	f, ok := b.popLocked()
	b.mu.Unlock()
	b.account(ok)
	return f, ok
}

// TryServeInto removes the oldest frame and copies its packed I420 planes into
// dst, which must hold at least width*height*12/8 bytes. Bytes the frame does
// not cover are zeroed. If dst is too small
// the frame stays queued and ErrShortBuffer is returned. ok is false (with a
// nil error) when nothing is buffered.
func (b *Bridge) TryServeInto(dst []byte) (f media.Frame, ok bool, err error) {
	b.mu.Lock()
	if b.size == 0 {
		b.mu.Unlock()
		b.account(false)
		return media.Frame{}, false, nil
	}
	head := b.frames[b.head]
	if need := head.Size(); len(dst) < need {
		b.mu.Unlock()
		return media.Frame{}, false, fmt.Errorf("%w: have %d bytes, want %d", ErrShortBuffer, len(dst), need)
	}
	f, _ = b.popLocked()
	b.mu.Unlock()

	// A frame with short planes must not leave bytes from an earlier frame in
	// the tail of dst.
	n := copy(dst[:f.Size()], f.Data)
	clear(dst[n:f.Size()])
	b.account(true)
	return f, true, nil
}

// Reset discards every buffered frame.
func (b *Bridge) Reset() {
	b.mu.Lock()
	for i := range b.frames {
		b.frames[i] = media.Frame{}
	}
	b.head, b.size = 0, 0
	b.mu.Unlock()
}

func (b *Bridge) popLocked() (media.Frame, bool) {
	if b.size == 0 {
		return media.Frame{}, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = media.Frame{}
	b.head = (b.head + 1) % len(b.frames)
	b.size--
	return f, true
}

func (b *Bridge) account(served bool) {
	if served {
		b.served.Add(1)
	} else {
		b.misses.Add(1)
	}
}

// Stats is a point-in-time view of the bridge counters.
type Stats struct {
	Enqueued uint64
	Served   uint64
	Dropped  uint64
	// Misses counts TryServe calls that found the bridge empty.
	Misses uint64
}

func (b *Bridge) Stats() Stats {
	return Stats{
		Enqueued: b.enqueued.Load(),
		Served:   b.served.Load(),
		Dropped:  b.drops.Load(),
		Misses:   b.misses.Load(),
	}
}
