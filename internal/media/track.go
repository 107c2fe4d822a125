package media

import (
	"sync"
	"sync/atomic"
)

// FrameHandler receives frames from a Track. It may be invoked from any
// goroutine and must not block for long.
type FrameHandler func(Frame)

// Track is a unidirectional media stream owned by a session. Local tracks are
// fed by a DeviceSource, remote tracks by the negotiated connection.
type Track struct {
	name string
	kind Kind
	dir  Direction

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]FrameHandler

	// handlers is a copy-on-write snapshot of subs so Deliver never takes mu.
	handlers atomic.Pointer[[]FrameHandler]
	released atomic.Bool
}

func NewTrack(name string, kind Kind, dir Direction) *Track {
	return &Track{
		name: name,
		kind: kind,
		dir:  dir,
		subs: make(map[uint64]FrameHandler),
	}
}

func (t *Track) Name() string         { return t.name }
func (t *Track) Kind() Kind           { return t.kind }
func (t *Track) Direction() Direction { return t.dir }

// Subscribe registers h for every subsequent frame. The returned function
// removes the subscription and is safe to call more than once.
func (t *Track) Subscribe(h FrameHandler) (cancel func()) {
	if h == nil || t.released.Load() {
		return func() {}
	}
	t.mu.Lock()
	if t.released.Load() {
		t.mu.Unlock()
		return func() {}
	}
	id := t.nextID
	t.nextID++
	t.subs[id] = h
	t.publishLocked()
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, id)
			t.publishLocked()
			t.mu.Unlock()
		})
	}
}

// Deliver fans f out to the current subscribers. It is a no-op once the track
// has been released.
func (t *Track) Deliver(f Frame) {
	if t.released.Load() {
		return
	}
	hs := t.handlers.Load()
	if hs == nil {
		return
	}
	for _, h := range *hs {
		h(f)
	}
}

// Release detaches every subscriber. Frames delivered afterwards are dropped.
func (t *Track) Release() {
	if t.released.Swap(true) {
		return
	}
	t.mu.Lock()
	t.subs = make(map[uint64]FrameHandler)
	t.handlers.Store(nil)
	t.mu.Unlock()
}

func (t *Track) Released() bool {
	return t.released.Load()
}

func (t *Track) publishLocked() {
	if len(t.subs) == 0 {
		t.handlers.Store(nil)
		return
	}
	hs := make([]FrameHandler, 0, len(t.subs))
	for _, h := range t.subs {
		hs = append(hs, h)
	}
	t.handlers.Store(&hs)
}
