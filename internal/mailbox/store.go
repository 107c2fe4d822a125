// Package mailbox is a development signaling relay: every peer id owns a
// bounded FIFO of opaque messages that other peers post into and the owner
// drains by polling or over a push websocket.
package mailbox

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrMailboxFull = errors.New("mailbox: mailbox full")

// Store holds one queue per peer. A queue is created on first use and
// removed again once it is empty and nobody is watching it.
type Store struct {
	depth int

	mu    sync.Mutex
	boxes map[string]*box

	rejected atomic.Uint64
}

type box struct {
	msgs     [][]byte
	watchers int
	// notify is closed and replaced whenever a message is pushed.
	notify chan struct{}
}

func NewStore(depth int) *Store {
	if depth <= 0 {
		depth = 1
	}
	return &Store{depth: depth, boxes: make(map[string]*box)}
}

func (s *Store) Depth() int { return s.depth }

// Rejected counts pushes refused because the mailbox was full.
func (s *Store) Rejected() uint64 { return s.rejected.Load() }

// Push appends msg to peer's mailbox. It never blocks; a full mailbox
// rejects the new message and keeps the queued ones.
func (s *Store) Push(peer string, msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.boxLocked(peer)
	if len(b.msgs) >= s.depth {
		s.rejected.Add(1)
		return ErrMailboxFull
	}
	b.msgs = append(b.msgs, msg)
	close(b.notify)
	b.notify = make(chan struct{})
	return nil
}

// Pop removes the oldest message for peer.
func (s *Store) Pop(peer string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[peer]
	if !ok || len(b.msgs) == 0 {
		return nil, false
	}
	msg := b.msgs[0]
	b.msgs[0] = nil
	b.msgs = b.msgs[1:]
	s.collectLocked(peer, b)
	return msg, true
}

// Unshift puts msg back at the head of peer's mailbox after a failed
// delivery. It may exceed the depth by the returned message.
func (s *Store) Unshift(peer string, msg []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.boxLocked(peer)
	b.msgs = append([][]byte{msg}, b.msgs...)
}

func (s *Store) Len(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.boxes[peer]; ok {
		return len(b.msgs)
	}
	return 0
}

// Peers reports how many mailboxes currently exist.
func (s *Store) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes)
}

// Watch registers interest in peer's mailbox. The returned function yields a
// channel that is closed on the next Push; call it again after every wake-up.
// release must be called when done.
func (s *Store) Watch(peer string) (next func() <-chan struct{}, release func()) {
	s.mu.Lock()
	s.boxLocked(peer).watchers++
	s.mu.Unlock()

	next = func() <-chan struct{} {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.boxLocked(peer).notify
	}
	var once sync.Once
	release = func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if b, ok := s.boxes[peer]; ok {
				b.watchers--
				s.collectLocked(peer, b)
			}
		})
	}
	return next, release
}

func (s *Store) boxLocked(peer string) *box {
	b, ok := s.boxes[peer]
	if !ok {
		b = &box{notify: make(chan struct{})}
		s.boxes[peer] = b
	}
	return b
}

func (s *Store) collectLocked(peer string, b *box) {
	if len(b.msgs) == 0 && b.watchers <= 0 {
		delete(s.boxes, peer)
	}
}
