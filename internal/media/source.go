package media

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DeviceSource is a capture device backing a local track.
type DeviceSource interface {
	Name() string
	Kind() Kind
	// Start begins delivering frames to deliver until Stop is called or ctx
	// is cancelled.
	Start(ctx context.Context, deliver FrameHandler) error
	Stop() error
}

var ErrSourceStarted = errors.New("media: source already started")

// TestPatternSource is a synthetic camera producing moving I420 bars at a
// fixed rate. It stands in for a real capture device.
type TestPatternSource struct {
	name   string
	width  int
	height int
	fps    int

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewTestPatternSource(name string, width, height, fps int) (*TestPatternSource, error) {
	if width <= 0 || height <= 0 || width%2 != 0 || height%2 != 0 {
		return nil, ErrInvalidDimensions
	}
	if fps <= 0 {
		fps = 30
	}
	return &TestPatternSource{name: name, width: width, height: height, fps: fps}, nil
}

func (s *TestPatternSource) Name() string { return s.name }
func (s *TestPatternSource) Kind() Kind   { return KindVideo }

func (s *TestPatternSource) Start(ctx context.Context, deliver FrameHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSourceStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, deliver, s.done)
	return nil
}

func (s *TestPatternSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (s *TestPatternSource) run(ctx context.Context, deliver FrameHandler, done chan struct{}) {
	defer close(done)

	interval := time.Second / time.Duration(s.fps)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	start := time.Now()
	for n := 0; ; n++ {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			deliver(s.render(n, now.Sub(start)))
		}
	}
}

func (s *TestPatternSource) render(n int, ts time.Duration) Frame {
	data := make([]byte, I420Size(s.width, s.height))
	luma := data[:s.width*s.height]
	for y := 0; y < s.height; y++ {
		row := luma[y*s.width : (y+1)*s.width]
		for x := range row {
			row[x] = byte((x + n*4) * 255 / s.width)
		}
	}
	// Neutral chroma.
	for i := s.width * s.height; i < len(data); i++ {
		data[i] = 128
	}
	return Frame{
		Width:     s.width,
		Height:    s.height,
		Format:    PixelFormatI420,
		Data:      data,
		Timestamp: ts,
	}
}
