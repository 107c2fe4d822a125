package playback

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
)

var ErrResolutionChanged = errors.New("playback: frame size differs from stream header")

// Y4MWriter records frames as a YUV4MPEG2 stream. The stream header is
// written with the size of the first frame; later frames of a different
// size are rejected.
type Y4MWriter struct {
	fps int

	mu     sync.Mutex
	dst    io.WriteCloser
	w      *bufio.Writer
	width  int
	height int
	frames uint64
}

func NewY4MWriter(dst io.WriteCloser, fps int) *Y4MWriter {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &Y4MWriter{fps: fps, dst: dst, w: bufio.NewWriter(dst)}
}

// CreateY4MFile truncates path and records into it.
func CreateY4MFile(path string, fps int) (*Y4MWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create y4m file: %w", err)
	}
	return NewY4MWriter(f, fps), nil
}

func (y *Y4MWriter) Render(f media.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.w == nil {
		return os.ErrClosed
	}

	if y.frames == 0 {
		y.width, y.height = f.Width, f.Height
		if _, err := fmt.Fprintf(y.w, "YUV4MPEG2 W%d H%d F%d:1 Ip A1:1 C420jpeg\n", f.Width, f.Height, y.fps); err != nil {
			return err
		}
	} else if f.Width != y.width || f.Height != y.height {
		return fmt.Errorf("%w: got %dx%d, stream is %dx%d", ErrResolutionChanged, f.Width, f.Height, y.width, y.height)
	}

	if _, err := y.w.WriteString("FRAME\n"); err != nil {
		return err
	}
	if _, err := y.w.Write(f.Data[:f.Size()]); err != nil {
		return err
	}
	y.frames++
	return nil
}

func (y *Y4MWriter) Frames() uint64 {
	y.mu.Lock()
	defer y.mu.Unlock()
	return y.frames
}

func (y *Y4MWriter) Close() error {
	y.mu.Lock()
	defer y.mu.Unlock()
	if y.w == nil {
		return nil
	}
	flushErr := y.w.Flush()
	closeErr := y.dst.Close()
	y.w = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// StatsRenderer only counts what it is shown.
type StatsRenderer struct {
	mu       sync.Mutex
	frames   uint64
	lastSize [2]int
	lastTS   time.Duration
	closed   bool
}

type RenderStats struct {
	Frames    uint64
	Width     int
	Height    int
	Timestamp time.Duration
	Closed    bool
}

func (s *StatsRenderer) Render(f media.Frame) error {
	s.mu.Lock()
	s.frames++
	s.lastSize = [2]int{f.Width, f.Height}
	s.lastTS = f.Timestamp
	s.mu.Unlock()
	return nil
}

func (s *StatsRenderer) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *StatsRenderer) Stats() RenderStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return RenderStats{
		Frames:    s.frames,
		Width:     s.lastSize[0],
		Height:    s.lastSize[1],
		Timestamp: s.lastTS,
		Closed:    s.closed,
	}
}
