// Package playback pulls frames out of a framebridge at a fixed cadence and
// hands them to a Renderer.
//
// Start and Stop of a Player are meant to be called from one owning
// goroutine (the session orchestrator). Render calls happen on the player's
// own goroutine.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/framebridge"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
)

// DefaultFPS is the cadence a sink is created with when it is sized from the
// first frame of a stream.
const DefaultFPS = 30

var ErrStarted = errors.New("playback: player already started")

// SinkConfig describes the surface a Renderer is presenting to.
type SinkConfig struct {
	Width  int
	Height int
	FPS    int
}

// SinkConfigFor sizes a sink from the first frame of a stream.
func SinkConfigFor(f media.Frame) (SinkConfig, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return SinkConfig{}, fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, f.Width, f.Height)
	}
	return SinkConfig{Width: f.Width, Height: f.Height, FPS: DefaultFPS}, nil
}

// BufferSize is the byte size of one packed I420 frame at the sink size.
func (c SinkConfig) BufferSize() int { return media.I420Size(c.Width, c.Height) }

// Bitrate is the uncompressed bit rate of the sink in bits per second.
func (c SinkConfig) Bitrate() int64 {
	return int64(c.FPS) * int64(c.Width) * int64(c.Height) * media.I420BitsPerPixel
}

func (c SinkConfig) interval() time.Duration {
	fps := c.FPS
	if fps <= 0 {
		fps = DefaultFPS
	}
	return time.Second / time.Duration(fps)
}

// Renderer presents frames. The Data of a rendered frame is only valid for
// the duration of the call.
type Renderer interface {
	Render(f media.Frame) error
	Close() error
}

type PlayerConfig struct {
	Bridge   *framebridge.Bridge
	Renderer Renderer
	Sink     SinkConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Player is one playback sink attached to one bridge.
type Player struct {
	bridge   *framebridge.Bridge
	renderer Renderer
	sink     SinkConfig
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	// Owned by the run goroutine.
	buf  []byte
	last media.Frame
	have bool
}

func NewPlayer(cfg PlayerConfig) (*Player, error) {
	if cfg.Bridge == nil {
		return nil, errors.New("playback: bridge is required")
	}
	if cfg.Renderer == nil {
		return nil, errors.New("playback: renderer is required")
	}
	if cfg.Sink.Width <= 0 || cfg.Sink.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", media.ErrInvalidDimensions, cfg.Sink.Width, cfg.Sink.Height)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Player{
		bridge:   cfg.Bridge,
		renderer: cfg.Renderer,
		sink:     cfg.Sink,
		log:      logger.With("component", "playback", "direction", cfg.Bridge.Direction()),
		metrics:  cfg.Metrics,
		buf:      make([]byte, cfg.Sink.BufferSize()),
	}, nil
}

func (p *Player) Sink() SinkConfig { return p.sink }

func (p *Player) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("playback: player stopped")
	}
	if p.cancel != nil {
		return ErrStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	p.log.Info("playback started", "width", p.sink.Width, "height", p.sink.Height, "fps", p.sink.FPS, "bitrate", p.sink.Bitrate())
	return nil
}

// Stop halts the pull loop, waits for an in-flight Render to return and
// closes the renderer. It is safe to call more than once and without Start.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if err := p.renderer.Close(); err != nil {
		return fmt.Errorf("close renderer: %w", err)
	}
	return nil
}

func (p *Player) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.sink.interval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick()
		}
	}
}

func (p *Player) tick() {
	f, ok, err := p.bridge.TryServeInto(p.buf)
	if errors.Is(err, framebridge.ErrShortBuffer) {
		// The stream changed resolution; follow it.
		f, ok = p.bridge.TryServe()
		if ok {
			p.buf = make([]byte, f.Size())
			copy(p.buf, f.Data)
		}
	} else if err != nil {
		p.log.Warn("serving frame failed", "err", err)
		return
	}

	if ok {
		f.Data = p.buf[:f.Size()]
		p.last, p.have = f, true
		p.metrics.Inc(metrics.FrameRendered)
	} else {
		if !p.have {
			return
		}
		f = p.last
		p.metrics.Inc(metrics.FrameRepeated)
	}

	if err := p.renderer.Render(f); err != nil {
		p.log.Warn("render failed", "err", err)
	}
}
