// Package session composes capture devices, frame bridges, playback sinks,
// the negotiation controller and the signaling channel into one call.
//
// Everything that touches playback sinks or the session's own bookkeeping
// runs on the orchestrator goroutine. Frame producers and engine callbacks
// hand work to it through post instead of sharing state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/framebridge"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/playback"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
)

const commandQueueSize = 32

var (
	ErrAlreadyStarted = errors.New("session: already started")
	ErrNotStarted     = errors.New("session: not started")
	ErrClosed         = errors.New("session: closed")
)

// Signaling is the part of signaling.Channel the orchestrator drives.
type Signaling interface {
	negotiation.Transport
	OnMessage(h signaling.Handler)
	StartPolling()
}

// RendererFactory creates the renderer for a playback sink once the first
// frame of a direction has fixed its size.
type RendererFactory func(dir media.Direction, sink playback.SinkConfig) (playback.Renderer, error)

type Config struct {
	LocalPeerID  string
	RemotePeerID string
	ICEServers   []webrtc.ICEServer

	// Devices are started by Start and stopped by Suspend. Each one backs a
	// local track named "<device>_track".
	Devices []media.DeviceSource
	// NewEngine is called once per Start.
	NewEngine func() (negotiation.Engine, error)
	Signaling Signaling

	LocalBridgeCapacity  int
	RemoteBridgeCapacity int
	// NewRenderer defaults to a playback.StatsRenderer per direction.
	NewRenderer RendererFactory

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnStateChange runs on the negotiation dispatch goroutine.
	OnStateChange func(negotiation.State)
}

// direction holds the per-direction pipeline. attached is the one-shot flag
// that turns the first frame into a playback sink.
type direction struct {
	dir      media.Direction
	bridge   *framebridge.Bridge
	dropped  string
	attached atomic.Bool
	player   *playback.Player
}

// Orchestrator owns one call session. Start, Call, Suspend and Close may be
// called from any goroutine; they are serialized on the orchestrator
// goroutine.
type Orchestrator struct {
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	cmds chan func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once

	local  *direction
	remote *direction

	// Owned by the orchestrator goroutine.
	started    bool
	running    []media.DeviceSource
	tracks     []*media.Track
	engine     negotiation.Engine
	controller *negotiation.Controller

	ctrl atomic.Pointer[negotiation.Controller]
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.LocalPeerID == "" || cfg.RemotePeerID == "" {
		return nil, errors.New("session: local and remote peer ids are required")
	}
	if cfg.NewEngine == nil {
		return nil, errors.New("session: engine factory is required")
	}
	if cfg.Signaling == nil {
		return nil, errors.New("session: signaling channel is required")
	}
	if cfg.LocalBridgeCapacity <= 0 {
		cfg.LocalBridgeCapacity = framebridge.DefaultLocalCapacity
	}
	if cfg.RemoteBridgeCapacity <= 0 {
		cfg.RemoteBridgeCapacity = framebridge.DefaultRemoteCapacity
	}
	if cfg.NewRenderer == nil {
		cfg.NewRenderer = func(media.Direction, playback.SinkConfig) (playback.Renderer, error) {
			return &playback.StatsRenderer{}, nil
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	o := &Orchestrator{
		cfg:     cfg,
		log:     logger.With("component", "session", "local_peer", cfg.LocalPeerID, "remote_peer", cfg.RemotePeerID),
		metrics: cfg.Metrics,
		cmds:    make(chan func(), commandQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		local: &direction{
			dir:     media.DirectionLocal,
			bridge:  framebridge.New(media.DirectionLocal, cfg.LocalBridgeCapacity),
			dropped: metrics.FrameDroppedLocal,
		},
		remote: &direction{
			dir:     media.DirectionRemote,
			bridge:  framebridge.New(media.DirectionRemote, cfg.RemoteBridgeCapacity),
			dropped: metrics.FrameDroppedRemote,
		},
	}
	go o.run()
	return o, nil
}

func (o *Orchestrator) LocalBridge() *framebridge.Bridge  { return o.local.bridge }
func (o *Orchestrator) RemoteBridge() *framebridge.Bridge { return o.remote.bridge }

// State reports the negotiation state of the current call, StateIdle when
// no call has been started and StateClosed after Suspend.
func (o *Orchestrator) State() negotiation.State {
	if c := o.ctrl.Load(); c != nil {
		return c.State()
	}
	return negotiation.StateIdle
}

func (o *Orchestrator) PeerState() string {
	if c := o.ctrl.Load(); c != nil {
		return c.PeerState()
	}
	return ""
}

// SinkAttached reports whether a playback sink exists for dir.
func (o *Orchestrator) SinkAttached(dir media.Direction) bool {
	var attached bool
	err := o.do(func() error {
		attached = o.pipeline(dir).player != nil
		return nil
	})
	return err == nil && attached
}

// Start acquires the capture devices, initializes the engine and the
// negotiation controller and begins polling for signaling. A failure leaves
// nothing running; the returned error is the resource fault.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.do(func() error { return o.start(ctx) })
}

// Call makes this side the offerer.
func (o *Orchestrator) Call(ctx context.Context) error {
	var c *negotiation.Controller
	if err := o.do(func() error {
		if !o.started {
			return ErrNotStarted
		}
		c = o.controller
		return nil
	}); err != nil {
		return err
	}
	return c.CreateOffer(ctx)
}

// Suspend tears the session down: the peer connection is closed first, then
// playback sinks are detached and signaling stops, then the devices are
// released. It is safe after a failed or partial Start and when nothing was
// started.
func (o *Orchestrator) Suspend() error {
	return o.do(o.teardown)
}

// Close suspends the session and stops the orchestrator goroutine.
func (o *Orchestrator) Close() error {
	err := o.Suspend()
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	o.closeOnce.Do(func() {
		close(o.quit)
		<-o.done
	})
	return err
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.quit:
			return
		case fn := <-o.cmds:
			fn()
		}
	}
}

// do runs fn on the orchestrator goroutine and waits for it.
func (o *Orchestrator) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case o.cmds <- func() { errc <- fn() }:
	case <-o.quit:
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-o.done:
		return ErrClosed
	}
}

// post hands fn to the orchestrator goroutine without waiting. It reports
// false if the queue is full or the orchestrator is gone.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.cmds <- fn:
		return true
	case <-o.quit:
		return false
	default:
		return false
	}
}

func (o *Orchestrator) pipeline(dir media.Direction) *direction {
	if dir == media.DirectionRemote {
		return o.remote
	}
	return o.local
}

func (o *Orchestrator) start(ctx context.Context) (err error) {
	if o.started {
		return ErrAlreadyStarted
	}
	o.started = true
	for _, p := range []*direction{o.local, o.remote} {
		p.bridge.Reset()
		p.attached.Store(false)
	}
	defer func() {
		if err != nil {
			o.log.Error("session start failed", "err", err)
			_ = o.teardown()
		}
	}()

	for _, dev := range o.cfg.Devices {
		track := media.NewTrack(dev.Name()+"_track", dev.Kind(), media.DirectionLocal)
		if track.Kind() == media.KindVideo {
			track.Subscribe(o.frameHandler(o.local))
		}
		o.tracks = append(o.tracks, track)

		// Devices outlive the Start call, so only its values are inherited.
		if err := dev.Start(context.WithoutCancel(ctx), track.Deliver); err != nil {
			return fmt.Errorf("start device %q: %w", dev.Name(), err)
		}
		o.running = append(o.running, dev)
	}

	engine, err := o.cfg.NewEngine()
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	o.engine = engine
	if err := engine.Initialize(ctx, negotiation.EngineConfig{ICEServers: o.cfg.ICEServers}); err != nil {
		return fmt.Errorf("initialize engine: %w", err)
	}

	controller, err := negotiation.NewController(negotiation.Config{
		Engine:        engine,
		Transport:     o.cfg.Signaling,
		LocalPeerID:   o.cfg.LocalPeerID,
		RemotePeerID:  o.cfg.RemotePeerID,
		Tracks:        o.tracks,
		Logger:        o.cfg.Logger,
		Metrics:       o.metrics,
		OnRemoteTrack: o.onRemoteTrack,
		OnStateChange: o.cfg.OnStateChange,
	})
	if err != nil {
		return fmt.Errorf("create negotiation controller: %w", err)
	}
	o.controller = controller
	o.ctrl.Store(controller)

	o.cfg.Signaling.OnMessage(controller.HandleMessage)
	o.cfg.Signaling.StartPolling()
	o.log.Info("session started", "devices", len(o.running))
	return nil
}

func (o *Orchestrator) teardown() error {
	if !o.started {
		return nil
	}
	o.started = false

	var errs []error
	if o.controller != nil {
		// Closes the engine, releases the local tracks and stops signaling.
		if err := o.controller.Close(); err != nil {
			errs = append(errs, err)
		}
		o.controller = nil
	} else {
		if o.engine != nil {
			if err := o.engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close engine: %w", err))
			}
		}
		for _, t := range o.tracks {
			t.Release()
		}
	}
	o.engine = nil
	o.tracks = nil

	if err := o.detach(o.local); err != nil {
		errs = append(errs, err)
	}
	o.cfg.Signaling.OnMessage(nil)
	o.cfg.Signaling.StopPolling()
	if err := o.detach(o.remote); err != nil {
		errs = append(errs, err)
	}

	for i := len(o.running) - 1; i >= 0; i-- {
		dev := o.running[i]
		if err := dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop device %q: %w", dev.Name(), err))
		}
	}
	o.running = nil

	o.log.Info("session suspended")
	return errors.Join(errs...)
}

func (o *Orchestrator) detach(p *direction) error {
	var err error
	if p.player != nil {
		err = p.player.Stop()
		p.player = nil
	}
	p.bridge.Reset()
	p.attached.Store(false)
	return err
}

// frameHandler runs on the producer's goroutine: it feeds the bridge and, for
// the first frame only, asks the orchestrator goroutine for a sink.
func (o *Orchestrator) frameHandler(p *direction) media.FrameHandler {
	return func(f media.Frame) {
		if p.bridge.Enqueue(f) {
			o.metrics.Inc(p.dropped)
		}
		if p.attached.Swap(true) {
			return
		}
		if !o.post(func() { o.attachSink(p, f) }) {
			p.attached.Store(false)
		}
	}
}

// onRemoteTrack runs on the negotiation dispatch goroutine and must not
// block. Remote tracks are released by the engine on close, which also
// drops this subscription.
func (o *Orchestrator) onRemoteTrack(track *media.Track) {
	if track.Kind() != media.KindVideo {
		return
	}
	track.Subscribe(o.frameHandler(o.remote))
}

func (o *Orchestrator) attachSink(p *direction, first media.Frame) {
	if !o.started || p.player != nil {
		return
	}
	sink, err := playback.SinkConfigFor(first)
	if err != nil {
		o.log.Warn("cannot size playback sink from first frame", "direction", p.dir, "err", err)
		p.attached.Store(false)
		return
	}
	renderer, err := o.cfg.NewRenderer(p.dir, sink)
	if err != nil {
		o.log.Error("create renderer failed", "direction", p.dir, "err", err)
		return
	}
	player, err := playback.NewPlayer(playback.PlayerConfig{
		Bridge:   p.bridge,
		Renderer: renderer,
		Sink:     sink,
		Logger:   o.cfg.Logger,
		Metrics:  o.metrics,
	})
	if err != nil {
		_ = renderer.Close()
		o.log.Error("create player failed", "direction", p.dir, "err", err)
		return
	}
	if err := player.Start(); err != nil {
		_ = player.Stop()
		o.log.Error("start player failed", "direction", p.dir, "err", err)
		return
	}
	p.player = player
}
