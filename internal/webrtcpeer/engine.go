package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/negotiation"
)

const (
	defaultEventBuffer   = 64
	defaultFrameDuration = time.Second / 30
	// Uncompressed frames span many RTP packets, so the reorder window has
	// to cover at least one whole frame.
	sampleBuilderMaxLate = 1024
	streamID             = "aero"
)

var (
	ErrNotInitialized     = errors.New("webrtcpeer: engine not initialized")
	ErrAlreadyInitialized = errors.New("webrtcpeer: engine already initialized")
	ErrEngineClosed       = errors.New("webrtcpeer: engine closed")
)

type EngineConfig struct {
	API *webrtc.API
	// Encoder and Decoder default to RawCodec.
	Encoder Encoder
	Decoder Decoder
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// EventBuffer is the depth of the Events channel.
	EventBuffer int
}

// Engine drives a single pion PeerConnection. Local tracks are sent as VP8
// (video) or Opus (audio) sample tracks; only video carries frames.
type Engine struct {
	api     *webrtc.API
	enc     Encoder
	dec     Decoder
	log     *slog.Logger
	metrics *metrics.Metrics

	events  chan negotiation.Event
	closing chan struct{}

	mu       sync.Mutex
	closed   bool
	pc       *webrtc.PeerConnection
	unsubs   []func()
	remote   []*media.Track
	emitters sync.WaitGroup
	workers  sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

var _ negotiation.Engine = (*Engine)(nil)

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.API == nil {
		return nil, errors.New("webrtcpeer: api is required")
	}
	if cfg.Encoder == nil {
		cfg.Encoder = RawCodec{}
	}
	if cfg.Decoder == nil {
		cfg.Decoder = RawCodec{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Engine{
		api:     cfg.API,
		enc:     cfg.Encoder,
		dec:     cfg.Decoder,
		log:     cfg.Logger.With("component", "webrtc_engine"),
		metrics: cfg.Metrics,
		events:  make(chan negotiation.Event, cfg.EventBuffer),
		closing: make(chan struct{}),
	}, nil
}

func (e *Engine) Events() <-chan negotiation.Event { return e.events }

// PeerConnection returns the underlying connection, or nil before Initialize.
func (e *Engine) PeerConnection() *webrtc.PeerConnection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pc
}

func (e *Engine) Initialize(ctx context.Context, cfg negotiation.EngineConfig) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if e.pc != nil {
		return ErrAlreadyInitialized
	}

	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering; the relay protocol has no message
		// for it.
		if c == nil {
			return
		}
		init := c.ToJSON()
		e.emit(negotiation.ICECandidateReady{Candidate: negotiation.ICECandidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		}})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.emit(negotiation.ConnectionStateChanged{State: state.String()})
	})
	pc.OnTrack(e.onTrack)

	e.pc = pc
	return nil
}

func (e *Engine) AddTrack(track *media.Track) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}

	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	if track.Kind() == media.KindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, track.Name(), streamID)
	if err != nil {
		return fmt.Errorf("new local track %q: %w", track.Name(), err)
	}
	transceiver, err := pc.AddTransceiverFromTrack(local, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return fmt.Errorf("add transceiver for %q: %w", track.Name(), err)
	}

	// RTCP has to be drained for the interceptors (NACK, reports) to run.
	sender := transceiver.Sender()
	if !e.spawn(func() {
		for {
			if _, _, err := sender.ReadRTCP(); err != nil {
				return
			}
		}
	}) {
		return ErrEngineClosed
	}

	if track.Kind() != media.KindVideo {
		return nil
	}
	unsub := track.Subscribe(e.videoWriter(track.Name(), local))

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		unsub()
		return ErrEngineClosed
	}
	e.unsubs = append(e.unsubs, unsub)
	e.mu.Unlock()
	return nil
}

// videoWriter runs on the capture goroutine of a single track, so the
// previous timestamp needs no locking.
func (e *Engine) videoWriter(name string, local *webrtc.TrackLocalStaticSample) media.FrameHandler {
	var prev time.Duration
	var seen bool
	return func(f media.Frame) {
		payload, err := e.enc.Encode(f)
		if err != nil {
			e.metrics.Inc(metrics.FrameEncodeFailure)
			e.log.Debug("dropping local frame; encode failed", "track", name, "err", err)
			return
		}
		duration := defaultFrameDuration
		if seen && f.Timestamp > prev {
			duration = f.Timestamp - prev
		}
		prev, seen = f.Timestamp, true

		if err := local.WriteSample(pionmedia.Sample{Data: payload, Duration: duration}); err != nil {
			e.log.Debug("write sample failed", "track", name, "err", err)
		}
	}
}

func (e *Engine) CreateOffer(ctx context.Context) error {
	return e.createLocal(ctx, negotiation.SDPTypeOffer)
}

func (e *Engine) CreateAnswer(ctx context.Context) error {
	return e.createLocal(ctx, negotiation.SDPTypeAnswer)
}

func (e *Engine) createLocal(ctx context.Context, typ negotiation.SDPType) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var desc webrtc.SessionDescription
	if typ == negotiation.SDPTypeOffer {
		desc, err = pc.CreateOffer(nil)
	} else {
		desc, err = pc.CreateAnswer(nil)
	}
	if err != nil {
		return fmt.Errorf("create %s: %w", typ, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := pc.SetLocalDescription(desc); err != nil {
		return fmt.Errorf("set local %s: %w", typ, err)
	}

	sdp := desc.SDP
	if ld := pc.LocalDescription(); ld != nil {
		sdp = ld.SDP
	}
	e.emit(negotiation.LocalSDPReady{Description: negotiation.SessionDescription{Type: typ, SDP: sdp}})
	return nil
}

func (e *Engine) SetRemoteDescription(ctx context.Context, desc negotiation.SessionDescription) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var typ webrtc.SDPType
	switch desc.Type {
	case negotiation.SDPTypeOffer:
		typ = webrtc.SDPTypeOffer
	case negotiation.SDPTypeAnswer:
		typ = webrtc.SDPTypeAnswer
	default:
		return fmt.Errorf("webrtcpeer: unsupported description type %s", desc.Type)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: desc.SDP}); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	return nil
}

func (e *Engine) AddICECandidate(c negotiation.ICECandidate) error {
	pc, err := e.peerConnection()
	if err != nil {
		return err
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

// Close tears down the peer connection, waits for every reader goroutine and
// closes Events. Remote tracks are released.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.mu.Lock()
		e.closed = true
		close(e.closing)
		pc := e.pc
		unsubs := e.unsubs
		e.unsubs = nil
		e.mu.Unlock()

		for _, unsub := range unsubs {
			unsub()
		}
		if pc != nil {
			if err := pc.Close(); err != nil {
				e.closeErr = fmt.Errorf("close peer connection: %w", err)
			}
		}

		e.workers.Wait()
		e.emitters.Wait()
		close(e.events)

		e.mu.Lock()
		remote := e.remote
		e.remote = nil
		e.mu.Unlock()
		for _, t := range remote {
			t.Release()
		}
	})
	return e.closeErr
}

func (e *Engine) peerConnection() (*webrtc.PeerConnection, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.pc == nil {
		return nil, ErrNotInitialized
	}
	return e.pc, nil
}

// emit delivers ev unless the engine is closing. Nothing is sent on events
// after Close has started waiting on emitters.
func (e *Engine) emit(ev negotiation.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.emitters.Add(1)
	e.mu.Unlock()
	defer e.emitters.Done()

	select {
	case e.events <- ev:
	case <-e.closing:
	}
}

func (e *Engine) spawn(fn func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.workers.Add(1)
	e.mu.Unlock()
	go func() {
		defer e.workers.Done()
		fn()
	}()
	return true
}

func (e *Engine) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := media.KindVideo
	if remote.Kind() == webrtc.RTPCodecTypeAudio {
		kind = media.KindAudio
	}
	name := remote.ID()
	if name == "" {
		name = "remote_" + kind.String()
	}
	track := media.NewTrack(name, kind, media.DirectionRemote)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.remote = append(e.remote, track)
	e.mu.Unlock()

	codec := remote.Codec()
	e.log.Info("remote track negotiated", "track", name, "kind", kind, "codec", codec.MimeType)

	var reader func()
	if kind == media.KindVideo && strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8) {
		reader = func() { e.readVideo(remote, track, codec.ClockRate) }
	} else {
		reader = func() { drainRTP(remote) }
	}
	if !e.spawn(reader) {
		return
	}
	e.emit(negotiation.RemoteTrackAdded{Track: track})
}

func (e *Engine) readVideo(remote *webrtc.TrackRemote, track *media.Track, clockRate uint32) {
	if clockRate == 0 {
		clockRate = 90000
	}
	sb := samplebuilder.New(sampleBuilderMaxLate, &codecs.VP8Packet{}, clockRate)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		sb.Push(pkt)
		for s := sb.Pop(); s != nil; s = sb.Pop() {
			f, err := e.dec.Decode(s.Data)
			if err != nil {
				e.metrics.Inc(metrics.FrameDecodeFailure)
				e.log.Debug("dropping remote sample; decode failed", "track", track.Name(), "err", err)
				continue
			}
			f.Timestamp = time.Duration(s.PacketTimestamp) * time.Second / time.Duration(clockRate)
			track.Deliver(f)
		}
	}
}

func drainRTP(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}
