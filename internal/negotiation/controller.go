package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
)

const (
	inboxSize = 64
	// maxPendingCandidates bounds the ICE queue held while no remote
	// description is set.
	maxPendingCandidates = 256
)

// Transport is the subset of signaling.Channel used by the Controller.
type Transport interface {
	Send(msg signaling.Message)
	StopPolling()
}

type Config struct {
	Engine       Engine
	Transport    Transport
	LocalPeerID  string
	RemotePeerID string

	// Tracks are attached to the engine before the first description is
	// produced or applied, and released by Close.
	Tracks []*media.Track

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// OnRemoteTrack and OnStateChange run on the dispatch goroutine and must
	// not block or call Close. OnStateChange also receives StateClosed from
	// the goroutine that calls Close.
	OnRemoteTrack func(*media.Track)
	OnStateChange func(State)
}

// Controller is the per-connection negotiation state machine.
//
// Offers may only be created from StateIdle, and inbound offers are only
// accepted in StateIdle. Answers are only accepted in StateOfferPending.
// Simultaneous offers from both peers are not rolled back: each side ends up
// rejecting the other's answer.
type Controller struct {
	engine    Engine
	transport Transport
	local     string
	remote    string
	tracks    []*media.Track

	log     *slog.Logger
	metrics *metrics.Metrics

	onRemoteTrack func(*media.Track)
	onStateChange func(State)

	ctx     context.Context
	cancel  context.CancelFunc
	inbox   chan func()
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closeErr  error

	state     atomic.Int32
	peerState atomic.Value

	// Owned by the dispatch goroutine.
	attached       int
	localSet       bool
	remoteSet      bool
	applyingRemote bool
	pendingICE     []ICECandidate
}

// NewController starts the dispatch goroutine. The engine must already be
// initialized.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Engine == nil {
		return nil, errors.New("negotiation: engine is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("negotiation: transport is required")
	}
	if cfg.LocalPeerID == "" || cfg.RemotePeerID == "" {
		return nil, errors.New("negotiation: local and remote peer ids are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		engine:        cfg.Engine,
		transport:     cfg.Transport,
		local:         cfg.LocalPeerID,
		remote:        cfg.RemotePeerID,
		tracks:        append([]*media.Track(nil), cfg.Tracks...),
		log:           logger.With("component", "negotiation", "local_peer", cfg.LocalPeerID, "remote_peer", cfg.RemotePeerID),
		metrics:       cfg.Metrics,
		onRemoteTrack: cfg.OnRemoteTrack,
		onStateChange: cfg.OnStateChange,
		ctx:           ctx,
		cancel:        cancel,
		inbox:         make(chan func(), inboxSize),
		closing:       make(chan struct{}),
		done:          make(chan struct{}),
	}
	c.peerState.Store("new")

	go c.run()
	return c, nil
}

func (c *Controller) State() State { return State(c.state.Load()) }

// PeerState reports the engine's last announced connection state.
func (c *Controller) PeerState() string {
	s, _ := c.peerState.Load().(string)
	return s
}

// CreateOffer starts the caller role. It returns once the offer has been
// requested from the engine; the offer itself is sent when the engine
// reports it.
func (c *Controller) CreateOffer(ctx context.Context) error {
	errc := make(chan error, 1)
	if !c.post(func() { errc <- c.startOffer() }) {
		return ErrClosed
	}
	select {
	case err := <-errc:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleMessage queues an inbound signaling message for the dispatch
// goroutine. It is a no-op once the controller is closed.
func (c *Controller) HandleMessage(msg signaling.Message) {
	c.post(func() { c.handleMessage(msg) })
}

// Close moves the controller to StateClosed, releases its tracks, closes the
// engine and stops the signaling transport. Only the first call has any
// effect; later calls return the first call's result.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
		c.cancel()
		<-c.done

		c.setState(StateClosed)
		for _, t := range c.tracks {
			t.Release()
		}
		if err := c.engine.Close(); err != nil {
			c.closeErr = fmt.Errorf("close engine: %w", err)
		}
		c.transport.StopPolling()
	})
	return c.closeErr
}

func (c *Controller) post(fn func()) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.inbox <- fn:
		return true
	case <-c.closing:
		return false
	}
}

func (c *Controller) run() {
	defer close(c.done)
	events := c.engine.Events()
	for {
		select {
		case <-c.closing:
			return
		case fn := <-c.inbox:
			fn()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.handleEngineEvent(ev)
		}
	}
}

// async runs op off the dispatch goroutine and hands its result to then on
// the dispatch goroutine. The result is discarded if the controller closes
// first.
func (c *Controller) async(op func(context.Context) error, then func(error)) {
	go func() {
		err := op(c.ctx)
		c.post(func() { then(err) })
	}()
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.log.Info("negotiation state changed", "from", prev, "to", s)
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Controller) violation(msg string, args ...any) {
	c.metrics.Inc(metrics.ProtocolViolation)
	c.log.Warn(msg, args...)
}

func (c *Controller) engineFailure(msg string, err error) {
	c.metrics.Inc(metrics.NegotiationFailure)
	c.log.Error(msg, "err", err)
}

func (c *Controller) attachTracks() error {
	for c.attached < len(c.tracks) {
		t := c.tracks[c.attached]
		if err := c.engine.AddTrack(t); err != nil {
			return fmt.Errorf("attach track %q: %w", t.Name(), err)
		}
		c.attached++
	}
	return nil
}

func (c *Controller) startOffer() error {
	if st := c.State(); st != StateIdle || c.applyingRemote {
		return fmt.Errorf("%w: cannot create offer in %s", ErrInvalidState, st)
	}
	if err := c.attachTracks(); err != nil {
		return err
	}
	c.setState(StateOfferPending)
	c.async(c.engine.CreateOffer, func(err error) {
		if err == nil {
			return
		}
		c.engineFailure("create offer failed", err)
		if c.State() == StateOfferPending && !c.localSet {
			c.setState(StateIdle)
		}
	})
	return nil
}

func (c *Controller) handleMessage(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeOffer:
		c.handleRemoteOffer(msg.SDP)
	case signaling.MessageTypeAnswer:
		c.handleRemoteAnswer(msg.SDP)
	case signaling.MessageTypeICE:
		c.handleRemoteCandidate(ICECandidate{
			Candidate:     msg.Candidate,
			SDPMid:        msg.SDPMid,
			SDPMLineIndex: msg.SDPMLineIndex,
		})
	default:
		c.violation("dropping signaling message of unknown type", "type", msg.Type)
	}
}

func (c *Controller) handleRemoteOffer(sdp string) {
	if st := c.State(); st != StateIdle || c.applyingRemote {
		c.violation("dropping offer received outside idle", "state", st)
		return
	}
	if err := c.attachTracks(); err != nil {
		c.engineFailure("attaching tracks before answer failed", err)
		return
	}

	c.applyingRemote = true
	desc := SessionDescription{Type: SDPTypeOffer, SDP: sdp}
	c.async(func(ctx context.Context) error {
		return c.engine.SetRemoteDescription(ctx, desc)
	}, func(err error) {
		c.applyingRemote = false
		if err != nil {
			c.engineFailure("applying remote offer failed", err)
			return
		}
		c.remoteApplied()
		c.setState(StateAnswerPending)
		c.async(c.engine.CreateAnswer, func(err error) {
			if err == nil {
				return
			}
			c.engineFailure("create answer failed", err)
			if c.State() == StateAnswerPending && !c.localSet {
				c.setState(StateIdle)
			}
		})
	})
}

func (c *Controller) handleRemoteAnswer(sdp string) {
	st := c.State()
	if st != StateOfferPending || !c.localSet || c.applyingRemote {
		c.violation("dropping answer received outside offer_pending", "state", st, "offer_sent", c.localSet)
		return
	}

	c.applyingRemote = true
	desc := SessionDescription{Type: SDPTypeAnswer, SDP: sdp}
	c.async(func(ctx context.Context) error {
		return c.engine.SetRemoteDescription(ctx, desc)
	}, func(err error) {
		c.applyingRemote = false
		if err != nil {
			// Stay in OfferPending; the relay may deliver a usable answer later.
			c.engineFailure("applying remote answer failed", err)
			return
		}
		c.remoteApplied()
		c.setState(StateConnected)
	})
}

func (c *Controller) handleRemoteCandidate(cand ICECandidate) {
	if c.remoteSet {
		c.applyCandidate(cand)
		return
	}
	if len(c.pendingICE) >= maxPendingCandidates {
		c.violation("dropping ice candidate; too many queued before remote description")
		return
	}
	c.pendingICE = append(c.pendingICE, cand)
	c.metrics.Inc(metrics.ICECandidateQueued)
	c.log.Debug("queued ice candidate until remote description is set", "queued", len(c.pendingICE))
}

// remoteApplied flushes candidates queued before the remote description, in
// the order they were received.
func (c *Controller) remoteApplied() {
	c.remoteSet = true
	pending := c.pendingICE
	c.pendingICE = nil
	for _, cand := range pending {
		c.applyCandidate(cand)
	}
}

func (c *Controller) applyCandidate(cand ICECandidate) {
	if err := c.engine.AddICECandidate(cand); err != nil {
		c.violation("engine rejected remote ice candidate", "err", err)
		return
	}
	c.metrics.Inc(metrics.ICECandidateApplied)
}

func (c *Controller) handleEngineEvent(ev Event) {
	switch ev := ev.(type) {
	case LocalSDPReady:
		c.handleLocalDescription(ev.Description)
	case ICECandidateReady:
		cand := ev.Candidate
		c.transport.Send(signaling.NewICECandidate(c.local, c.remote, cand.Candidate, cand.SDPMLineIndex, cand.SDPMid))
	case ConnectionStateChanged:
		c.peerState.Store(ev.State)
		c.log.Info("peer connection state changed", "peer_state", ev.State)
	case RemoteTrackAdded:
		c.log.Info("remote track added", "track", ev.Track.Name(), "kind", ev.Track.Kind())
		if c.onRemoteTrack != nil {
			c.onRemoteTrack(ev.Track)
		}
	default:
		c.log.Warn("ignoring unknown engine event", "event", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) handleLocalDescription(desc SessionDescription) {
	st := c.State()
	switch {
	case desc.Type == SDPTypeOffer && st == StateOfferPending && !c.localSet:
		c.localSet = true
		c.transport.Send(signaling.NewOffer(c.local, c.remote, desc.SDP))
	case desc.Type == SDPTypeAnswer && st == StateAnswerPending && !c.localSet:
		c.localSet = true
		c.transport.Send(signaling.NewAnswer(c.local, c.remote, desc.SDP))
		c.setState(StateConnected)
	default:
		c.log.Warn("discarding unexpected local description", "type", desc.Type, "state", st)
	}
}
