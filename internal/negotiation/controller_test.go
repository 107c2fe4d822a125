package negotiation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
)

// fakeEngine records every call the controller makes. CreateOffer and
// CreateAnswer report a canned local description through Events, the way a
// real engine does once SetLocalDescription succeeds.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	events chan Event
	closed bool
	closes int

	offerErr  error
	answerErr error
	remoteErr error
	// remoteGate, when set, holds SetRemoteDescription until it is closed.
	remoteGate chan struct{}
	// answerGate, when set, holds CreateAnswer until it is closed.
	answerGate chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{events: make(chan Event, 16)}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) Calls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) Initialize(context.Context, EngineConfig) error {
	e.record("initialize")
	return nil
}

func (e *fakeEngine) AddTrack(t *media.Track) error {
	e.record("add_track:" + t.Name())
	return nil
}

func (e *fakeEngine) CreateOffer(context.Context) error {
	e.record("create_offer")
	if e.offerErr != nil {
		return e.offerErr
	}
	e.emit(LocalSDPReady{Description: SessionDescription{Type: SDPTypeOffer, SDP: "local-offer"}})
	return nil
}

func (e *fakeEngine) CreateAnswer(ctx context.Context) error {
	if e.answerGate != nil {
		select {
		case <-e.answerGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.record("create_answer")
	if e.answerErr != nil {
		return e.answerErr
	}
	e.emit(LocalSDPReady{Description: SessionDescription{Type: SDPTypeAnswer, SDP: "local-answer"}})
	return nil
}

func (e *fakeEngine) SetRemoteDescription(ctx context.Context, desc SessionDescription) error {
	if e.remoteGate != nil {
		select {
		case <-e.remoteGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.record("set_remote:" + desc.Type.String())
	return e.remoteErr
}

func (e *fakeEngine) AddICECandidate(c ICECandidate) error {
	e.record("add_ice:" + c.Candidate)
	return nil
}

func (e *fakeEngine) Events() <-chan Event { return e.events }

// emit drops events once the engine is closed, as a real engine would.
func (e *fakeEngine) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.events <- ev
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	if !e.closed {
		e.closed = true
		close(e.events)
	}
	return nil
}

type fakeTransport struct {
	mu    sync.Mutex
	sent  []signaling.Message
	stops int
}

func (t *fakeTransport) Send(msg signaling.Message) {
	t.mu.Lock()
	t.sent = append(t.sent, msg)
	t.mu.Unlock()
}

func (t *fakeTransport) StopPolling() {
	t.mu.Lock()
	t.stops++
	t.mu.Unlock()
}

func (t *fakeTransport) Sent() []signaling.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]signaling.Message(nil), t.sent...)
}

type harness struct {
	c      *Controller
	engine *fakeEngine
	tr     *fakeTransport
	m      *metrics.Metrics
	track  *media.Track

	mu     sync.Mutex
	states []State
}

func newHarness(t *testing.T, engine *fakeEngine) *harness {
	t.Helper()
	h := &harness{
		engine: engine,
		tr:     &fakeTransport{},
		m:      metrics.New(),
		track:  media.NewTrack("webcam_track", media.KindVideo, media.DirectionLocal),
	}
	c, err := NewController(Config{
		Engine:       engine,
		Transport:    h.tr,
		LocalPeerID:  "PC1",
		RemotePeerID: "App1",
		Tracks:       []*media.Track{h.track},
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      h.m,
		OnStateChange: func(s State) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
	})
	require.NoError(t, err)
	h.c = c
	t.Cleanup(func() { _ = c.Close() })
	return h
}

func (h *harness) States() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]State(nil), h.states...)
}

// sync waits until everything queued on the dispatch goroutine so far has run.
func (h *harness) sync(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, h.c.post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "dispatch goroutine did not drain")
	}
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.c.State() == want }, 2*time.Second, time.Millisecond,
		"state=%s, want %s", h.c.State(), want)
}

func (h *harness) deliver(msg signaling.Message) {
	h.c.HandleMessage(msg)
}

func offerFromRemote() signaling.Message  { return signaling.NewOffer("App1", "PC1", "remote-offer") }
func answerFromRemote() signaling.Message { return signaling.NewAnswer("App1", "PC1", "remote-answer") }
func iceFromRemote(c string) signaling.Message {
	return signaling.NewICECandidate("App1", "PC1", c, nil, nil)
}

func TestNewController_RequiresCollaborators(t *testing.T) {
	_, err := NewController(Config{Transport: &fakeTransport{}, LocalPeerID: "a", RemotePeerID: "b"})
	require.Error(t, err)
	_, err = NewController(Config{Engine: newFakeEngine(), LocalPeerID: "a", RemotePeerID: "b"})
	require.Error(t, err)
	_, err = NewController(Config{Engine: newFakeEngine(), Transport: &fakeTransport{}})
	require.Error(t, err)
}

func TestController_OffererReachesConnected(t *testing.T) {
	h := newHarness(t, newFakeEngine())

	require.NoError(t, h.c.CreateOffer(context.Background()))
	assert.Equal(t, StateOfferPending, h.c.State())

	require.Eventually(t, func() bool { return len(h.tr.Sent()) == 1 }, 2*time.Second, time.Millisecond)
	offer := h.tr.Sent()[0]
	assert.Equal(t, signaling.MessageTypeOffer, offer.Type)
	assert.Equal(t, "PC1", offer.From)
	assert.Equal(t, "App1", offer.To)
	assert.Equal(t, "local-offer", offer.SDP)

	h.deliver(answerFromRemote())
	h.waitState(t, StateConnected)

	assert.Equal(t, []string{"add_track:webcam_track", "create_offer", "set_remote:answer"}, h.engine.Calls())
	assert.Equal(t, []State{StateOfferPending, StateConnected}, h.States())
}

func TestController_AnswererReachesConnected(t *testing.T) {
	h := newHarness(t, newFakeEngine())

	h.deliver(offerFromRemote())
	h.waitState(t, StateConnected)

	sent := h.tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, signaling.MessageTypeAnswer, sent[0].Type)
	assert.Equal(t, "App1", sent[0].To)
	assert.Equal(t, "local-answer", sent[0].SDP)

	assert.Equal(t, []string{"add_track:webcam_track", "set_remote:offer", "create_answer"}, h.engine.Calls())
	assert.Equal(t, []State{StateAnswerPending, StateConnected}, h.States())
}

func TestController_AnswerIgnoredInIdle(t *testing.T) {
	h := newHarness(t, newFakeEngine())

	h.deliver(answerFromRemote())
	h.sync(t)

	assert.Equal(t, StateIdle, h.c.State())
	assert.Empty(t, h.engine.Calls())
	assert.EqualValues(t, 1, h.m.Get(metrics.ProtocolViolation))
}

func TestController_AnswerIgnoredInAnswerPending(t *testing.T) {
	engine := newFakeEngine()
	engine.answerGate = make(chan struct{})
	h := newHarness(t, engine)

	h.deliver(offerFromRemote())
	h.waitState(t, StateAnswerPending)
	before := engine.Calls()

	h.deliver(answerFromRemote())
	h.sync(t)

	assert.Equal(t, StateAnswerPending, h.c.State())
	assert.Equal(t, before, engine.Calls())
	assert.EqualValues(t, 1, h.m.Get(metrics.ProtocolViolation))

	close(engine.answerGate)
	h.waitState(t, StateConnected)
}

func TestController_DuplicateAnswerAfterConnectedIsIgnored(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	require.NoError(t, h.c.CreateOffer(context.Background()))
	require.Eventually(t, func() bool { return len(h.tr.Sent()) == 1 }, 2*time.Second, time.Millisecond)

	h.deliver(answerFromRemote())
	h.waitState(t, StateConnected)
	h.deliver(answerFromRemote())
	h.sync(t)

	assert.Equal(t, StateConnected, h.c.State())
	assert.Equal(t, []string{"add_track:webcam_track", "create_offer", "set_remote:answer"}, h.engine.Calls())
}

func TestController_CandidatesAppliedAfterRemoteDescriptionInReceiptOrder(t *testing.T) {
	engine := newFakeEngine()
	engine.remoteGate = make(chan struct{})
	h := newHarness(t, engine)

	h.deliver(iceFromRemote("A"))
	h.deliver(offerFromRemote())
	h.deliver(iceFromRemote("B"))
	h.deliver(iceFromRemote("C"))
	h.sync(t)

	assert.Equal(t, []string{"add_track:webcam_track"}, engine.Calls(), "no candidate may reach the engine before its description")
	assert.EqualValues(t, 3, h.m.Get(metrics.ICECandidateQueued))

	close(engine.remoteGate)
	h.waitState(t, StateConnected)

	assert.Equal(t, []string{
		"add_track:webcam_track",
		"set_remote:offer",
		"add_ice:A",
		"add_ice:B",
		"add_ice:C",
		"create_answer",
	}, engine.Calls())

	h.deliver(iceFromRemote("D"))
	h.sync(t)
	calls := engine.Calls()
	assert.Equal(t, "add_ice:D", calls[len(calls)-1])
	assert.EqualValues(t, 4, h.m.Get(metrics.ICECandidateApplied))
}

func TestController_CandidatesQueuedWhileOfferPending(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	require.NoError(t, h.c.CreateOffer(context.Background()))
	require.Eventually(t, func() bool { return len(h.tr.Sent()) == 1 }, 2*time.Second, time.Millisecond)

	h.deliver(iceFromRemote("A"))
	h.deliver(iceFromRemote("B"))
	h.deliver(iceFromRemote("C"))
	h.sync(t)
	assert.NotContains(t, h.engine.Calls(), "add_ice:A")

	h.deliver(answerFromRemote())
	h.waitState(t, StateConnected)
	assert.Equal(t, []string{
		"add_track:webcam_track",
		"create_offer",
		"set_remote:answer",
		"add_ice:A",
		"add_ice:B",
		"add_ice:C",
	}, h.engine.Calls())
}

func TestController_CreateOfferOnlyFromIdle(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	require.NoError(t, h.c.CreateOffer(context.Background()))

	err := h.c.CreateOffer(context.Background())
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, StateOfferPending, h.c.State())

	calls := h.engine.Calls()
	n := 0
	for _, c := range calls {
		if c == "create_offer" {
			n++
		}
	}
	assert.Equal(t, 1, n, "at most one outstanding local offer")
}

func TestController_FailedOfferReturnsToIdle(t *testing.T) {
	engine := newFakeEngine()
	engine.offerErr = errors.New("no codecs")
	h := newHarness(t, engine)

	require.NoError(t, h.c.CreateOffer(context.Background()))
	h.waitState(t, StateIdle)
	assert.Empty(t, h.tr.Sent())
	assert.EqualValues(t, 1, h.m.Get(metrics.NegotiationFailure))
}

func TestController_OfferRejectedOutsideIdle(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	require.NoError(t, h.c.CreateOffer(context.Background()))

	h.deliver(offerFromRemote())
	h.sync(t)

	assert.Equal(t, StateOfferPending, h.c.State())
	assert.NotContains(t, h.engine.Calls(), "set_remote:offer")
	assert.EqualValues(t, 1, h.m.Get(metrics.ProtocolViolation))
}

func TestController_FailedRemoteOfferStaysIdle(t *testing.T) {
	engine := newFakeEngine()
	engine.remoteErr = errors.New("bad sdp")
	h := newHarness(t, engine)

	h.deliver(offerFromRemote())
	require.Eventually(t, func() bool { return h.m.Get(metrics.NegotiationFailure) == 1 }, 2*time.Second, time.Millisecond)
	assert.Equal(t, StateIdle, h.c.State())
	assert.NotContains(t, engine.Calls(), "create_answer")
}

func TestController_ForwardsEngineEvents(t *testing.T) {
	engine := newFakeEngine()
	remoteTracks := make(chan *media.Track, 1)

	tr := &fakeTransport{}
	c, err := NewController(Config{
		Engine:        engine,
		Transport:     tr,
		LocalPeerID:   "PC1",
		RemotePeerID:  "App1",
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		OnRemoteTrack: func(t *media.Track) { remoteTracks <- t },
	})
	require.NoError(t, err)
	defer c.Close()

	mid := "0"
	idx := uint16(0)
	engine.emit(ICECandidateReady{Candidate: ICECandidate{Candidate: "candidate:local", SDPMid: &mid, SDPMLineIndex: &idx}})
	engine.emit(ConnectionStateChanged{State: "checking"})
	remote := media.NewTrack("remote_video", media.KindVideo, media.DirectionRemote)
	engine.emit(RemoteTrackAdded{Track: remote})

	select {
	case got := <-remoteTracks:
		assert.Same(t, remote, got)
	case <-time.After(2 * time.Second):
		require.FailNow(t, "remote track not announced")
	}
	assert.Equal(t, "checking", c.PeerState())

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, signaling.MessageTypeICE, sent[0].Type)
	assert.Equal(t, "candidate:local", sent[0].Candidate)
	require.NotNil(t, sent[0].SDPMid)
	assert.Equal(t, "0", *sent[0].SDPMid)
}

func TestController_CloseIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeEngine())
	require.NoError(t, h.c.CreateOffer(context.Background()))

	require.NoError(t, h.c.Close())
	callsAfterFirst := h.engine.Calls()
	require.NoError(t, h.c.Close())

	assert.Equal(t, StateClosed, h.c.State())
	assert.Equal(t, callsAfterFirst, h.engine.Calls())
	assert.True(t, h.track.Released())

	h.engine.mu.Lock()
	assert.Equal(t, 1, h.engine.closes)
	h.engine.mu.Unlock()
	h.tr.mu.Lock()
	assert.Equal(t, 1, h.tr.stops)
	h.tr.mu.Unlock()

	states := h.States()
	assert.Equal(t, StateClosed, states[len(states)-1])
	closedCount := 0
	for _, s := range states {
		if s == StateClosed {
			closedCount++
		}
	}
	assert.Equal(t, 1, closedCount)
}

func TestController_NothingHappensAfterClose(t *testing.T) {
	engine := newFakeEngine()
	h := newHarness(t, engine)
	require.NoError(t, h.c.Close())

	require.ErrorIs(t, h.c.CreateOffer(context.Background()), ErrClosed)
	h.deliver(offerFromRemote())
	h.deliver(iceFromRemote("A"))
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, engine.Calls())
	assert.Empty(t, h.tr.Sent())
	assert.Equal(t, StateClosed, h.c.State())
}

func TestController_CloseCancelsInFlightEngineWork(t *testing.T) {
	engine := newFakeEngine()
	engine.remoteGate = make(chan struct{})
	h := newHarness(t, engine)

	h.deliver(offerFromRemote())
	h.sync(t)

	done := make(chan struct{})
	go func() {
		_ = h.c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "Close blocked on a suspended engine call")
	}
	assert.NotContains(t, engine.Calls(), "create_answer")
}
