package session

import (
	"bytes"
	"context"
	"sync"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/playback"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(ev string) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) index(ev string) int {
	for i, e := range l.snapshot() {
		if e == ev {
			return i
		}
	}
	return -1
}

// fakeEngine answers every request immediately. It announces one remote
// video track the first time a remote description is applied.
type fakeEngine struct {
	id  string
	log *eventLog

	initErr error
	remote  *media.Track

	mu        sync.Mutex
	events    chan negotiation.Event
	closed    bool
	remoteSet bool
	ice       []string
}

func newFakeEngine(id string, log *eventLog) *fakeEngine {
	return &fakeEngine{
		id:     id,
		log:    log,
		remote: media.NewTrack("remote_video", media.KindVideo, media.DirectionRemote),
		events: make(chan negotiation.Event, 64),
	}
}

func (e *fakeEngine) Initialize(context.Context, negotiation.EngineConfig) error {
	return e.initErr
}

func (e *fakeEngine) AddTrack(*media.Track) error { return nil }

func (e *fakeEngine) CreateOffer(context.Context) error {
	e.emit(negotiation.ICECandidateReady{Candidate: negotiation.ICECandidate{Candidate: "candidate:" + e.id}})
	e.emit(negotiation.LocalSDPReady{Description: negotiation.SessionDescription{Type: negotiation.SDPTypeOffer, SDP: "offer-" + e.id}})
	return nil
}

func (e *fakeEngine) CreateAnswer(context.Context) error {
	e.emit(negotiation.LocalSDPReady{Description: negotiation.SessionDescription{Type: negotiation.SDPTypeAnswer, SDP: "answer-" + e.id}})
	e.emit(negotiation.ICECandidateReady{Candidate: negotiation.ICECandidate{Candidate: "candidate:" + e.id}})
	return nil
}

func (e *fakeEngine) SetRemoteDescription(context.Context, negotiation.SessionDescription) error {
	e.mu.Lock()
	first := !e.remoteSet
	e.remoteSet = true
	e.mu.Unlock()
	if first {
		e.emit(negotiation.RemoteTrackAdded{Track: e.remote})
		e.emit(negotiation.ConnectionStateChanged{State: "connected"})
	}
	return nil
}

func (e *fakeEngine) AddICECandidate(c negotiation.ICECandidate) error {
	e.mu.Lock()
	e.ice = append(e.ice, c.Candidate)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) appliedICE() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ice...)
}

func (e *fakeEngine) Events() <-chan negotiation.Event { return e.events }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.events)
	e.remote.Release()
	e.log.add(e.id + ":engine_close")
	return nil
}

func (e *fakeEngine) emit(ev negotiation.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.events <- ev:
	default:
	}
}

// manualDevice delivers frames only when the test pushes them.
type manualDevice struct {
	name     string
	log      *eventLog
	startErr error

	mu      sync.Mutex
	deliver media.FrameHandler
}

func (d *manualDevice) Name() string     { return d.name }
func (d *manualDevice) Kind() media.Kind { return media.KindVideo }

func (d *manualDevice) Start(_ context.Context, deliver media.FrameHandler) error {
	if d.startErr != nil {
		return d.startErr
	}
	d.mu.Lock()
	d.deliver = deliver
	d.mu.Unlock()
	d.log.add(d.name + ":device_start")
	return nil
}

func (d *manualDevice) Stop() error {
	d.mu.Lock()
	d.deliver = nil
	d.mu.Unlock()
	d.log.add(d.name + ":device_stop")
	return nil
}

func (d *manualDevice) push(f media.Frame) {
	d.mu.Lock()
	deliver := d.deliver
	d.mu.Unlock()
	if deliver != nil {
		deliver(f)
	}
}

type fakeSignaling struct {
	log *eventLog

	mu      sync.Mutex
	handler signaling.Handler
	sent    []signaling.Message
	polling bool
}

func (s *fakeSignaling) Send(msg signaling.Message) {
	s.mu.Lock()
	s.sent = append(s.sent, msg)
	s.mu.Unlock()
}

func (s *fakeSignaling) OnMessage(h signaling.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeSignaling) StartPolling() {
	s.mu.Lock()
	s.polling = true
	s.mu.Unlock()
	s.log.add("signaling_start")
}

func (s *fakeSignaling) StopPolling() {
	s.mu.Lock()
	s.polling = false
	s.mu.Unlock()
	s.log.add("signaling_stop")
}

func (s *fakeSignaling) inject(msg signaling.Message) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h(msg)
	}
}

func (s *fakeSignaling) isPolling() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polling
}

type sinkRecord struct {
	dir  media.Direction
	sink playback.SinkConfig
}

// rendererFactory hands out stats renderers and logs when they are closed.
type rendererFactory struct {
	log *eventLog

	mu        sync.Mutex
	created   []sinkRecord
	renderers map[media.Direction]*loggingRenderer
}

type loggingRenderer struct {
	playback.StatsRenderer
	name string
	log  *eventLog
}

func (r *loggingRenderer) Close() error {
	r.log.add(r.name + ":renderer_close")
	return r.StatsRenderer.Close()
}

func (f *rendererFactory) New(dir media.Direction, sink playback.SinkConfig) (playback.Renderer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, sinkRecord{dir: dir, sink: sink})
	if f.renderers == nil {
		f.renderers = make(map[media.Direction]*loggingRenderer)
	}
	r := &loggingRenderer{name: dir.String(), log: f.log}
	f.renderers[dir] = r
	return r, nil
}

func (f *rendererFactory) records() []sinkRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sinkRecord(nil), f.created...)
}

func (f *rendererFactory) rendered(dir media.Direction) uint64 {
	f.mu.Lock()
	r := f.renderers[dir]
	f.mu.Unlock()
	if r == nil {
		return 0
	}
	return r.Stats().Frames
}

func testFrame(w, h int, fill byte) media.Frame {
	return media.Frame{
		Width:  w,
		Height: h,
		Format: media.PixelFormatI420,
		Data:   bytes.Repeat([]byte{fill}, media.I420Size(w, h)),
	}
}
