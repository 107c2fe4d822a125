// Package negotiation drives SDP offer/answer and ICE candidate exchange
// between one local media engine and one remote peer.
//
// All negotiation state is owned by a single dispatch goroutine per
// Controller. Signaling input and engine output are both funnelled into that
// goroutine, so nothing in this package needs a lock around the state itself.
package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
)

type SDPType int

const (
	SDPTypeOffer SDPType = iota + 1
	SDPTypeAnswer
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypeAnswer:
		return "answer"
	default:
		return "unknown"
	}
}

type SessionDescription struct {
	Type SDPType
	SDP  string
}

type ICECandidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

type EngineConfig struct {
	ICEServers []webrtc.ICEServer
}

// Engine is the media engine as seen by the Controller.
//
// CreateOffer, CreateAnswer and SetRemoteDescription may take arbitrarily
// long and are always invoked off the dispatch goroutine. The local SDP they
// produce is reported through Events as LocalSDPReady rather than returned.
type Engine interface {
	Initialize(ctx context.Context, cfg EngineConfig) error
	// AddTrack attaches a local track to a sending transceiver.
	AddTrack(track *media.Track) error
	CreateOffer(ctx context.Context) error
	CreateAnswer(ctx context.Context) error
	SetRemoteDescription(ctx context.Context, desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	// Events is closed by Close.
	Events() <-chan Event
	Close() error
}

// Event is one of LocalSDPReady, ICECandidateReady, ConnectionStateChanged
// or RemoteTrackAdded.
type Event interface {
	isEngineEvent()
}

type LocalSDPReady struct {
	Description SessionDescription
}

type ICECandidateReady struct {
	Candidate ICECandidate
}

type ConnectionStateChanged struct {
	State string
}

// RemoteTrackAdded announces a track negotiated by the remote peer. Frames
// arrive on it once the engine has decoded them.
type RemoteTrackAdded struct {
	Track *media.Track
}

func (LocalSDPReady) isEngineEvent()          {}
func (ICECandidateReady) isEngineEvent()      {}
func (ConnectionStateChanged) isEngineEvent() {}
func (RemoteTrackAdded) isEngineEvent()       {}
