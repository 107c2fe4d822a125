package metrics

import "sync"

// Event names. Counters are keyed by these strings and exported verbatim as
// the `event` label.
const (
	// Signaling transport faults. These are retried and never tear down a call.
	SignalingPollFailure  = "signaling_poll_failure"
	SignalingSendFailure  = "signaling_send_failure"
	SignalingSendDropped  = "signaling_send_dropped"
	SignalingMessageRecv  = "signaling_message_received"
	SignalingMessageSent  = "signaling_message_sent"
	SignalingInvalidInput = "signaling_invalid_message"

	// Negotiation protocol violations (duplicate/out-of-order messages).
	ProtocolViolation   = "negotiation_protocol_violation"
	ICECandidateQueued  = "negotiation_ice_candidate_queued"
	ICECandidateApplied = "negotiation_ice_candidate_applied"
	NegotiationFailure  = "negotiation_engine_failure"

	// Frame bridge pressure.
	FrameDroppedLocal  = "frame_dropped_local"
	FrameDroppedRemote = "frame_dropped_remote"
	FrameRepeated      = "playback_frame_repeated"
	FrameRendered      = "playback_frame_rendered"
	FrameEncodeFailure = "frame_encode_failure"
	FrameDecodeFailure = "frame_decode_failure"

	// Relay mailbox.
	MailboxEnqueued       = "mailbox_enqueued"
	MailboxDelivered      = "mailbox_delivered"
	MailboxFull           = "mailbox_full"
	DropReasonRateLimited = "rate_limited"
	AuthFailure           = "auth_failure"
)

// Metrics is a minimal, concurrency-safe counter registry.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

// Inc is safe to call on a nil *Metrics.
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
