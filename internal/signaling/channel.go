package signaling

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
)

type Transport string

const (
	// TransportPoll fetches inbound messages with periodic GET requests.
	TransportPoll Transport = "poll"
	// TransportWebSocket receives inbound messages over a relay push stream.
	// Outbound messages are always POSTed.
	TransportWebSocket Transport = "websocket"
)

const (
	DefaultPollInterval         = 500 * time.Millisecond
	DefaultSendQueueSize        = 64
	DefaultMaxSendAttempts      = 5
	DefaultFailureWarnThreshold = 5
	DefaultRequestTimeout       = 5 * time.Second

	// APIKeyHeader carries the optional relay credential.
	APIKeyHeader = "X-API-Key"

	maxMessageBytes = 256 << 10
)

// Handler receives inbound messages. It runs on the channel's receive
// goroutine, so it must hand work off rather than block, and it must not call
// StopPolling.
type Handler func(Message)

type ChannelConfig struct {
	// BaseURL is the relay root, e.g. http://127.0.0.1:3000/.
	BaseURL      string
	LocalPeerID  string
	RemotePeerID string
	APIKey       string
	Transport    Transport

	HTTPClient   *http.Client
	PollInterval time.Duration

	SendQueueSize        int
	MaxSendAttempts      int
	FailureWarnThreshold int

	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// newBackOff overrides the retry schedule in tests.
	newBackOff func() backoff.BackOff
}

// Channel is a relay mailbox client. Send is fire-and-forget; inbound
// messages are delivered to the registered Handler between StartPolling and
// StopPolling.
type Channel struct {
	base      *url.URL
	local     string
	remote    string
	apiKey    string
	transport Transport

	client       *http.Client
	pollInterval time.Duration
	maxAttempts  int
	warnAfter    int
	newBackOff   func() backoff.BackOff

	log     *slog.Logger
	metrics *metrics.Metrics

	handler atomic.Pointer[Handler]
	sendq   chan Message

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(cfg ChannelConfig) (*Channel, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("relay url must be http or https, got %q", cfg.BaseURL)
	}
	if cfg.LocalPeerID == "" {
		return nil, errors.New("signaling: local peer id is required")
	}
	if cfg.RemotePeerID == "" {
		return nil, errors.New("signaling: remote peer id is required")
	}

	c := &Channel{
		base:         base,
		local:        cfg.LocalPeerID,
		remote:       cfg.RemotePeerID,
		apiKey:       cfg.APIKey,
		transport:    cfg.Transport,
		client:       cfg.HTTPClient,
		pollInterval: cfg.PollInterval,
		maxAttempts:  cfg.MaxSendAttempts,
		warnAfter:    cfg.FailureWarnThreshold,
		newBackOff:   cfg.newBackOff,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
	}
	switch c.transport {
	case "":
		c.transport = TransportPoll
	case TransportPoll, TransportWebSocket:
	default:
		return nil, fmt.Errorf("signaling: unsupported transport %q", cfg.Transport)
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxSendAttempts
	}
	if c.warnAfter <= 0 {
		c.warnAfter = DefaultFailureWarnThreshold
	}
	if c.newBackOff == nil {
		c.newBackOff = defaultBackOff
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("component", "signaling", "local_peer", c.local, "remote_peer", c.remote)

	queueSize := cfg.SendQueueSize
	if queueSize <= 0 {
		queueSize = DefaultSendQueueSize
	}
	c.sendq = make(chan Message, queueSize)
	return c, nil
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	// Never give up; the caller decides when to stop.
	b.MaxElapsedTime = 0
	return b
}

func (c *Channel) LocalPeerID() string  { return c.local }
func (c *Channel) RemotePeerID() string { return c.remote }

// OnMessage registers h as the inbound handler, replacing any previous one.
func (c *Channel) OnMessage(h Handler) {
	if h == nil {
		c.handler.Store(nil)
		return
	}
	c.handler.Store(&h)
}

// Send queues msg for delivery and returns immediately. Messages are posted in
// the order they were queued. Invalid messages, and messages that do not fit
// in the queue, are dropped with a diagnostic.
func (c *Channel) Send(msg Message) {
	if err := msg.Validate(); err != nil {
		c.metrics.Inc(metrics.SignalingInvalidInput)
		c.log.Warn("dropping invalid outbound signaling message", "type", msg.Type, "err", err)
		return
	}
	select {
	case c.sendq <- msg:
	default:
		c.metrics.Inc(metrics.SignalingSendDropped)
		c.log.Warn("signaling send queue full; dropping message", "type", msg.Type)
	}
}

// StartPolling starts the receive and send loops. Calling it while already
// running is a no-op.
func (c *Channel) StartPolling() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if c.transport == TransportWebSocket {
			c.streamLoop(ctx)
			return
		}
		c.pollLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.sendLoop(ctx)
	}()
	c.log.Debug("signaling started", "transport", c.transport)
}

// StopPolling stops both loops and waits for them to exit. Once it returns no
// further Handler invocations happen and messages still queued for sending are
// discarded, so a later StartPolling never posts them. It is safe to call when
// polling never started and to call repeatedly.
func (c *Channel) StopPolling() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	if cancel != nil {
		cancel()
	}
	// Wait under mu so a concurrent StartPolling cannot interleave.
	c.wg.Wait()
	discarded := c.drainSendQueue()
	c.mu.Unlock()
	if discarded > 0 {
		c.log.Debug("discarded unsent signaling messages", "count", discarded)
	}
	if cancel != nil {
		c.log.Debug("signaling stopped")
	}
}

func (c *Channel) drainSendQueue() int {
	n := 0
	for {
		select {
		case <-c.sendq:
			n++
			c.metrics.Inc(metrics.SignalingSendDropped)
		default:
			return n
		}
	}
}

func (c *Channel) pollLoop(ctx context.Context) {
	bo := c.newBackOff()
	failures := 0
	for {
		msg, more, err := c.fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			failures++
			c.noteFailure(metrics.SignalingPollFailure, "poll", failures, err)
			if !sleep(ctx, nextDelay(bo)) {
				return
			}
			continue
		}
		if failures >= c.warnAfter {
			c.log.Info("signaling relay reachable again", "failures", failures)
		}
		failures = 0
		bo.Reset()

		if msg != nil {
			c.dispatch(ctx, *msg)
		}
		if more {
			continue
		}
		if !sleep(ctx, c.pollInterval) {
			return
		}
	}
}

// fetch retrieves at most one message addressed to the local peer. more is
// true when the mailbox may hold further messages.
func (c *Channel) fetch(ctx context.Context) (msg *Message, more bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.mailboxURL(c.local), nil)
	if err != nil {
		return nil, false, err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("poll: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	if err != nil {
		return nil, false, err
	}
	m, ok := c.accept(body)
	if !ok {
		return nil, true, nil
	}
	return &m, true, nil
}

// accept parses an inbound payload and filters messages not meant for this
// peer pair. Rejections are diagnostics only.
func (c *Channel) accept(data []byte) (Message, bool) {
	msg, err := ParseMessage(data)
	if err != nil {
		c.metrics.Inc(metrics.SignalingInvalidInput)
		c.log.Warn("dropping malformed signaling message", "err", err)
		return Message{}, false
	}
	if msg.To != c.local || (msg.From != "" && msg.From != c.remote) {
		c.metrics.Inc(metrics.SignalingInvalidInput)
		c.log.Debug("dropping signaling message for another peer pair", "from", msg.From, "to", msg.To)
		return Message{}, false
	}
	return msg, true
}

func (c *Channel) dispatch(ctx context.Context, msg Message) {
	if ctx.Err() != nil {
		return
	}
	c.metrics.Inc(metrics.SignalingMessageRecv)
	if h := c.handler.Load(); h != nil {
		(*h)(msg)
	}
}

func (c *Channel) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.sendq:
			c.deliver(ctx, msg)
		}
	}
}

func (c *Channel) deliver(ctx context.Context, msg Message) {
	body, err := msg.Marshal()
	if err != nil {
		c.log.Warn("dropping unencodable signaling message", "type", msg.Type, "err", err)
		return
	}

	bo := c.newBackOff()
	for attempt := 1; ; attempt++ {
		err := c.post(ctx, msg.To, body)
		if err == nil {
			c.metrics.Inc(metrics.SignalingMessageSent)
			return
		}
		if ctx.Err() != nil {
			return
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			c.metrics.Inc(metrics.SignalingSendDropped)
			c.log.Warn("relay rejected signaling message", "type", msg.Type, "err", err)
			return
		}
		c.noteFailure(metrics.SignalingSendFailure, "send", attempt, err)
		if attempt >= c.maxAttempts {
			c.metrics.Inc(metrics.SignalingSendDropped)
			c.log.Warn("dropping signaling message after repeated failures", "type", msg.Type, "attempts", attempt)
			return
		}
		if !sleep(ctx, nextDelay(bo)) {
			return
		}
	}
}

type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("relay responded with status %d", e.status)
}

func (c *Channel) post(ctx context.Context, to string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.mailboxURL(to), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("send: unexpected status %d", resp.StatusCode)
	default:
		return &permanentError{status: resp.StatusCode}
	}
}

func (c *Channel) noteFailure(metric, op string, n int, err error) {
	c.metrics.Inc(metric)
	if n == c.warnAfter {
		c.log.Warn("signaling relay keeps failing", "op", op, "failures", n, "err", err)
		return
	}
	c.log.Debug("signaling relay request failed", "op", op, "failures", n, "err", err)
}

func (c *Channel) mailboxURL(peer string) string {
	return c.base.JoinPath("data", peer).String()
}

func (c *Channel) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set(APIKeyHeader, c.apiKey)
	}
}

func nextDelay(bo backoff.BackOff) time.Duration {
	d := bo.NextBackOff()
	if d == backoff.Stop || d < 0 {
		return 10 * time.Second
	}
	return d
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
