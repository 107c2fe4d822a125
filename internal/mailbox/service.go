package mailbox

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
)

const (
	wsWriteWait = 1 * time.Second

	defaultMaxMessageBytes = 256 << 10
	defaultPingInterval    = 20 * time.Second
)

type Config struct {
	Depth int
	// MessagesPerSecond limits posts into one recipient's mailbox. Zero
	// disables the limit.
	MessagesPerSecond int
	MaxMessageBytes   int64
	PingInterval      time.Duration

	// Verifier defaults to auth.AllowAll.
	Verifier auth.Verifier
	Clock    ratelimit.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

// Service serves the mailbox protocol:
//
//	POST /data/{peer}     enqueue one JSON signaling message for peer
//	GET  /data/{peer}     dequeue the oldest message, 404 when empty
//	GET  /data/{peer}/ws  websocket that pushes messages as they arrive
type Service struct {
	store    *Store
	limiter  *ratelimit.KeyedLimiter
	verifier auth.Verifier
	maxBytes int64
	ping     time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

func New(cfg Config) (*Service, error) {
	if cfg.Depth <= 0 {
		return nil, fmt.Errorf("mailbox: depth must be positive, got %d", cfg.Depth)
	}
	if cfg.MessagesPerSecond < 0 {
		return nil, fmt.Errorf("mailbox: messages per second must not be negative, got %d", cfg.MessagesPerSecond)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.Verifier == nil {
		cfg.Verifier = auth.AllowAll{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		store:    NewStore(cfg.Depth),
		verifier: cfg.Verifier,
		maxBytes: cfg.MaxMessageBytes,
		ping:     cfg.PingInterval,
		log:      logger.With("component", "mailbox"),
		metrics:  cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Peers are native clients authenticated by API key, not
			// browsers carrying ambient cookies.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if cfg.MessagesPerSecond > 0 {
		rate := int64(cfg.MessagesPerSecond)
		s.limiter = ratelimit.NewKeyedLimiter(cfg.Clock, rate, rate, 0)
	}
	return s, nil
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /data/{peer}", s.handlePost)
	mux.HandleFunc("GET /data/{peer}", s.handleGet)
	mux.HandleFunc("GET /data/{peer}/ws", s.handleStream)
}

func (s *Service) handlePost(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.admit(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBytes+1))
	if err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return
	}
	if int64(len(body)) > s.maxBytes {
		httpserver.WriteJSON(w, http.StatusRequestEntityTooLarge, map[string]any{"error": "message too large"})
		return
	}
	msg, err := signaling.ParseMessage(body)
	if err != nil {
		s.metrics.Inc(metrics.SignalingInvalidInput)
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	if msg.To != peer {
		s.metrics.Inc(metrics.SignalingInvalidInput)
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "recipient does not match mailbox"})
		return
	}

	if s.limiter != nil && !s.limiter.Allow(peer, 1) {
		s.metrics.Inc(metrics.DropReasonRateLimited)
		w.Header().Set("Retry-After", "1")
		httpserver.WriteJSON(w, http.StatusTooManyRequests, map[string]any{"error": "rate limit exceeded"})
		return
	}

	if err := s.store.Push(peer, body); err != nil {
		if errors.Is(err, ErrMailboxFull) {
			s.metrics.Inc(metrics.MailboxFull)
			s.log.Warn("mailbox full; rejecting message", "peer_id", peer, "from", msg.From, "type", msg.Type)
			w.Header().Set("Retry-After", "1")
			httpserver.WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "mailbox full"})
			return
		}
		httpserver.WriteJSON(w, http.StatusInternalServerError, map[string]any{"error": "enqueue failed"})
		return
	}
	s.metrics.Inc(metrics.MailboxEnqueued)
	s.log.Debug("message enqueued", "peer_id", peer, "from", msg.From, "type", msg.Type)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Service) handleGet(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.admit(w, r)
	if !ok {
		return
	}
	msg, ok := s.store.Pop(peer)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	s.metrics.Inc(metrics.MailboxDelivered)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(msg)
}

func (s *Service) handleStream(w http.ResponseWriter, r *http.Request) {
	peer, ok := s.admit(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	next, release := s.store.Watch(peer)
	defer release()

	// The reader only exists to process control frames and notice the
	// client going away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.ping)
	defer ticker.Stop()

	log := s.log.With("peer_id", peer)
	log.Debug("push stream opened")
	defer log.Debug("push stream closed")

	for {
		wake := next()
		for {
			msg, ok := s.store.Pop(peer)
			if !ok {
				break
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.store.Unshift(peer, msg)
				return
			}
			s.metrics.Inc(metrics.MailboxDelivered)
		}

		select {
		case <-gone:
			return
		case <-r.Context().Done():
			writeClose(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-wake:
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

// admit authenticates the request and extracts a well-formed peer id.
func (s *Service) admit(w http.ResponseWriter, r *http.Request) (string, bool) {
	if err := auth.Authenticate(s.verifier, r); err != nil {
		s.metrics.Inc(metrics.AuthFailure)
		httpserver.WriteJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid credentials"})
		return "", false
	}
	peer := r.PathValue("peer")
	if peer == "" || strings.ContainsAny(peer, "/?#") {
		httpserver.WriteJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid peer id"})
		return "", false
	}
	return peer, true
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}
