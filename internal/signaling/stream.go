package signaling

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
)

const (
	wsHandshakeTimeout = 5 * time.Second
	// wsReadWait must exceed the relay's ping interval.
	wsReadWait = 60 * time.Second
)

// streamLoop keeps a push connection to the relay open and dispatches every
// message it receives, reconnecting with backoff after failures.
func (c *Channel) streamLoop(ctx context.Context) {
	bo := c.newBackOff()
	failures := 0
	for {
		connected, err := c.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if connected {
			failures = 0
			bo.Reset()
		}
		failures++
		c.noteFailure(metrics.SignalingPollFailure, "stream", failures, err)
		if !sleep(ctx, nextDelay(bo)) {
			return
		}
	}
}

func (c *Channel) stream(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	header := http.Header{}
	if c.apiKey != "" {
		header.Set(APIKeyHeader, c.apiKey)
	}

	conn, resp, err := dialer.DialContext(ctx, c.streamURL(), header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("stream dial: status %d: %w", resp.StatusCode, err)
		}
		return false, fmt.Errorf("stream dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadMessage when the channel is stopped.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	conn.SetReadLimit(maxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
	})

	c.log.Debug("signaling stream connected")
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if msg, ok := c.accept(data); ok {
			c.dispatch(ctx, msg)
		}
	}
}

func (c *Channel) streamURL() string {
	u := c.base.JoinPath("data", c.local, "ws")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}
