package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/playback"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/session"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/webrtcpeer"
)

const statsInterval = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Build the WebRTC API up front so network misconfiguration fails before
	// anything is captured or sent.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-peer",
		"relay_url", cfg.RelayURL,
		"local_peer", cfg.LocalPeerID,
		"remote_peer", cfg.RemotePeerID,
		"signaling_transport", cfg.SignalingTransport,
		"ice_servers", len(cfg.ICEServers),
		"capture", fmt.Sprintf("%dx%d@%d", cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFPS),
		"call", cfg.Call,
		"record_path", cfg.RecordPath,
	)

	m := metrics.New()
	channel, err := signaling.NewChannel(signaling.ChannelConfig{
		BaseURL:      cfg.RelayURL,
		LocalPeerID:  cfg.LocalPeerID,
		RemotePeerID: cfg.RemotePeerID,
		APIKey:       cfg.RelayAPIKey,
		Transport:    signaling.Transport(cfg.SignalingTransport),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
		Metrics:      m,
	})
	if err != nil {
		logger.Error("failed to configure signaling", "err", err)
		os.Exit(2)
	}

	camera, err := media.NewTestPatternSource("webcam", cfg.CaptureWidth, cfg.CaptureHeight, cfg.CaptureFPS)
	if err != nil {
		logger.Error("failed to configure capture", "err", err)
		os.Exit(2)
	}

	orch, err := session.New(session.Config{
		LocalPeerID:  cfg.LocalPeerID,
		RemotePeerID: cfg.RemotePeerID,
		ICEServers:   cfg.ICEServers,
		Devices:      []media.DeviceSource{camera},
		NewEngine: func() (negotiation.Engine, error) {
			return webrtcpeer.NewEngine(webrtcpeer.EngineConfig{
				API:     api,
				Logger:  logger,
				Metrics: m,
			})
		},
		Signaling:            channel,
		LocalBridgeCapacity:  cfg.LocalBridgeCapacity,
		RemoteBridgeCapacity: cfg.RemoteBridgeCapacity,
		NewRenderer:          newRenderer(cfg.RecordPath),
		Logger:               logger,
		Metrics:              m,
		OnStateChange: func(s negotiation.State) {
			logger.Info("call state changed", "state", s)
		},
	})
	if err != nil {
		logger.Error("failed to configure session", "err", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start session", "err", err)
		_ = orch.Close()
		os.Exit(1)
	}
	if cfg.Call {
		if err := orch.Call(ctx); err != nil {
			logger.Error("failed to place call", "err", err)
			_ = orch.Close()
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case <-ticker.C:
			logStats(logger, orch, m)
		}
	}

	done := make(chan error, 1)
	go func() { done <- orch.Close() }()
	select {
	case err := <-done:
		if err != nil {
			logger.Error("session shutdown failed", "err", err)
			os.Exit(1)
		}
	case <-time.After(cfg.ShutdownTimeout):
		logger.Error("session shutdown timed out", "timeout", cfg.ShutdownTimeout)
		os.Exit(1)
	}
	logStats(logger, orch, m)
}

// newRenderer records the remote direction to a Y4M file when path is set;
// everything else is only counted.
func newRenderer(path string) session.RendererFactory {
	return func(dir media.Direction, sink playback.SinkConfig) (playback.Renderer, error) {
		if path == "" || dir != media.DirectionRemote {
			return &playback.StatsRenderer{}, nil
		}
		slog.Info("recording remote video", "path", path, "width", sink.Width, "height", sink.Height, "fps", sink.FPS)
		return playback.CreateY4MFile(path, sink.FPS)
	}
}

func logStats(logger *slog.Logger, orch *session.Orchestrator, m *metrics.Metrics) {
	local := orch.LocalBridge().Stats()
	remote := orch.RemoteBridge().Stats()
	logger.Info("call stats",
		"state", orch.State(),
		"peer_state", orch.PeerState(),
		"local_enqueued", local.Enqueued,
		"local_dropped", local.Dropped,
		"remote_enqueued", remote.Enqueued,
		"remote_dropped", remote.Dropped,
		"rendered", m.Get(metrics.FrameRendered),
		"repeated", m.Get(metrics.FrameRepeated),
		"signaling_failures", m.Get(metrics.SignalingSendFailure)+m.Get(metrics.SignalingPollFailure),
	)
}
