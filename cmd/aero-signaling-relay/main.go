package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/mailbox"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-peer-call/internal/ratelimit"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.LoadRelay(os.Args[1:])
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

	verifier, err := auth.NewVerifier(cfg.AuthMode, cfg.APIKey)
	if err != nil {
		logger.Error("failed to configure relay auth", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-signaling-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"mailbox_depth", cfg.MailboxDepth,
		"messages_per_second", cfg.MessagesPerSecond,
		"max_message_bytes", cfg.MaxMessageBytes,
	)
	logStartupSecurityWarnings(logger, cfg)

	m := metrics.New()
	svc, err := mailbox.New(mailbox.Config{
		Depth:             cfg.MailboxDepth,
		MessagesPerSecond: cfg.MessagesPerSecond,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		PingInterval:      cfg.WSPingInterval,
		Verifier:          verifier,
		Clock:             ratelimit.RealClock{},
		Logger:            logger,
		Metrics:           m,
	})
	if err != nil {
		logger.Error("failed to configure mailbox", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built}, m)
	svc.Register(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Shutdown does not wait for hijacked connections, so push streams are
	// closed once the grace period ends.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
	logger.Info("relay stopped", "mailboxes", svc.Store().Peers(), "rejected", svc.Store().Rejected())
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; go run and dev builds fall back to the VCS stamp.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
