package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	envVarPeerConfig    = "AERO_PEER_CONFIG"
	envVarPeerMode      = "AERO_PEER_MODE"
	envVarPeerLogFormat = "AERO_PEER_LOG_FORMAT"
	envVarPeerLogLevel  = "AERO_PEER_LOG_LEVEL"
	envVarPeerShutdown  = "AERO_PEER_SHUTDOWN_TIMEOUT"

	envVarRelayURL           = "AERO_PEER_RELAY_URL"
	envVarRelayAPIKey        = "AERO_PEER_RELAY_API_KEY"
	envVarSignalingTransport = "AERO_PEER_SIGNALING_TRANSPORT"
	envVarPollInterval       = "AERO_PEER_POLL_INTERVAL"
	envVarLocalPeerID        = "AERO_PEER_LOCAL_ID"
	envVarRemotePeerID       = "AERO_PEER_REMOTE_ID"

	envVarCaptureWidth         = "AERO_PEER_CAPTURE_WIDTH"
	envVarCaptureHeight        = "AERO_PEER_CAPTURE_HEIGHT"
	envVarCaptureFPS           = "AERO_PEER_CAPTURE_FPS"
	envVarLocalBridgeCapacity  = "AERO_PEER_LOCAL_BRIDGE_CAPACITY"
	envVarRemoteBridgeCapacity = "AERO_PEER_REMOTE_BRIDGE_CAPACITY"
	envVarCall                 = "AERO_PEER_CALL"
	envVarRecordPath           = "AERO_PEER_RECORD_PATH"

	envVarWebRTCUDPPortMin             = "AERO_PEER_WEBRTC_UDP_PORT_MIN"
	envVarWebRTCUDPPortMax             = "AERO_PEER_WEBRTC_UDP_PORT_MAX"
	envVarWebRTCUDPListenIP            = "AERO_PEER_WEBRTC_UDP_LISTEN_IP"
	envVarWebRTCNAT1To1IPs             = "AERO_PEER_WEBRTC_NAT_1TO1_IPS"
	envVarWebRTCNAT1To1IPCandidateType = "AERO_PEER_WEBRTC_NAT_1TO1_IP_CANDIDATE_TYPE"
)

const (
	DefaultRelayURL     = "http://127.0.0.1:3000/"
	DefaultLocalPeerID  = "PC1"
	DefaultRemotePeerID = "App1"
	// AutoPeerID asks Load to generate a random local peer id.
	AutoPeerID = "auto"

	DefaultSignalingTransport = "poll"
	DefaultPollInterval       = 500 * time.Millisecond

	DefaultCaptureWidth  = 320
	DefaultCaptureHeight = 240
	DefaultCaptureFPS    = 30

	DefaultLocalBridgeCapacity  = 3
	DefaultRemoteBridgeCapacity = 5
)

// Config holds the call endpoint's settings.
type Config struct {
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	RelayURL           string
	RelayAPIKey        string
	SignalingTransport string
	PollInterval       time.Duration
	LocalPeerID        string
	RemotePeerID       string

	ICEServers []webrtc.ICEServer

	// WebRTCUDPPortRange restricts ICE UDP sockets when set.
	WebRTCUDPPortRange           *UDPPortRange
	WebRTCUDPListenIP            net.IP
	WebRTCNAT1To1IPs             []string
	WebRTCNAT1To1IPCandidateType NAT1To1IPCandidateType

	CaptureWidth  int
	CaptureHeight int
	CaptureFPS    int

	LocalBridgeCapacity  int
	RemoteBridgeCapacity int

	// Call makes this peer send the offer as soon as it has started.
	Call bool
	// RecordPath, when set, receives the remote video as a Y4M stream.
	RecordPath string
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup lookupFunc, args []string) (Config, error) {
	var profileFile string
	if path := profilePath(lookup, args); path != "" {
		p, err := LoadProfile(path)
		if err != nil {
			return Config{}, err
		}
		lookup, err = p.overlay(lookup)
		if err != nil {
			return Config{}, err
		}
		profileFile = path
	}

	modeStr := envOrDefault(lookup, envVarPeerMode, string(DefaultMode))
	logFormatStr := envOrDefault(lookup, envVarPeerLogFormat, "")
	logLevelStr := envOrDefault(lookup, envVarPeerLogLevel, "")
	shutdownTimeout, err := envDurationOrDefault(lookup, envVarPeerShutdown, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	relayURL := envOrDefault(lookup, envVarRelayURL, DefaultRelayURL)
	relayAPIKey := envOrDefault(lookup, envVarRelayAPIKey, "")
	transport := envOrDefault(lookup, envVarSignalingTransport, DefaultSignalingTransport)
	pollInterval, err := envDurationOrDefault(lookup, envVarPollInterval, DefaultPollInterval)
	if err != nil {
		return Config{}, err
	}
	localPeerID := envOrDefault(lookup, envVarLocalPeerID, DefaultLocalPeerID)
	remotePeerID := envOrDefault(lookup, envVarRemotePeerID, DefaultRemotePeerID)

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	captureWidth, err := envIntOrDefault(lookup, envVarCaptureWidth, DefaultCaptureWidth)
	if err != nil {
		return Config{}, err
	}
	captureHeight, err := envIntOrDefault(lookup, envVarCaptureHeight, DefaultCaptureHeight)
	if err != nil {
		return Config{}, err
	}
	captureFPS, err := envIntOrDefault(lookup, envVarCaptureFPS, DefaultCaptureFPS)
	if err != nil {
		return Config{}, err
	}
	localCap, err := envIntOrDefault(lookup, envVarLocalBridgeCapacity, DefaultLocalBridgeCapacity)
	if err != nil {
		return Config{}, err
	}
	remoteCap, err := envIntOrDefault(lookup, envVarRemoteBridgeCapacity, DefaultRemoteBridgeCapacity)
	if err != nil {
		return Config{}, err
	}
	call, err := envBoolOrDefault(lookup, envVarCall, false)
	if err != nil {
		return Config{}, err
	}
	recordPath := envOrDefault(lookup, envVarRecordPath, "")

	var portMin, portMax uint
	if raw, ok := lookup(envVarWebRTCUDPPortMin); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMin, raw, err)
		}
		portMin = uint(p)
	}
	if raw, ok := lookup(envVarWebRTCUDPPortMax); ok && strings.TrimSpace(raw) != "" {
		p, err := parsePortString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarWebRTCUDPPortMax, raw, err)
		}
		portMax = uint(p)
	}
	listenIPStr := envOrDefault(lookup, envVarWebRTCUDPListenIP, DefaultWebRTCListenIP)
	nat1To1IPsStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPs, "")
	nat1To1TypeStr := envOrDefault(lookup, envVarWebRTCNAT1To1IPCandidateType, string(NAT1To1CandidateTypeHost))

	fs := flag.NewFlagSet("aero-webrtc-peer", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&profileFile, "config", profileFile, "YAML profile with peer settings (env "+envVarPeerConfig+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (default depends on mode)")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (default depends on mode)")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&relayURL, "relay-url", relayURL, "Signaling relay base URL (env "+envVarRelayURL+")")
	fs.StringVar(&relayAPIKey, "relay-api-key", relayAPIKey, "API key sent to the relay (env "+envVarRelayAPIKey+")")
	fs.StringVar(&transport, "signaling-transport", transport, "Inbound signaling transport: poll or websocket (env "+envVarSignalingTransport+")")
	fs.DurationVar(&pollInterval, "poll-interval", pollInterval, "Relay poll interval when the mailbox is empty (env "+envVarPollInterval+")")
	fs.StringVar(&localPeerID, "local-id", localPeerID, "This peer's mailbox id, or \"auto\" for a random one (env "+envVarLocalPeerID+")")
	fs.StringVar(&remotePeerID, "remote-id", remotePeerID, "The remote peer's mailbox id (env "+envVarRemotePeerID+")")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")

	fs.UintVar(&portMin, "webrtc-udp-port-min", portMin, "Min UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMin+")")
	fs.UintVar(&portMax, "webrtc-udp-port-max", portMax, "Max UDP port for WebRTC ICE (0 = unset; env "+envVarWebRTCUDPPortMax+")")
	fs.StringVar(&listenIPStr, "webrtc-udp-listen-ip", listenIPStr, "Local IP for WebRTC ICE UDP sockets (env "+envVarWebRTCUDPListenIP+")")
	fs.StringVar(&nat1To1IPsStr, "webrtc-nat-1to1-ips", nat1To1IPsStr, "Comma-separated public IPs to advertise (env "+envVarWebRTCNAT1To1IPs+")")
	fs.StringVar(&nat1To1TypeStr, "webrtc-nat-1to1-ip-candidate-type", nat1To1TypeStr, "Candidate type for NAT 1:1 IPs: host or srflx (env "+envVarWebRTCNAT1To1IPCandidateType+")")

	fs.IntVar(&captureWidth, "capture-width", captureWidth, "Capture width in pixels (even)")
	fs.IntVar(&captureHeight, "capture-height", captureHeight, "Capture height in pixels (even)")
	fs.IntVar(&captureFPS, "capture-fps", captureFPS, "Capture frame rate")
	fs.IntVar(&localCap, "local-bridge-capacity", localCap, "Frames buffered for local preview")
	fs.IntVar(&remoteCap, "remote-bridge-capacity", remoteCap, "Frames buffered for remote playback")
	fs.BoolVar(&call, "call", call, "Send the offer once started (env "+envVarCall+")")
	fs.StringVar(&recordPath, "record", recordPath, "Write remote video to this Y4M file (env "+envVarRecordPath+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, logFormat, logLevel, err := logSettings(modeStr, logFormatStr, logLevelStr)
	if err != nil {
		return Config{}, err
	}

	u, err := url.Parse(strings.TrimSpace(relayURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Config{}, fmt.Errorf("invalid relay url %q (expected http(s)://host[:port]/)", relayURL)
	}

	switch transport = strings.ToLower(strings.TrimSpace(transport)); transport {
	case "poll", "websocket":
	default:
		return Config{}, fmt.Errorf("invalid signaling transport %q (expected poll or websocket)", transport)
	}
	if pollInterval <= 0 {
		return Config{}, fmt.Errorf("poll interval must be positive, got %s", pollInterval)
	}

	localPeerID = strings.TrimSpace(localPeerID)
	if localPeerID == AutoPeerID {
		localPeerID = uuid.NewString()
	}
	remotePeerID = strings.TrimSpace(remotePeerID)
	if localPeerID == "" || remotePeerID == "" {
		return Config{}, fmt.Errorf("local and remote peer ids must be set")
	}
	if localPeerID == remotePeerID {
		return Config{}, fmt.Errorf("local and remote peer ids must differ (both %q)", localPeerID)
	}
	if strings.ContainsAny(localPeerID+remotePeerID, "/?#") {
		return Config{}, fmt.Errorf("peer ids must not contain '/', '?' or '#'")
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if captureWidth <= 0 || captureHeight <= 0 || captureWidth%2 != 0 || captureHeight%2 != 0 {
		return Config{}, fmt.Errorf("capture size must be positive and even, got %dx%d", captureWidth, captureHeight)
	}
	if captureFPS <= 0 || captureFPS > 120 {
		return Config{}, fmt.Errorf("capture fps must be within 1-120, got %d", captureFPS)
	}
	if localCap <= 0 || remoteCap <= 0 {
		return Config{}, fmt.Errorf("bridge capacities must be positive (local=%d remote=%d)", localCap, remoteCap)
	}

	var portRange *UDPPortRange
	if (portMin == 0) != (portMax == 0) {
		return Config{}, fmt.Errorf("--webrtc-udp-port-min and --webrtc-udp-port-max must be set together (or both unset)")
	}
	if portMin != 0 {
		min, err := parsePortUint(portMin)
		if err != nil {
			return Config{}, err
		}
		max, err := parsePortUint(portMax)
		if err != nil {
			return Config{}, err
		}
		if min > max {
			return Config{}, fmt.Errorf("webrtc udp port range %d-%d is inverted", min, max)
		}
		portRange = &UDPPortRange{Min: min, Max: max}
	}

	listenIP := net.ParseIP(strings.TrimSpace(listenIPStr))
	if listenIP == nil {
		return Config{}, fmt.Errorf("invalid webrtc udp listen ip %q", listenIPStr)
	}
	nat1To1IPs, err := parseIPList(nat1To1IPsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", envVarWebRTCNAT1To1IPs, err)
	}
	nat1To1Type, err := parseCandidateType(nat1To1TypeStr)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		RelayURL:           u.String(),
		RelayAPIKey:        relayAPIKey,
		SignalingTransport: transport,
		PollInterval:       pollInterval,
		LocalPeerID:        localPeerID,
		RemotePeerID:       remotePeerID,

		ICEServers: iceServers,

		WebRTCUDPPortRange:           portRange,
		WebRTCUDPListenIP:            listenIP,
		WebRTCNAT1To1IPs:             nat1To1IPs,
		WebRTCNAT1To1IPCandidateType: nat1To1Type,

		CaptureWidth:  captureWidth,
		CaptureHeight: captureHeight,
		CaptureFPS:    captureFPS,

		LocalBridgeCapacity:  localCap,
		RemoteBridgeCapacity: remoteCap,

		Call:       call,
		RecordPath: recordPath,
	}, nil
}
