package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the YAML form of the peer settings. Every field is optional;
// values set here sit between the built-in defaults and the environment.
type Profile struct {
	Mode      string `yaml:"mode"`
	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Relay struct {
		URL          string `yaml:"url"`
		APIKey       string `yaml:"api_key"`
		Transport    string `yaml:"transport"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"relay"`

	LocalPeerID  string `yaml:"local_peer_id"`
	RemotePeerID string `yaml:"remote_peer_id"`

	ICEServers []iceServerJSON `yaml:"ice_servers"`

	Capture struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
		FPS    int `yaml:"fps"`
	} `yaml:"capture"`

	Bridges struct {
		Local  int `yaml:"local"`
		Remote int `yaml:"remote"`
	} `yaml:"bridges"`

	Call       *bool  `yaml:"call"`
	RecordPath string `yaml:"record_path"`
}

func LoadProfile(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a single YAML document and rejects unknown keys.
func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return Profile{}, nil
		}
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// env flattens the profile into the environment variable names Load reads.
func (p Profile) env() (map[string]string, error) {
	m := make(map[string]string)
	set := func(key, v string) {
		if strings.TrimSpace(v) != "" {
			m[key] = v
		}
	}
	setInt := func(key string, v int) {
		if v != 0 {
			m[key] = strconv.Itoa(v)
		}
	}

	set(envVarPeerMode, p.Mode)
	set(envVarPeerLogFormat, p.LogFormat)
	set(envVarPeerLogLevel, p.LogLevel)
	set(envVarRelayURL, p.Relay.URL)
	set(envVarRelayAPIKey, p.Relay.APIKey)
	set(envVarSignalingTransport, p.Relay.Transport)
	set(envVarPollInterval, p.Relay.PollInterval)
	set(envVarLocalPeerID, p.LocalPeerID)
	set(envVarRemotePeerID, p.RemotePeerID)
	setInt(envVarCaptureWidth, p.Capture.Width)
	setInt(envVarCaptureHeight, p.Capture.Height)
	setInt(envVarCaptureFPS, p.Capture.FPS)
	setInt(envVarLocalBridgeCapacity, p.Bridges.Local)
	setInt(envVarRemoteBridgeCapacity, p.Bridges.Remote)
	if p.Call != nil {
		m[envVarCall] = strconv.FormatBool(*p.Call)
	}
	set(envVarRecordPath, p.RecordPath)

	if p.ICEServers != nil {
		b, err := json.Marshal(p.ICEServers)
		if err != nil {
			return nil, fmt.Errorf("encode profile ice_servers: %w", err)
		}
		m[envICEServersJSON] = string(b)
	}
	return m, nil
}

// overlay returns a lookup that consults env first and the profile second.
func (p Profile) overlay(env lookupFunc) (lookupFunc, error) {
	values, err := p.env()
	if err != nil {
		return nil, err
	}
	return func(key string) (string, bool) {
		if v, ok := env(key); ok && v != "" {
			return v, true
		}
		v, ok := values[key]
		return v, ok
	}, nil
}

// profilePath finds --config in args before the full flag set is parsed,
// falling back to the environment.
func profilePath(lookup lookupFunc, args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name := strings.TrimLeft(arg, "-")
		if name == arg {
			continue
		}
		if v, ok := strings.CutPrefix(name, "config="); ok {
			return v
		}
		if name == "config" && i+1 < len(args) {
			return args[i+1]
		}
	}
	return envOrDefault(lookup, envVarPeerConfig, "")
}
