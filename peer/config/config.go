package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	DefaultServer       = "ws://localhost:8000/signal"
	DefaultRestartGrace = 15 * time.Second

	iceCandidatePoolSize = 5
)

var (
	DefaultSTUN = []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
		"stun:stun2.l.google.com:19302",
		"stun:stun3.l.google.com:19302",
	}

	ErrRelayWithoutTURN = errors.New("relay-only mode requires a TURN server")
)

// Config holds participant configuration.
type Config struct {
	// Server is the websocket URL of the signaling relay.
	Server string
	// Name is the display name announced to the room.
	Name string

	STUNServers []string
	TURNServer  string
	TURNUser    string
	TURNPass    string
	RelayOnly   bool

	// RestartGrace is how long an ICE restart may take before the call is dropped.
	RestartGrace time.Duration
}

// Options carries CLI flag values. Zero values fall through to env and defaults.
type Options struct {
	Server       string
	Name         string
	STUNServers  []string
	TURNServer   string
	TURNUser     string
	TURNPass     string
	RelayOnly    bool
	RestartGrace time.Duration
}

// Load resolves configuration with priority: flags, then environment, then defaults.
func Load(opts Options) (*Config, error) {
	cfg := &Config{
		Server:      firstOf(opts.Server, os.Getenv("VIDMEET_SERVER"), DefaultServer),
		Name:        firstOf(opts.Name, os.Getenv("VIDMEET_NAME"), defaultName()),
		STUNServers: opts.STUNServers,
		TURNServer:  firstOf(opts.TURNServer, os.Getenv("VIDMEET_TURN")),
		TURNUser:    firstOf(opts.TURNUser, os.Getenv("VIDMEET_TURN_USER")),
		TURNPass:    firstOf(opts.TURNPass, os.Getenv("VIDMEET_TURN_PASS")),
		RelayOnly:   opts.RelayOnly,
	}

	if len(cfg.STUNServers) == 0 {
		if env := os.Getenv("VIDMEET_STUN"); env != "" {
			cfg.STUNServers = splitList(env)
		} else {
			cfg.STUNServers = DefaultSTUN
		}
	}

	if !cfg.RelayOnly {
		if env := os.Getenv("VIDMEET_RELAY_ONLY"); env != "" {
			relay, err := strconv.ParseBool(env)
			if err != nil {
				return nil, fmt.Errorf("invalid VIDMEET_RELAY_ONLY: %w", err)
			}
			cfg.RelayOnly = relay
		}
	}

	cfg.RestartGrace = opts.RestartGrace
	if cfg.RestartGrace <= 0 {
		cfg.RestartGrace = DefaultRestartGrace
		if env := os.Getenv("VIDMEET_RESTART_GRACE"); env != "" {
			grace, err := time.ParseDuration(env)
			if err != nil {
				return nil, fmt.Errorf("invalid VIDMEET_RESTART_GRACE: %w", err)
			}
			cfg.RestartGrace = grace
		}
	}

	if cfg.RelayOnly && cfg.TURNServer == "" {
		return nil, ErrRelayWithoutTURN
	}
	return cfg, nil
}

// ICEServers returns STUN servers followed by the TURN server, if any.
func (c *Config) ICEServers() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(c.STUNServers)+1)
	for _, url := range c.STUNServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	if c.TURNServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.TURNServer},
			Username:       c.TURNUser,
			Credential:     c.TURNPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// WebRTCConfiguration builds the peer connection configuration.
func (c *Config) WebRTCConfiguration() webrtc.Configuration {
	policy := webrtc.ICETransportPolicyAll
	if c.RelayOnly {
		policy = webrtc.ICETransportPolicyRelay
	}
	return webrtc.Configuration{
		ICEServers:           c.ICEServers(),
		ICETransportPolicy:   policy,
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: iceCandidatePoolSize,
	}
}

func firstOf(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func defaultName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "guest"
}
