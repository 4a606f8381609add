package config

import (
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func TestLoadPriority(t *testing.T) {
	tests := []struct {
		name       string
		env        map[string]string
		opts       Options
		wantServer string
		wantSTUN   int
		wantGrace  time.Duration
	}{
		{
			name:       "defaults",
			wantServer: DefaultServer,
			wantSTUN:   4,
			wantGrace:  DefaultRestartGrace,
		},
		{
			name: "env over defaults",
			env: map[string]string{
				"VIDMEET_SERVER":        "ws://relay:9000/signal",
				"VIDMEET_STUN":          "stun:a:3478, stun:b:3478",
				"VIDMEET_RESTART_GRACE": "3s",
			},
			wantServer: "ws://relay:9000/signal",
			wantSTUN:   2,
			wantGrace:  3 * time.Second,
		},
		{
			name: "flags over env",
			env: map[string]string{
				"VIDMEET_SERVER": "ws://relay:9000/signal",
			},
			opts: Options{
				Server:       "ws://flag/signal",
				STUNServers:  []string{"stun:only:3478"},
				RestartGrace: time.Second,
			},
			wantServer: "ws://flag/signal",
			wantSTUN:   1,
			wantGrace:  time.Second,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"VIDMEET_SERVER", "VIDMEET_STUN", "VIDMEET_RESTART_GRACE", "VIDMEET_TURN", "VIDMEET_RELAY_ONLY"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load(tt.opts)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Server != tt.wantServer {
				t.Errorf("server=%q, want %q", cfg.Server, tt.wantServer)
			}
			if len(cfg.STUNServers) != tt.wantSTUN {
				t.Errorf("stun=%v, want %d entries", cfg.STUNServers, tt.wantSTUN)
			}
			if cfg.RestartGrace != tt.wantGrace {
				t.Errorf("grace=%s, want %s", cfg.RestartGrace, tt.wantGrace)
			}
			if cfg.Name == "" {
				t.Error("empty display name")
			}
		})
	}
}

func TestRelayOnlyRequiresTURN(t *testing.T) {
	t.Setenv("VIDMEET_TURN", "")
	if _, err := Load(Options{RelayOnly: true}); !errors.Is(err, ErrRelayWithoutTURN) {
		t.Fatalf("err=%v, want ErrRelayWithoutTURN", err)
	}

	t.Setenv("VIDMEET_RELAY_ONLY", "true")
	t.Setenv("VIDMEET_TURN", "turn:relay.example:3478")
	t.Setenv("VIDMEET_TURN_USER", "u")
	t.Setenv("VIDMEET_TURN_PASS", "p")
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	wc := cfg.WebRTCConfiguration()
	if wc.ICETransportPolicy != webrtc.ICETransportPolicyRelay {
		t.Fatalf("policy=%s", wc.ICETransportPolicy)
	}
	turn := wc.ICEServers[len(wc.ICEServers)-1]
	if turn.URLs[0] != "turn:relay.example:3478" || turn.Username != "u" || turn.Credential != "p" {
		t.Fatalf("turn server %+v", turn)
	}
}

func TestWebRTCConfigurationDefaults(t *testing.T) {
	cfg := &Config{STUNServers: DefaultSTUN}
	wc := cfg.WebRTCConfiguration()
	if wc.BundlePolicy != webrtc.BundlePolicyMaxBundle || wc.RTCPMuxPolicy != webrtc.RTCPMuxPolicyRequire {
		t.Fatalf("bundle=%s rtcpmux=%s", wc.BundlePolicy, wc.RTCPMuxPolicy)
	}
	if wc.ICECandidatePoolSize != 5 || wc.ICETransportPolicy != webrtc.ICETransportPolicyAll {
		t.Fatalf("pool=%d policy=%s", wc.ICECandidatePoolSize, wc.ICETransportPolicy)
	}
	if len(wc.ICEServers) != 4 {
		t.Fatalf("ice servers=%d", len(wc.ICEServers))
	}
}
