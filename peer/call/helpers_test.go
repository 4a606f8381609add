package call

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/adwski/webrtc-vidmeet/peer/negotiation"
	"github.com/adwski/webrtc-vidmeet/peer/signaling"
	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

type fakeTransport struct {
	mu       sync.Mutex
	sent     []model.Message
	handlers map[string]signaling.HandlerFunc
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]signaling.HandlerFunc)}
}

func (f *fakeTransport) Send(_ context.Context, event, to string, payload any) error {
	msg, err := model.NewMessage(event, to, payload)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) On(event string, h signaling.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) deliver(t *testing.T, event, from string, payload any) {
	t.Helper()
	msg, err := model.NewMessage(event, "", payload)
	if err != nil {
		t.Fatalf("build %s: %v", event, err)
	}
	msg.From = from
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(context.Background(), msg)
}

func (f *fakeTransport) find(event string) []model.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Message
	for _, m := range f.sent {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// newVNetAPIs returns pion APIs attached to one started virtual router.
func newVNetAPIs(t *testing.T, n int) []*webrtc.API {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	t.Cleanup(func() {
		_ = router.Stop()
	})

	apis := make([]*webrtc.API, 0, n)
	for i := 0; i < n; i++ {
		vn, errN := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{fmt.Sprintf("10.0.0.%d", i+1)}})
		if errN != nil {
			t.Fatalf("new net: %v", errN)
		}
		if err = router.AddNet(vn); err != nil {
			t.Fatalf("add net: %v", err)
		}

		se := webrtc.SettingEngine{}
		se.SetNet(vn)
		mediaEngine := &webrtc.MediaEngine{}
		if err = mediaEngine.RegisterDefaultCodecs(); err != nil {
			t.Fatalf("register codecs: %v", err)
		}
		apis = append(apis, webrtc.NewAPI(
			webrtc.WithSettingEngine(se),
			webrtc.WithMediaEngine(mediaEngine),
		))
	}
	if err = router.Start(); err != nil {
		t.Fatalf("start router: %v", err)
	}
	return apis
}

func factoryFor(t *testing.T, api *webrtc.API) negotiation.Factory {
	return func() (negotiation.PeerConnection, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{})
		if err != nil {
			return nil, err
		}
		t.Cleanup(func() { _ = pc.Close() })
		return pc, nil
	}
}

func newAudioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "vidmeet")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}

// feed writes silent opus frames until ctx is done.
func feed(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = track.WriteSample(media.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond})
		}
	}
}

// remoteOffer produces an offer from a bare connection acting as the caller.
func remoteOffer(t *testing.T, api *webrtc.API) webrtc.SessionDescription {
	t.Helper()
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("new pc: %v", err)
	}
	t.Cleanup(func() { _ = pc.Close() })
	if _, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		t.Fatalf("add transceiver: %v", err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err = pc.SetLocalDescription(offer); err != nil {
		t.Fatalf("set local: %v", err)
	}
	return offer
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
