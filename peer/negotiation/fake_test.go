package negotiation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

var errFakeApply = errors.New("fake apply failure")

// fakePC models signaling state transitions of a peer connection without
// any transport behind it. Like pion it has no rollback.
type fakePC struct {
	mu sync.Mutex

	name   string
	offers int
	state  webrtc.SignalingState
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	localOffers   int
	remoteOffers  int
	remoteAnswers int
	candidates    []webrtc.ICECandidateInit
	senders       []*webrtc.RTPSender
	lastOfferOpts *webrtc.OfferOptions
	closed        bool

	failRemoteAnswer bool

	onICEState func(webrtc.ICEConnectionState)
}

func newFakePC(name string) *fakePC {
	return &fakePC{name: name, state: webrtc.SignalingStateStable}
}

func (f *fakePC) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	f.lastOfferOpts = opts
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  fmt.Sprintf("%s-offer-%d", f.name, f.offers),
	}, nil
}

func (f *fakePC) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  f.name + "-answer-to-" + f.remote.SDP,
	}, nil
}

func (f *fakePC) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if f.state != webrtc.SignalingStateStable && f.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("local offer in %s", f.state)
		}
		f.localOffers++
		f.state = webrtc.SignalingStateHaveLocalOffer
		f.local = &d
	case webrtc.SDPTypeAnswer:
		if f.state != webrtc.SignalingStateHaveRemoteOffer {
			return fmt.Errorf("local answer in %s", f.state)
		}
		f.local = &d
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unexpected local %s", d.Type)
	}
	return nil
}

func (f *fakePC) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch d.Type {
	case webrtc.SDPTypeOffer:
		if f.state != webrtc.SignalingStateStable {
			return fmt.Errorf("remote offer in %s", f.state)
		}
		f.remoteOffers++
		f.state = webrtc.SignalingStateHaveRemoteOffer
		f.remote = &d
	case webrtc.SDPTypeAnswer:
		if f.state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("remote answer in %s", f.state)
		}
		if f.failRemoteAnswer {
			return errFakeApply
		}
		f.remoteAnswers++
		f.remote = &d
		f.state = webrtc.SignalingStateStable
	default:
		return fmt.Errorf("unexpected remote %s", d.Type)
	}
	return nil
}

func (f *fakePC) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakePC) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *fakePC) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return errors.New("no remote description")
	}
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakePC) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &webrtc.RTPSender{}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakePC) RemoveTrack(s *webrtc.RTPSender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, cur := range f.senders {
		if cur == s {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("unknown sender")
}

func (f *fakePC) GetSenders() []*webrtc.RTPSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*webrtc.RTPSender(nil), f.senders...)
}

func (f *fakePC) GetReceivers() []*webrtc.RTPReceiver       { return nil }
func (f *fakePC) GetTransceivers() []*webrtc.RTPTransceiver { return nil }

func (f *fakePC) OnICECandidate(func(*webrtc.ICECandidate)) {}

func (f *fakePC) OnICEConnectionStateChange(h func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICEState = h
}

func (f *fakePC) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (f *fakePC) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))   {}
func (f *fakePC) OnNegotiationNeeded(func())                               {}
func (f *fakePC) ICEConnectionState() webrtc.ICEConnectionState            { return webrtc.ICEConnectionStateNew }
func (f *fakePC) ICEGatheringState() webrtc.ICEGatheringState              { return webrtc.ICEGatheringStateNew }
func (f *fakePC) ConnectionState() webrtc.PeerConnectionState              { return webrtc.PeerConnectionStateNew }
func (f *fakePC) SignalingState() webrtc.SignalingState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakePC) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakePC) fireICE(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	h := f.onICEState
	f.mu.Unlock()
	h(s)
}

// fakeFactory hands out fakePCs and remembers them.
type fakeFactory struct {
	mu   sync.Mutex
	name string
	pcs  []*fakePC
}

func (ff *fakeFactory) New() (PeerConnection, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	pc := newFakePC(fmt.Sprintf("%s%d", ff.name, len(ff.pcs)))
	ff.pcs = append(ff.pcs, pc)
	return pc, nil
}

func (ff *fakeFactory) last() *fakePC {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.pcs[len(ff.pcs)-1]
}

type signal struct {
	typ       string
	kind      OfferKind
	sd        webrtc.SessionDescription
	candidate *webrtc.ICECandidateInit
}

// pipe is a Signaler that queues messages until delivered to its target.
type pipe struct {
	mu     sync.Mutex
	queue  []signal
	log    []signal
	target *Engine
}

func (p *pipe) push(s signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, s)
	p.log = append(p.log, s)
	return nil
}

func (p *pipe) SendOffer(_ context.Context, kind OfferKind, sd webrtc.SessionDescription) error {
	return p.push(signal{typ: "offer", kind: kind, sd: sd})
}

func (p *pipe) SendAnswer(_ context.Context, kind OfferKind, sd webrtc.SessionDescription) error {
	return p.push(signal{typ: "answer", kind: kind, sd: sd})
}

func (p *pipe) SendCandidate(_ context.Context, c *webrtc.ICECandidateInit) error {
	return p.push(signal{typ: "candidate", candidate: c})
}

func (p *pipe) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.log {
		if s.typ == typ {
			n++
		}
	}
	return n
}

func (p *pipe) sent() []signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]signal(nil), p.log...)
}

// deliver hands queued messages to the target in order and reports
// whether anything was delivered.
func (p *pipe) deliver(t *testing.T) bool {
	t.Helper()
	p.mu.Lock()
	batch := p.queue
	p.queue = nil
	p.mu.Unlock()

	ctx := context.Background()
	for _, s := range batch {
		var err error
		switch s.typ {
		case "offer":
			_, err = p.target.HandleOffer(ctx, s.kind, s.sd)
		case "answer":
			err = p.target.HandleAnswer(ctx, s.sd)
		case "candidate":
			err = p.target.HandleCandidate(ctx, s.candidate)
		}
		if err != nil {
			t.Fatalf("deliver %s: %v", s.typ, err)
		}
	}
	return len(batch) > 0
}

type pair struct {
	a, b       *Engine
	fa, fb     *fakeFactory
	toB, toA   *pipe
	failuresMu sync.Mutex
	failures   []error
}

// newPair builds an impolite caller a and a polite callee b.
func newPair(t *testing.T) *pair {
	t.Helper()
	p := &pair{
		fa:  &fakeFactory{name: "a"},
		fb:  &fakeFactory{name: "b"},
		toB: &pipe{},
		toA: &pipe{},
	}
	var err error
	p.a, err = New(Config{
		Role:         RoleImpolite,
		Factory:      p.fa.New,
		Signaler:     p.toB,
		RestartGrace: 200 * time.Millisecond,
		Handlers: Handlers{OnFailure: func(err error) {
			p.failuresMu.Lock()
			defer p.failuresMu.Unlock()
			p.failures = append(p.failures, err)
		}},
	})
	if err != nil {
		t.Fatalf("new a: %v", err)
	}
	p.b, err = New(Config{Role: RolePolite, Factory: p.fb.New, Signaler: p.toA})
	if err != nil {
		t.Fatalf("new b: %v", err)
	}
	p.toB.target, p.toA.target = p.b, p.a
	t.Cleanup(func() {
		_ = p.a.Close()
		_ = p.b.Close()
	})
	return p
}

func (p *pair) pump(t *testing.T) {
	t.Helper()
	for i := 0; i < 20; i++ {
		movedB := p.toB.deliver(t)
		movedA := p.toA.deliver(t)
		if !movedA && !movedB {
			return
		}
	}
	t.Fatal("negotiation did not settle")
}

func (p *pair) connect(t *testing.T) {
	t.Helper()
	if err := p.a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	p.pump(t)
	requirePhase(t, p.a, PhaseStable)
	requirePhase(t, p.b, PhaseStable)
}

func requirePhase(t *testing.T, e *Engine, want Phase) {
	t.Helper()
	if got := e.Phase(); got != want {
		t.Fatalf("%s phase=%s, want %s", e.Role(), got, want)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTrack(t *testing.T, id string) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "stream")
	if err != nil {
		t.Fatalf("new track: %v", err)
	}
	return track
}
