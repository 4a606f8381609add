package negotiation

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const defaultRestartGrace = 15 * time.Second

type (
	// PeerConnection is the part of *webrtc.PeerConnection the engine drives.
	PeerConnection interface {
		CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
		CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
		SetLocalDescription(desc webrtc.SessionDescription) error
		SetRemoteDescription(desc webrtc.SessionDescription) error
		LocalDescription() *webrtc.SessionDescription
		RemoteDescription() *webrtc.SessionDescription
		AddICECandidate(candidate webrtc.ICECandidateInit) error
		AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
		RemoveTrack(sender *webrtc.RTPSender) error
		GetSenders() []*webrtc.RTPSender
		GetReceivers() []*webrtc.RTPReceiver
		GetTransceivers() []*webrtc.RTPTransceiver
		OnICECandidate(f func(*webrtc.ICECandidate))
		OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
		OnConnectionStateChange(f func(webrtc.PeerConnectionState))
		OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
		OnNegotiationNeeded(f func())
		SignalingState() webrtc.SignalingState
		ICEConnectionState() webrtc.ICEConnectionState
		ICEGatheringState() webrtc.ICEGatheringState
		ConnectionState() webrtc.PeerConnectionState
		Close() error
	}

	// Factory allocates a fresh connection, used on start and on every rebuild.
	Factory func() (PeerConnection, error)

	// Signaler carries engine output to the remote peer. A nil candidate
	// is the end-of-candidates marker and must be delivered as such.
	Signaler interface {
		SendOffer(ctx context.Context, kind OfferKind, offer webrtc.SessionDescription) error
		SendAnswer(ctx context.Context, kind OfferKind, answer webrtc.SessionDescription) error
		SendCandidate(ctx context.Context, candidate *webrtc.ICECandidateInit) error
	}

	Handlers struct {
		OnTrack              func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
		OnConnectivityChange func(webrtc.PeerConnectionState)
		// OnFailure reports terminal problems such as ErrConnectivityLost.
		OnFailure func(error)
		// OnRebuilt is called after the connection was replaced.
		OnRebuilt func()
	}

	Config struct {
		Role         Role
		Factory      Factory
		Signaler     Signaler
		Handlers     Handlers
		RestartGrace time.Duration
		Logger       *zerolog.Logger
	}

	// Engine runs perfect negotiation over one peer connection.
	// Negotiation steps are serialized by opMu. Every step re-validates
	// generation and closed flag after each suspension point, so completions
	// that belong to a replaced or closed connection are dropped.
	//
	// The polite side sends its offers without committing them and commits
	// only when the answer arrives. Losing a collision then discards the
	// held offer, the connection itself never leaves stable.
	Engine struct {
		role         Role
		factory      Factory
		signaler     Signaler
		handlers     Handlers
		restartGrace time.Duration
		logger       zerolog.Logger

		opMu *sync.Mutex
		mx   *sync.Mutex

		pc          PeerConnection
		gen         uint64
		phase       Phase
		makingOffer bool
		started     bool
		closed      bool
		buffer      CandidateBuffer

		tracks  []webrtc.TrackLocal
		senders map[webrtc.TrackLocal]*webrtc.RTPSender

		// mediaRev counts local track changes, committedRev is the revision
		// the remote side has accepted, offeredRev the one in flight.
		mediaRev     uint64
		offeredRev   uint64
		committedRev uint64

		// held is the polite side's sent but uncommitted offer
		held        *webrtc.SessionDescription
		heldRestart bool
		// politeMids numbers mids the polite side assigns itself
		politeMids int

		restartPending bool
		restartTimer   *time.Timer
		iceState       webrtc.ICEConnectionState
		connState      webrtc.PeerConnectionState
	}
)

func New(cfg Config) (*Engine, error) {
	if cfg.Factory == nil {
		return nil, ErrNoFactory
	}
	if cfg.Signaler == nil {
		return nil, ErrNoSignaler
	}
	grace := cfg.RestartGrace
	if grace <= 0 {
		grace = defaultRestartGrace
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	e := &Engine{
		role:         cfg.Role,
		factory:      cfg.Factory,
		signaler:     cfg.Signaler,
		handlers:     cfg.Handlers,
		restartGrace: grace,
		logger: logger.With().
			Str("component", "negotiation").
			Str("role", cfg.Role.String()).Logger(),
		opMu:    &sync.Mutex{},
		mx:      &sync.Mutex{},
		senders: make(map[webrtc.TrackLocal]*webrtc.RTPSender),
	}

	pc, err := cfg.Factory()
	if err != nil {
		return nil, opError("create connection", PhaseStable, err)
	}
	e.pc = pc
	e.wire(pc, e.gen)
	return e, nil
}

func (e *Engine) Role() Role {
	return e.role
}

func (e *Engine) Phase() Phase {
	e.mx.Lock()
	defer e.mx.Unlock()
	return e.phase
}

func (e *Engine) State() State {
	e.mx.Lock()
	defer e.mx.Unlock()
	return State{
		Phase:             e.phase,
		Role:              e.role,
		MakingOffer:       e.makingOffer,
		PendingCandidates: e.buffer.Len(),
	}
}

// Start sends the initial offer. Only the calling side starts.
func (e *Engine) Start(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	e.started = true
	e.mx.Unlock()

	return e.offer(ctx, OfferInitial, nil)
}

// HandleOffer applies a remote offer and sends the answer. On glare the
// impolite side ignores the offer and returns a nil answer, the polite side
// discards its held offer first.
func (e *Engine) HandleOffer(ctx context.Context, kind OfferKind, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return nil, ErrEngineClosed
	}
	pc, gen := e.pc, e.gen
	collision := e.phase == PhaseHaveLocalOffer
	if collision && e.role == RoleImpolite {
		e.mx.Unlock()
		e.logger.Debug().Msg("ignoring colliding remote offer")
		return nil, nil
	}
	e.started = true
	if collision {
		e.dropHeldLocked()
	}
	e.mx.Unlock()
	if collision {
		e.logger.Debug().Msg("held local offer discarded")
	}

	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, e.recover(ctx, "apply offer", err)
	}
	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return nil, ErrEngineClosed
	}
	e.phase = PhaseHaveRemoteOffer
	pending := e.buffer.DrainIfReady(pc.RemoteDescription() != nil)
	e.mx.Unlock()
	e.applyCandidates(pc, pending)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, e.recover(ctx, "create answer", err)
	}
	if err = pc.SetLocalDescription(answer); err != nil {
		return nil, e.recover(ctx, "commit answer", err)
	}
	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return nil, ErrEngineClosed
	}
	e.phase = PhaseStable
	if !collision {
		e.committedRev = e.mediaRev
	}
	e.mx.Unlock()

	if err = e.signaler.SendAnswer(ctx, kind, answer); err != nil {
		return &answer, opError("send answer", PhaseStable, err)
	}
	e.logger.Debug().Str("kind", kind.String()).Msg("answer sent")

	e.settle(ctx)
	return &answer, nil
}

// HandleAnswer completes a local offer. Answers arriving in any other
// phase are stale and discarded. A failure to apply the answer rebuilds
// the connection and starts over with a fresh offer.
func (e *Engine) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	if e.phase != PhaseHaveLocalOffer {
		phase := e.phase
		e.mx.Unlock()
		e.logger.Debug().Stringer("phase", phase).Msg("discarding stale answer")
		return nil
	}
	pc, gen, held := e.pc, e.gen, e.held
	e.mx.Unlock()

	if held != nil {
		if err := pc.SetLocalDescription(*held); err != nil {
			return e.recover(ctx, "commit offer", err)
		}
		e.mx.Lock()
		if e.staleLocked(gen) {
			e.mx.Unlock()
			return ErrEngineClosed
		}
		e.held, e.heldRestart = nil, false
		e.mx.Unlock()
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return e.recover(ctx, "apply answer", err)
	}

	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	e.phase = PhaseStable
	e.makingOffer = false
	e.committedRev = e.offeredRev
	pending := e.buffer.DrainIfReady(pc.RemoteDescription() != nil)
	e.mx.Unlock()
	e.applyCandidates(pc, pending)

	e.logger.Debug().Msg("answer applied")
	e.settle(ctx)
	return nil
}

// HandleCandidate applies a remote candidate or buffers it until a remote
// description exists. nil marks the end of remote candidates.
func (e *Engine) HandleCandidate(_ context.Context, candidate *webrtc.ICECandidateInit) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	pc := e.pc
	if pc.RemoteDescription() == nil {
		e.buffer.Add(candidate)
		e.mx.Unlock()
		e.logger.Trace().Msg("candidate buffered")
		return nil
	}
	e.mx.Unlock()

	e.applyCandidates(pc, []*webrtc.ICECandidateInit{candidate})
	return nil
}

// NegotiationNeeded is a local request to renegotiate. Outside of the
// stable phase it is dropped; reaching stable re-evaluates local changes.
func (e *Engine) NegotiationNeeded(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.negotiate(ctx, nil)
}

// RestartICE renegotiates transport keeping media. If the engine is
// mid-negotiation the restart is deferred until it is stable again.
func (e *Engine) RestartICE(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	if e.phase != PhaseStable {
		e.restartPending = true
		e.mx.Unlock()
		e.logger.Debug().Msg("ice restart deferred")
		return nil
	}
	e.restartPending = false
	e.mx.Unlock()

	e.logger.Info().Msg("restarting ice")
	return e.offer(ctx, OfferRenegotiate, &webrtc.OfferOptions{ICERestart: true})
}

// AddTrack attaches local media. Tracks are replayed into the connection
// after a rebuild.
func (e *Engine) AddTrack(ctx context.Context, track webrtc.TrackLocal) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	pc, gen := e.pc, e.gen
	e.mx.Unlock()

	sender, err := pc.AddTrack(track)
	if err != nil {
		return opError("add track", e.Phase(), err)
	}
	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	e.tracks = append(e.tracks, track)
	e.senders[track] = sender
	e.mediaRev++
	e.mx.Unlock()

	return e.negotiate(ctx, nil)
}

func (e *Engine) RemoveTrack(ctx context.Context, track webrtc.TrackLocal) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.detach(track); err != nil {
		return err
	}
	return e.negotiate(ctx, nil)
}

// ReplaceTracks swaps the whole local media set in one renegotiation.
func (e *Engine) ReplaceTracks(ctx context.Context, tracks []webrtc.TrackLocal) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	current := append([]webrtc.TrackLocal(nil), e.tracks...)
	e.mx.Unlock()
	for _, track := range current {
		if err := e.detach(track); err != nil {
			return err
		}
	}

	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	pc := e.pc
	e.mx.Unlock()
	for _, track := range tracks {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return opError("add track", e.Phase(), err)
		}
		e.mx.Lock()
		e.tracks = append(e.tracks, track)
		e.senders[track] = sender
		e.mediaRev++
		e.mx.Unlock()
	}
	return e.negotiate(ctx, nil)
}

func (e *Engine) detach(track webrtc.TrackLocal) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	sender, ok := e.senders[track]
	if !ok {
		e.mx.Unlock()
		return ErrUnknownTrack
	}
	pc := e.pc
	e.mx.Unlock()

	if err := pc.RemoveTrack(sender); err != nil {
		return opError("remove track", e.Phase(), err)
	}

	e.mx.Lock()
	delete(e.senders, track)
	for i, t := range e.tracks {
		if t == track {
			e.tracks = append(e.tracks[:i], e.tracks[i+1:]...)
			break
		}
	}
	e.mediaRev++
	e.mx.Unlock()
	return nil
}

// Rebuild replaces the connection, replays local media and sends a brand
// new offer. Buffered candidates of the old connection are dropped.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.rebuild(ctx, true)
}

// Reset replaces the connection like Rebuild but waits for the remote
// side to offer. The callee uses it when the caller starts over.
func (e *Engine) Reset(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.rebuild(ctx, false)
}

// Close releases the connection. It does not wait for a running
// negotiation step, that step notices the closed flag and stops.
func (e *Engine) Close() error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return nil
	}
	e.closed = true
	e.phase = PhaseClosed
	e.makingOffer = false
	e.held, e.heldRestart = nil, false
	e.buffer.Reset()
	e.stopRestartTimerLocked()
	pc := e.pc
	e.mx.Unlock()

	e.logger.Debug().Msg("engine closed")
	if err := pc.Close(); err != nil {
		return opError("close", PhaseClosed, errors.Join(ErrTransportClosed, err))
	}
	return nil
}

func (e *Engine) negotiate(ctx context.Context, opts *webrtc.OfferOptions) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	if !e.started {
		e.mx.Unlock()
		return nil
	}
	if e.phase != PhaseStable {
		phase := e.phase
		e.mx.Unlock()
		e.logger.Debug().Stringer("phase", phase).Msg("negotiation suppressed")
		return nil
	}
	e.mx.Unlock()
	return e.offer(ctx, OfferRenegotiate, opts)
}

// offer runs one create/commit/send cycle. Caller holds opMu.
func (e *Engine) offer(ctx context.Context, kind OfferKind, opts *webrtc.OfferOptions) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	if e.phase != PhaseStable {
		e.mx.Unlock()
		return nil
	}
	pc, gen := e.pc, e.gen
	e.makingOffer = true
	e.offeredRev = e.mediaRev
	e.mx.Unlock()

	abort := func(op string, err error) error {
		e.mx.Lock()
		if !e.staleLocked(gen) {
			e.makingOffer = false
			e.offeredRev = e.committedRev
		}
		phase := e.phase
		e.mx.Unlock()
		return opError(op, phase, err)
	}

	restart := opts != nil && opts.ICERestart
	if e.role == RolePolite {
		if err := e.claimMids(pc); err != nil {
			return abort("assign mid", err)
		}
	}
	sd, err := pc.CreateOffer(opts)
	if err != nil {
		return abort("create offer", err)
	}
	if e.role == RoleImpolite {
		if err = pc.SetLocalDescription(sd); err != nil {
			return abort("commit offer", err)
		}
	}

	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	e.phase = PhaseHaveLocalOffer
	e.makingOffer = false
	if e.role == RolePolite {
		e.held, e.heldRestart = &sd, restart
	}
	if restart {
		e.armRestartTimerLocked(gen)
	}
	e.mx.Unlock()

	if err = e.signaler.SendOffer(ctx, kind, sd); err != nil {
		return opError("send offer", PhaseHaveLocalOffer, err)
	}
	e.logger.Debug().Str("kind", kind.String()).Msg("offer sent")
	return nil
}

// settle re-evaluates work that was held back while negotiating.
// Caller holds opMu.
func (e *Engine) settle(ctx context.Context) {
	e.mx.Lock()
	if e.closed || e.phase != PhaseStable {
		e.mx.Unlock()
		return
	}
	restart := e.restartPending
	dirty := e.mediaRev != e.committedRev
	e.restartPending = false
	e.mx.Unlock()

	var err error
	switch {
	case restart:
		e.logger.Info().Msg("restarting ice")
		err = e.offer(ctx, OfferRenegotiate, &webrtc.OfferOptions{ICERestart: true})
	case dirty:
		e.logger.Debug().Msg("local media changed while negotiating, renegotiating")
		err = e.offer(ctx, OfferRenegotiate, nil)
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("follow-up negotiation failed")
	}
}

// recover handles a failure to commit a description: the connection state
// is considered corrupted and the whole connection is rebuilt.
func (e *Engine) recover(ctx context.Context, op string, cause error) error {
	e.mx.Lock()
	phase, closed := e.phase, e.closed
	e.mx.Unlock()
	if closed {
		return ErrEngineClosed
	}

	e.logger.Warn().Err(cause).Str("op", op).Msg("description failure, rebuilding connection")
	if err := e.rebuild(ctx, true); err != nil {
		return opError(op, phase, errors.Join(ErrDescriptionApply, cause, err))
	}
	return nil
}

func (e *Engine) rebuild(ctx context.Context, offer bool) error {
	e.mx.Lock()
	if e.closed {
		e.mx.Unlock()
		return ErrEngineClosed
	}
	old := e.pc
	e.gen++
	gen := e.gen
	e.stopRestartTimerLocked()
	e.buffer.Reset()
	e.phase = PhaseStable
	e.makingOffer = false
	e.held, e.heldRestart = nil, false
	e.restartPending = false
	if !offer {
		// nothing is offered on a reset connection until the remote side offers
		e.started = false
	}
	e.committedRev = 0
	e.offeredRev = 0
	e.senders = make(map[webrtc.TrackLocal]*webrtc.RTPSender)
	tracks := append([]webrtc.TrackLocal(nil), e.tracks...)
	e.mx.Unlock()

	if err := old.Close(); err != nil {
		e.logger.Warn().Err(err).Msg("failed to close replaced connection")
	}

	pc, err := e.factory()
	if err != nil {
		e.mx.Lock()
		e.closed = true
		e.phase = PhaseClosed
		e.mx.Unlock()
		return opError("rebuild", PhaseClosed, errors.Join(ErrTransportClosed, err))
	}

	e.mx.Lock()
	if e.closed || e.gen != gen {
		e.mx.Unlock()
		_ = pc.Close()
		return ErrEngineClosed
	}
	e.pc = pc
	e.mx.Unlock()
	e.wire(pc, gen)

	for _, track := range tracks {
		sender, errT := pc.AddTrack(track)
		if errT != nil {
			e.logger.Error().Err(errT).Msg("failed to replay local track")
			continue
		}
		e.mx.Lock()
		e.senders[track] = sender
		e.mx.Unlock()
	}

	e.logger.Info().Uint64("generation", gen).Msg("connection rebuilt")
	if e.handlers.OnRebuilt != nil {
		go e.handlers.OnRebuilt()
	}

	if !offer {
		return nil
	}
	e.mx.Lock()
	e.started = true
	e.mx.Unlock()
	return e.offer(ctx, OfferInitial, nil)
}

func (e *Engine) applyCandidates(pc PeerConnection, candidates []*webrtc.ICECandidateInit) {
	for _, c := range candidates {
		init := webrtc.ICECandidateInit{}
		if c != nil {
			init = *c
		}
		if err := pc.AddICECandidate(init); err != nil {
			e.logger.Debug().Err(err).Msg("failed to add remote candidate")
		}
	}
}

// claimMids names new polite transceivers outside of the numeric mids the
// connection assigns itself, so a discarded offer cannot leave behind a mid
// the impolite side uses for a different section.
func (e *Engine) claimMids(pc PeerConnection) error {
	for _, t := range pc.GetTransceivers() {
		if t.Mid() != "" {
			continue
		}
		e.politeMids++
		if err := t.SetMid("p" + strconv.Itoa(e.politeMids)); err != nil {
			return err
		}
	}
	return nil
}

// dropHeldLocked forgets the polite side's uncommitted offer. Media it
// carried counts as not offered and a dropped ice restart is retried once
// stable again.
func (e *Engine) dropHeldLocked() {
	if e.heldRestart {
		e.restartPending = true
	}
	e.held, e.heldRestart = nil, false
	e.phase = PhaseStable
	e.offeredRev = e.committedRev
}

// staleLocked reports whether a step started on generation gen must stop.
func (e *Engine) staleLocked(gen uint64) bool {
	return e.closed || e.gen != gen
}

// wire installs connection callbacks bound to generation gen.
func (e *Engine) wire(pc PeerConnection, gen uint64) {
	current := func() bool {
		e.mx.Lock()
		defer e.mx.Unlock()
		return !e.staleLocked(gen)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if !current() {
			return
		}
		var init *webrtc.ICECandidateInit
		if c != nil {
			cInit := c.ToJSON()
			init = &cInit
		}
		if err := e.signaler.SendCandidate(context.Background(), init); err != nil {
			e.logger.Error().Err(err).Msg("failed to send local candidate")
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		go e.onICEState(gen, s)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		e.mx.Lock()
		if e.staleLocked(gen) {
			e.mx.Unlock()
			return
		}
		e.connState = s
		e.mx.Unlock()
		e.logger.Debug().Stringer("state", s).Msg("connection state changed")
		if e.handlers.OnConnectivityChange != nil {
			go e.handlers.OnConnectivityChange(s)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if !current() {
			return
		}
		e.logger.Debug().
			Str("kind", track.Kind().String()).
			Str("track", track.ID()).
			Msg("remote track")
		if e.handlers.OnTrack != nil {
			e.handlers.OnTrack(track, receiver)
		}
	})
	pc.OnNegotiationNeeded(func() {
		go e.onNegotiationNeeded(gen)
	})
}

// onNegotiationNeeded reacts to the connection's own trigger only when
// there is something uncommitted, explicit requests go through NegotiationNeeded.
func (e *Engine) onNegotiationNeeded(gen uint64) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mx.Lock()
	if e.staleLocked(gen) || !e.started || e.mediaRev == e.committedRev {
		e.mx.Unlock()
		return
	}
	e.mx.Unlock()
	if err := e.negotiate(context.Background(), nil); err != nil {
		e.logger.Error().Err(err).Msg("negotiation failed")
	}
}

func (e *Engine) onICEState(gen uint64, s webrtc.ICEConnectionState) {
	e.mx.Lock()
	if e.staleLocked(gen) {
		e.mx.Unlock()
		return
	}
	e.iceState = s
	switch s {
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		e.stopRestartTimerLocked()
	case webrtc.ICEConnectionStateFailed:
		e.armRestartTimerLocked(gen)
	}
	e.mx.Unlock()

	e.logger.Debug().Stringer("state", s).Msg("ice connection state changed")
	if s == webrtc.ICEConnectionStateFailed {
		if err := e.RestartICE(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("ice restart failed")
		}
	}
}

func (e *Engine) armRestartTimerLocked(gen uint64) {
	if e.restartTimer != nil {
		return
	}
	e.restartTimer = time.AfterFunc(e.restartGrace, func() {
		e.connectivityLost(gen)
	})
}

func (e *Engine) stopRestartTimerLocked() {
	if e.restartTimer != nil {
		e.restartTimer.Stop()
		e.restartTimer = nil
	}
}

func (e *Engine) connectivityLost(gen uint64) {
	e.mx.Lock()
	if e.staleLocked(gen) || e.restartTimer == nil {
		e.mx.Unlock()
		return
	}
	e.restartTimer = nil
	if e.iceState == webrtc.ICEConnectionStateConnected || e.iceState == webrtc.ICEConnectionStateCompleted {
		e.mx.Unlock()
		return
	}
	e.mx.Unlock()

	e.logger.Error().Dur("grace", e.restartGrace).Msg("ice restart did not restore connectivity")
	if e.handlers.OnFailure != nil {
		e.handlers.OnFailure(ErrConnectivityLost)
	}
}
