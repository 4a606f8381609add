package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/adwski/webrtc-vidmeet/peer/negotiation"
	"github.com/adwski/webrtc-vidmeet/peer/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoPeer         = errors.New("no remote participant")
	ErrNoCall         = errors.New("no active call")
	ErrPeerLeft       = errors.New("remote participant disconnected")
	ErrRoomNotFound   = errors.New("room not found")
	ErrServer         = errors.New("server error")
	ErrNoReply        = errors.New("no reply from server")
)

type (
	// Transport is the signaling connection, implemented by *signaling.Client.
	Transport interface {
		Send(ctx context.Context, event, to string, payload any) error
		On(event string, h signaling.HandlerFunc)
	}

	Callbacks struct {
		OnRemoteTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
		OnConnectivityChange func(webrtc.PeerConnectionState)
		// OnCallEnded reports the end of the call leg with peer; err is nil
		// when the remote side hung up.
		OnCallEnded        func(peer string, err error)
		OnChat             func(from string, msg model.ChatMessage)
		OnRemoteMediaState func(from string, state model.MediaStatePayload)
		OnPeerJoined       func(model.UserJoined)
		OnPeerLeft         func(id string)
		// OnIncomingCall decides whether to accept a call. Nil accepts every call.
		OnIncomingCall func(from, name string) bool
	}

	Config struct {
		Transport Transport
		// Factory creates peer connections for every call leg.
		Factory      negotiation.Factory
		Tracks       []webrtc.TrackLocal
		RestartGrace time.Duration
		ReplyTimeout time.Duration
		Callbacks    Callbacks
		Logger       *zerolog.Logger
	}

	// Orchestrator binds one negotiation engine at a time to the signaling
	// connection and maps engine output onto relay events.
	Orchestrator struct {
		transport    Transport
		factory      negotiation.Factory
		restartGrace time.Duration
		replyTimeout time.Duration
		cb           Callbacks
		logger       zerolog.Logger
		// base is handed to engines, which add their own component field
		base zerolog.Logger

		mx     *sync.Mutex
		engine *negotiation.Engine
		peer   string
		remote string
		tracks []webrtc.TrackLocal
		// candidates that arrived before the call leg was set up, per sender
		early map[string]*negotiation.CandidateBuffer
		chats int

		rooms chan roomReply
	}

	roomReply struct {
		code string
		err  error
	}
)

const defaultReplyTimeout = 5 * time.Second

func New(cfg Config) *Orchestrator {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	timeout := cfg.ReplyTimeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	o := &Orchestrator{
		transport:    cfg.Transport,
		factory:      cfg.Factory,
		restartGrace: cfg.RestartGrace,
		replyTimeout: timeout,
		cb:           cfg.Callbacks,
		logger:       logger.With().Str("component", "call").Logger(),
		base:         logger,
		mx:           &sync.Mutex{},
		tracks:       append([]webrtc.TrackLocal(nil), cfg.Tracks...),
		early:        make(map[string]*negotiation.CandidateBuffer),
		rooms:        make(chan roomReply, 1),
	}
	o.bind()
	return o
}

func (o *Orchestrator) bind() {
	t := o.transport
	signaling.Handle(t, model.EventRoomCreate, o.onRoomCreated)
	signaling.Handle(t, model.EventRoomJoin, o.onRoomJoined)
	signaling.Handle(t, model.EventRoomNotFound, o.onRoomNotFound)
	signaling.Handle(t, model.EventError, o.onServerError)
	signaling.Handle(t, model.EventUserJoined, o.onUserJoined)
	signaling.Handle(t, model.EventUserDisconnect, o.onUserDisconnected)
	signaling.Handle(t, model.EventIncomingCall, o.onIncomingCall)
	signaling.Handle(t, model.EventCallAccepted, o.onAnswer)
	signaling.Handle(t, model.EventNegoNeeded, o.onNegotiationOffer)
	signaling.Handle(t, model.EventNegoFinal, o.onAnswer)
	signaling.Handle(t, model.EventICECandidate, o.onCandidate)
	t.On(model.EventCallEnded, o.onCallEnded)
	signaling.Handle(t, model.EventMediaState, o.onMediaState)
	signaling.Handle(t, model.EventMessageRecv, o.onChat)
}

// CreateRoom asks the relay for a new room and joins it as name.
func (o *Orchestrator) CreateRoom(ctx context.Context, name string) (string, error) {
	if err := o.transport.Send(ctx, model.EventRoomCreate, "", model.CreateRoomRequest{Name: name}); err != nil {
		return "", err
	}
	return o.awaitRoom(ctx)
}

// JoinRoom joins an existing room as name.
func (o *Orchestrator) JoinRoom(ctx context.Context, name, code string) error {
	req := model.JoinRoomRequest{Name: name, Room: code}
	if err := o.transport.Send(ctx, model.EventRoomJoin, "", req); err != nil {
		return err
	}
	_, err := o.awaitRoom(ctx)
	return err
}

func (o *Orchestrator) awaitRoom(ctx context.Context) (string, error) {
	timer := time.NewTimer(o.replyTimeout)
	defer timer.Stop()
	select {
	case r := <-o.rooms:
		return r.code, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
		return "", ErrNoReply
	}
}

func (o *Orchestrator) reply(r roomReply) {
	select {
	case o.rooms <- r:
	default:
		o.logger.Debug().Msg("unsolicited room reply dropped")
	}
}

// Remote returns the connection id of the known remote participant.
func (o *Orchestrator) Remote() string {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.remote
}

// Engine returns the engine of the active call leg, or nil.
func (o *Orchestrator) Engine() *negotiation.Engine {
	o.mx.Lock()
	defer o.mx.Unlock()
	return o.engine
}

// RequestCall starts a call with to, or with the known remote participant
// when to is empty. The caller is the impolite side.
func (o *Orchestrator) RequestCall(ctx context.Context, to string) error {
	o.mx.Lock()
	if to == "" {
		to = o.remote
	}
	if to == "" {
		o.mx.Unlock()
		return ErrNoPeer
	}
	if o.engine != nil {
		o.mx.Unlock()
		return ErrCallInProgress
	}
	engine, err := o.newEngine(negotiation.RoleImpolite, to)
	if err != nil {
		o.mx.Unlock()
		return err
	}
	o.engine, o.peer, o.remote = engine, to, to
	clear(o.early)
	tracks := o.tracks
	o.mx.Unlock()

	for _, track := range tracks {
		if err = engine.AddTrack(ctx, track); err != nil {
			o.teardown(engine, err)
			return fmt.Errorf("cannot attach local media: %w", err)
		}
	}
	o.logger.Info().Str("peer", to).Msg("calling")
	if err = engine.Start(ctx); err != nil {
		o.teardown(engine, err)
		return fmt.Errorf("cannot start call: %w", err)
	}
	return nil
}

// AcceptIncomingCall answers the offer of from as the polite side. An offer
// from the current peer means the caller started over with a fresh
// connection, so the local one is reset as well.
func (o *Orchestrator) AcceptIncomingCall(ctx context.Context, from string, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	o.mx.Lock()
	engine := o.engine
	switch {
	case engine != nil && o.peer != from:
		o.mx.Unlock()
		return nil, ErrCallInProgress
	case engine == nil:
		var err error
		if engine, err = o.newEngine(negotiation.RolePolite, from); err != nil {
			o.mx.Unlock()
			return nil, err
		}
		o.engine, o.peer, o.remote = engine, from, from
		var early []*webrtc.ICECandidateInit
		if buf := o.early[from]; buf != nil {
			early = buf.DrainIfReady(true)
		}
		clear(o.early)
		tracks := o.tracks
		o.mx.Unlock()

		for _, track := range tracks {
			if err = engine.AddTrack(ctx, track); err != nil {
				o.teardown(engine, err)
				return nil, fmt.Errorf("cannot attach local media: %w", err)
			}
		}
		for _, c := range early {
			if err = engine.HandleCandidate(ctx, c); err != nil {
				return nil, err
			}
		}
	default:
		o.mx.Unlock()
		o.logger.Info().Str("peer", from).Msg("caller restarted the call, resetting connection")
		if err := engine.Reset(ctx); err != nil {
			o.teardown(engine, err)
			return nil, err
		}
	}

	answer, err := engine.HandleOffer(ctx, negotiation.OfferInitial, offer)
	if err != nil {
		return nil, err
	}
	o.logger.Info().Str("peer", from).Msg("call accepted")
	return answer, nil
}

// EndCall notifies the peer and releases the call leg.
func (o *Orchestrator) EndCall(ctx context.Context) error {
	o.mx.Lock()
	engine, peer := o.engine, o.peer
	o.mx.Unlock()
	if engine == nil {
		return ErrNoCall
	}

	err := o.transport.Send(ctx, model.EventCallEnd, peer, nil)
	o.teardown(engine, nil)
	return err
}

// SendChat sends a chat message to the remote participant, numbered and
// timestamped the way browser clients do it.
func (o *Orchestrator) SendChat(ctx context.Context, text string) error {
	o.mx.Lock()
	to := o.remote
	o.chats++
	id := o.chats
	o.mx.Unlock()
	if to == "" {
		return ErrNoPeer
	}
	return o.transport.Send(ctx, model.EventMessageSent, to, model.ChatPayload{
		Message: model.ChatMessage{ID: id, Text: text, Time: time.Now().Format("15:04")},
	})
}

// SetMediaState tells the remote participant that local audio or video was
// switched on or off.
func (o *Orchestrator) SetMediaState(ctx context.Context, kind string, enabled bool) error {
	if kind != model.MediaKindAudio && kind != model.MediaKindVideo {
		return fmt.Errorf("unknown media kind %q", kind)
	}
	to := o.Remote()
	if to == "" {
		return ErrNoPeer
	}
	return o.transport.Send(ctx, model.EventMediaState, to, model.MediaStatePayload{Type: kind, State: enabled})
}

// ReplaceTracks swaps local media, renegotiating if a call is active.
func (o *Orchestrator) ReplaceTracks(ctx context.Context, tracks []webrtc.TrackLocal) error {
	o.mx.Lock()
	o.tracks = append([]webrtc.TrackLocal(nil), tracks...)
	engine := o.engine
	o.mx.Unlock()
	if engine == nil {
		return nil
	}
	return engine.ReplaceTracks(ctx, tracks)
}

func (o *Orchestrator) newEngine(role negotiation.Role, peer string) (*negotiation.Engine, error) {
	var engine *negotiation.Engine
	handlers := negotiation.Handlers{
		OnTrack:              o.cb.OnRemoteTrack,
		OnConnectivityChange: o.cb.OnConnectivityChange,
		OnFailure: func(err error) {
			o.onEngineFailure(engine, err)
		},
		OnRebuilt: func() {
			o.logger.Info().Str("peer", peer).Msg("connection rebuilt")
		},
	}
	engine, err := negotiation.New(negotiation.Config{
		Role:         role,
		Factory:      o.factory,
		Signaler:     &legSignaler{transport: o.transport, to: peer},
		Handlers:     handlers,
		RestartGrace: o.restartGrace,
		Logger:       &o.base,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot create negotiation engine: %w", err)
	}
	return engine, nil
}

func (o *Orchestrator) onEngineFailure(engine *negotiation.Engine, err error) {
	if !errors.Is(err, negotiation.ErrConnectivityLost) {
		o.logger.Error().Err(err).Msg("call failure")
		return
	}
	o.mx.Lock()
	current, peer := o.engine == engine, o.peer
	o.mx.Unlock()
	if !current {
		return
	}
	o.logger.Warn().Str("peer", peer).Msg("connectivity lost, ending call")
	ctx, cancel := context.WithTimeout(context.Background(), o.replyTimeout)
	defer cancel()
	if errS := o.transport.Send(ctx, model.EventCallEnd, peer, nil); errS != nil {
		o.logger.Error().Err(errS).Msg("failed to notify peer")
	}
	o.teardown(engine, err)
}

// teardown closes engine if it is still the active leg and reports the end.
func (o *Orchestrator) teardown(engine *negotiation.Engine, reason error) {
	o.mx.Lock()
	if o.engine != engine {
		o.mx.Unlock()
		return
	}
	peer := o.peer
	o.engine, o.peer = nil, ""
	clear(o.early)
	o.mx.Unlock()

	if err := engine.Close(); err != nil {
		o.logger.Error().Err(err).Msg("failed to close connection")
	}
	o.logger.Info().Str("peer", peer).AnErr("reason", reason).Msg("call ended")
	if o.cb.OnCallEnded != nil {
		o.cb.OnCallEnded(peer, reason)
	}
}

// activeFor returns the engine if from is the peer of the active leg.
func (o *Orchestrator) activeFor(from string) *negotiation.Engine {
	o.mx.Lock()
	defer o.mx.Unlock()
	if o.engine == nil || o.peer != from {
		return nil
	}
	return o.engine
}

func (o *Orchestrator) onRoomCreated(_ context.Context, _ model.Message, p model.CreateRoomReply) {
	if p.Error != "" {
		o.reply(roomReply{err: fmt.Errorf("%w: %s", ErrServer, p.Error)})
		return
	}
	o.reply(roomReply{code: p.Code})
}

func (o *Orchestrator) onRoomJoined(_ context.Context, _ model.Message, p model.JoinRoomRequest) {
	o.reply(roomReply{code: p.Room})
}

func (o *Orchestrator) onRoomNotFound(_ context.Context, _ model.Message, p model.ErrorPayload) {
	o.reply(roomReply{err: fmt.Errorf("%w: %s", ErrRoomNotFound, p.Error)})
}

func (o *Orchestrator) onServerError(_ context.Context, _ model.Message, p model.ErrorPayload) {
	o.logger.Error().Str("error", p.Error).Msg("relay reported an error")
	o.reply(roomReply{err: fmt.Errorf("%w: %s", ErrServer, p.Error)})
}

func (o *Orchestrator) onUserJoined(_ context.Context, _ model.Message, p model.UserJoined) {
	o.mx.Lock()
	o.remote = p.ID
	o.mx.Unlock()
	o.logger.Info().Str("name", p.Name).Str("id", p.ID).Msg("participant joined")
	if o.cb.OnPeerJoined != nil {
		o.cb.OnPeerJoined(p)
	}
}

func (o *Orchestrator) onUserDisconnected(_ context.Context, _ model.Message, p model.UserDisconnected) {
	o.mx.Lock()
	if o.remote == p.ID {
		o.remote = ""
	}
	o.mx.Unlock()
	if engine := o.activeFor(p.ID); engine != nil {
		o.teardown(engine, ErrPeerLeft)
	}
	if o.cb.OnPeerLeft != nil {
		o.cb.OnPeerLeft(p.ID)
	}
}

func (o *Orchestrator) onIncomingCall(ctx context.Context, msg model.Message, p model.CallPayload) {
	offer, err := decodeDescription(p.Offer)
	if err != nil {
		o.logger.Error().Err(err).Str("from", msg.From).Msg("malformed offer")
		return
	}
	if o.activeFor(msg.From) == nil && o.cb.OnIncomingCall != nil && !o.cb.OnIncomingCall(msg.From, p.Name) {
		o.logger.Info().Str("from", msg.From).Msg("incoming call declined")
		return
	}
	if _, err = o.AcceptIncomingCall(ctx, msg.From, offer); err != nil {
		o.logger.Error().Err(err).Str("from", msg.From).Msg("cannot accept call")
	}
}

func (o *Orchestrator) onNegotiationOffer(ctx context.Context, msg model.Message, p model.NegotiationPayload) {
	engine := o.activeFor(msg.From)
	if engine == nil {
		o.logger.Debug().Str("from", msg.From).Msg("renegotiation offer outside of a call")
		return
	}
	offer, err := decodeDescription(p.Offer)
	if err != nil {
		o.logger.Error().Err(err).Msg("malformed renegotiation offer")
		return
	}
	if _, err = engine.HandleOffer(ctx, negotiation.OfferRenegotiate, offer); err != nil {
		o.logger.Error().Err(err).Msg("renegotiation failed")
	}
}

func (o *Orchestrator) onAnswer(ctx context.Context, msg model.Message, p model.AnswerPayload) {
	engine := o.activeFor(msg.From)
	if engine == nil {
		o.logger.Debug().Str("from", msg.From).Msg("answer outside of a call")
		return
	}
	answer, err := decodeDescription(p.Ans)
	if err != nil {
		o.logger.Error().Err(err).Msg("malformed answer")
		return
	}
	if err = engine.HandleAnswer(ctx, answer); err != nil {
		o.logger.Error().Err(err).Msg("answer failed")
	}
}

func (o *Orchestrator) onCandidate(ctx context.Context, msg model.Message, p model.CandidatePayload) {
	var candidate *webrtc.ICECandidateInit
	if !model.IsNull(p.Candidate) {
		candidate = &webrtc.ICECandidateInit{}
		if err := json.Unmarshal(p.Candidate, candidate); err != nil {
			o.logger.Error().Err(err).Msg("malformed candidate")
			return
		}
	}

	o.mx.Lock()
	if o.engine == nil {
		buf := o.early[msg.From]
		if buf == nil {
			buf = &negotiation.CandidateBuffer{}
			o.early[msg.From] = buf
		}
		buf.Add(candidate)
		o.mx.Unlock()
		return
	}
	engine, peer := o.engine, o.peer
	o.mx.Unlock()
	if peer != msg.From {
		return
	}
	if err := engine.HandleCandidate(ctx, candidate); err != nil {
		o.logger.Debug().Err(err).Msg("candidate rejected")
	}
}

func (o *Orchestrator) onCallEnded(_ context.Context, msg model.Message) {
	if engine := o.activeFor(msg.From); engine != nil {
		o.teardown(engine, nil)
	}
}

func (o *Orchestrator) onMediaState(_ context.Context, msg model.Message, p model.MediaStatePayload) {
	if o.cb.OnRemoteMediaState != nil {
		o.cb.OnRemoteMediaState(msg.From, p)
	}
}

func (o *Orchestrator) onChat(_ context.Context, msg model.Message, p model.ChatPayload) {
	if o.cb.OnChat != nil {
		o.cb.OnChat(msg.From, p.Message)
	}
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if model.IsNull(raw) {
		return sd, errors.New("missing session description")
	}
	err := json.Unmarshal(raw, &sd)
	return sd, err
}
