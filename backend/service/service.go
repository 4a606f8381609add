package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrGet          = errors.New("unable to get room")
	ErrCreate       = errors.New("unable to create room")
	ErrUnknownEvent = errors.New("unknown event")
	ErrBadPayload   = errors.New("malformed payload")
	ErrNoRecipient  = errors.New("recipient is not specified")
	ErrNotAMember   = errors.New("user is not a member of any room")
)

type (
	RoomRegistry interface {
		CreateAndJoin(p model.Participant) (*model.Room, error)
		Join(code string, p model.Participant) (*model.Room, error)
		Leave(connID string) (string, bool)
		MembersOf(code string) []string
		RoomOf(connID string) (string, bool)
		NameOf(connID string) string
		Unbind(connID string)
		GetRoom(code string) (*model.Room, error)
	}

	Switch interface {
		Connect(endpoint string, wire model.Wire)
		Disconnect(endpoint string)
		Send(ctx context.Context, msg model.Message) bool
		Broadcast(ctx context.Context, msg model.Message, dsts []string, skip string) int
	}

	// handlerFunc processes one inbound event. msg.From is already
	// set to the sender's connection id.
	handlerFunc func(ctx context.Context, msg model.Message) error

	Service struct {
		registry RoomRegistry
		sw       Switch
		handlers map[string]handlerFunc
		logger   zerolog.Logger
	}

	Config struct {
		Registry RoomRegistry
		Switch   Switch
		Logger   *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	svc := &Service{
		registry: cfg.Registry,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "relay").Logger(),
	}
	svc.handlers = map[string]handlerFunc{
		model.EventRoomCreate:   svc.onCreateRoom,
		model.EventRoomJoin:     svc.onJoinRoom,
		model.EventUserCall:     svc.onCall,
		model.EventCallAccepted: svc.forwardAs(model.EventCallAccepted),
		model.EventNegoNeeded:   svc.forwardAs(model.EventNegoNeeded),
		model.EventNegoDone:     svc.forwardAs(model.EventNegoFinal),
		model.EventICECandidate: svc.forwardAs(model.EventICECandidate),
		model.EventMediaState:   svc.forwardAs(model.EventMediaState),
		model.EventMessageSent:  svc.onChatMessage,
		model.EventCallEnd:      svc.onEndCall,
	}
	return svc
}

// CreateSignalingSession registers the connection's outbound wire and starts
// processing its inbound events in arrival order until ctx is done.
func (svc *Service) CreateSignalingSession(ctx context.Context, connID string, wire model.Wire) error {
	if connID == "" {
		return errors.New("empty connection id")
	}
	svc.sw.Connect(connID, wire)
	go svc.dispatch(ctx, connID, wire.RX)

	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session connected")
	return nil
}

// DeleteSignalingSession drops the connection: its name binding is cleared,
// remaining room members are notified and the membership is released.
func (svc *Service) DeleteSignalingSession(ctx context.Context, connID string) error {
	svc.sw.Disconnect(connID)
	svc.registry.Unbind(connID)

	if code, ok := svc.registry.RoomOf(connID); ok {
		svc.notifyDeparture(ctx, connID, code)
		svc.registry.Leave(connID)
	}

	svc.logger.Debug().
		Str("connID", connID).
		Msg("signaling session deleted")
	return nil
}

// LookupRoom returns a snapshot of an active room.
func (svc *Service) LookupRoom(code string) (*model.Room, error) {
	room, err := svc.registry.GetRoom(code)
	if err != nil {
		return nil, errors.Join(ErrGet, err)
	}
	return room, nil
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Message) {
RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		case msg, ok := <-rx:
			if !ok {
				break RecvLoop
			}
			msg.From = connID
			_ = svc.Handle(ctx, msg)
		}
	}
	svc.logger.Trace().Str("connID", connID).Msg("dispatch loop stopped")
}

// Handle routes a single inbound event. Failures are reported back to the
// sender only.
func (svc *Service) Handle(ctx context.Context, msg model.Message) error {
	logger := svc.logger.With().
		Str("connID", msg.From).
		Str("event", msg.Event).
		Logger()

	handler, ok := svc.handlers[msg.Event]
	if !ok {
		err := fmt.Errorf("%w: %q", ErrUnknownEvent, msg.Event)
		logger.Warn().Err(err).Msg("cannot handle event")
		svc.replyError(ctx, msg.From, err)
		return err
	}
	if err := handler(ctx, msg); err != nil {
		logger.Error().Err(err).Msg("event handling failed")
		svc.replyError(ctx, msg.From, err)
		return err
	}
	logger.Trace().Msg("event handled")
	return nil
}

func (svc *Service) onCreateRoom(ctx context.Context, msg model.Message) error {
	var req model.CreateRoomRequest
	if err := msg.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	var reply model.CreateRoomReply
	prev, hadRoom := svc.registry.RoomOf(msg.From)
	room, err := svc.registry.CreateAndJoin(model.Participant{ID: msg.From, Name: req.Name})
	if err != nil {
		reply.Error = errors.Join(ErrCreate, err).Error()
	} else {
		if hadRoom {
			svc.notifyDeparture(ctx, msg.From, prev)
		}
		reply.Code = room.ID
		svc.logger.Debug().
			Str("connID", msg.From).
			Str("room", room.ID).
			Msg("room created")
	}
	return svc.reply(ctx, msg.From, model.EventRoomCreate, reply)
}

func (svc *Service) onJoinRoom(ctx context.Context, msg model.Message) error {
	var req model.JoinRoomRequest
	if err := msg.Decode(&req); err != nil {
		return errors.Join(ErrBadPayload, err)
	}

	prev, hadRoom := svc.registry.RoomOf(msg.From)
	if _, err := svc.registry.Join(req.Room, model.Participant{ID: msg.From, Name: req.Name}); err != nil {
		return svc.reply(ctx, msg.From, model.EventRoomNotFound, model.ErrorPayload{
			Error: fmt.Sprintf("Room %s doesn't exist. Create it first.", req.Room),
		})
	}
	if hadRoom && prev != req.Room {
		svc.notifyDeparture(ctx, msg.From, prev)
	}

	joined, err := model.NewMessage(model.EventUserJoined, "", model.UserJoined{Name: req.Name, ID: msg.From})
	if err != nil {
		return err
	}
	joined.From = msg.From
	svc.sw.Broadcast(ctx, joined, svc.registry.MembersOf(req.Room), msg.From)

	svc.logger.Debug().
		Str("connID", msg.From).
		Str("room", req.Room).
		Msg("user joined room")

	// Joiner gets its own request back, not user:joined.
	svc.sw.Send(ctx, model.Message{
		Event: model.EventRoomJoin,
		To:    msg.From,
		Data:  msg.Data,
	})
	return nil
}

func (svc *Service) onCall(ctx context.Context, msg model.Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	var p model.CallPayload
	if err := msg.Decode(&p); err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	p.Name = svc.registry.NameOf(msg.From)
	return svc.forward(ctx, msg, model.EventIncomingCall, p)
}

func (svc *Service) onChatMessage(ctx context.Context, msg model.Message) error {
	if msg.To == "" {
		return ErrNoRecipient
	}
	data, err := model.SetChatSender(msg.Data, svc.registry.NameOf(msg.From))
	if err != nil {
		return errors.Join(ErrBadPayload, err)
	}
	svc.deliver(ctx, model.Message{
		Event: model.EventMessageRecv,
		From:  msg.From,
		To:    msg.To,
		Data:  data,
	})
	return nil
}

// forwardAs relays the payload untouched under the given event name.
func (svc *Service) forwardAs(event string) handlerFunc {
	return func(ctx context.Context, msg model.Message) error {
		if msg.To == "" {
			return ErrNoRecipient
		}
		svc.deliver(ctx, model.Message{
			Event: event,
			From:  msg.From,
			To:    msg.To,
			Data:  msg.Data,
		})
		return nil
	}
}

func (svc *Service) forward(ctx context.Context, in model.Message, event string, payload any) error {
	out, err := model.NewMessage(event, in.To, payload)
	if err != nil {
		return err
	}
	out.From = in.From
	svc.deliver(ctx, out)
	return nil
}

func (svc *Service) deliver(ctx context.Context, msg model.Message) {
	if !svc.sw.Send(ctx, msg) {
		svc.logger.Debug().
			Str("connID", msg.From).
			Str("event", msg.Event).
			Str("dst", msg.To).
			Msg("message was not delivered")
	}
}

func (svc *Service) onEndCall(ctx context.Context, msg model.Message) error {
	defer svc.registry.Unbind(msg.From)

	to := msg.To
	if to == "" {
		code, ok := svc.registry.RoomOf(msg.From)
		if !ok {
			return ErrNotAMember
		}
		for _, member := range svc.registry.MembersOf(code) {
			if member != msg.From {
				to = member
				break
			}
		}
		if to == "" {
			return nil
		}
	}
	svc.deliver(ctx, model.Message{
		Event: model.EventCallEnded,
		From:  msg.From,
		To:    to,
	})
	return nil
}

func (svc *Service) notifyDeparture(ctx context.Context, connID, code string) {
	msg, err := model.NewMessage(model.EventUserDisconnect, "", model.UserDisconnected{ID: connID})
	if err != nil {
		svc.logger.Error().Err(err).Msg("cannot build departure notice")
		return
	}
	msg.From = connID
	svc.sw.Broadcast(ctx, msg, svc.registry.MembersOf(code), connID)
}

func (svc *Service) reply(ctx context.Context, to, event string, payload any) error {
	msg, err := model.NewMessage(event, to, payload)
	if err != nil {
		return err
	}
	svc.deliver(ctx, msg)
	return nil
}

func (svc *Service) replyError(ctx context.Context, to string, cause error) {
	if err := svc.reply(ctx, to, model.EventError, model.ErrorPayload{Error: cause.Error()}); err != nil {
		svc.logger.Error().Err(err).Msg("cannot reply with error")
	}
}
