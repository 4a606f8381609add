package _switch

import (
	"context"
	"sync"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

type Config struct {
	Logger     *zerolog.Logger
	FwdTimeout time.Duration
}

// Switch keeps outbound wires of connected endpoints and delivers messages
// to them. It knows nothing about rooms, callers pass the destination set.
type Switch struct {
	logger  zerolog.Logger
	mx      *sync.RWMutex
	fwd     map[string]model.Wire
	timeout time.Duration
}

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.FwdTimeout
	if timeout <= 0 {
		timeout = defaultFwdTimout
	}
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		mx:      &sync.RWMutex{},
		fwd:     make(map[string]model.Wire),
		timeout: timeout,
	}
}

func (sw *Switch) Connect(endpoint string, wire model.Wire) {
	sw.mx.Lock()
	sw.fwd[endpoint] = wire
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint connected")
}

func (sw *Switch) Disconnect(endpoint string) {
	sw.mx.Lock()
	delete(sw.fwd, endpoint)
	sw.mx.Unlock()

	sw.logger.Debug().
		Str("endpoint", endpoint).
		Msg("endpoint disconnected")
}

func (sw *Switch) Connected(endpoint string) bool {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	_, ok := sw.fwd[endpoint]
	return ok
}

// Send delivers msg to msg.To.
func (sw *Switch) Send(ctx context.Context, msg model.Message) bool {
	sw.mx.RLock()
	wire, ok := sw.fwd[msg.To]
	sw.mx.RUnlock()

	if !ok {
		sw.logger.Debug().
			Str("event", msg.Event).
			Str("src", msg.From).
			Str("dst", msg.To).
			Msg("cannot forward, dst not found")
		return false
	}
	sent, _ := send(ctx, msg, wire.TX, sw.timeout, &sw.logger)
	return sent
}

// Broadcast delivers msg to every destination except the one equal to skip.
// It reports how many destinations accepted the message.
func (sw *Switch) Broadcast(ctx context.Context, msg model.Message, dsts []string, skip string) int {
	var (
		sent   int
		logger = sw.logger.With().
			Str("event", msg.Event).
			Str("src", msg.From).Logger()
	)

	sw.mx.RLock()
	wires := make(map[string]model.Wire, len(dsts))
	for _, dst := range dsts {
		if dst == skip {
			continue
		}
		if wire, ok := sw.fwd[dst]; ok {
			wires[dst] = wire
		}
	}
	sw.mx.RUnlock()

	for dst, wire := range wires {
		out := msg
		out.To = dst
		annSent, canceled := send(ctx, out, wire.TX, sw.timeout, &logger)
		if canceled {
			break
		}
		if annSent {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("broadcast did not reach anyone")
	}
	return sent
}

func send(
	ctx context.Context,
	msg model.Message,
	tx chan<- model.Message,
	timeout time.Duration,
	logger *zerolog.Logger,
) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("dst", msg.To).Msg("dead endpoint")
	case tx <- msg:
		logger.Debug().Str("dst", msg.To).Msg("message is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
