package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	outgoingBuffer = 64
)

var (
	ErrClosed       = errors.New("signaling client closed")
	ErrNotConnected = errors.New("signaling client is not connected")
)

type (
	// HandlerFunc processes one inbound event. Handlers run on the read
	// goroutine, so events are handled one at a time in arrival order.
	HandlerFunc func(ctx context.Context, msg model.Message)

	Config struct {
		URL    string
		Header http.Header
		Logger *zerolog.Logger
	}

	// Client is a websocket connection to the signaling relay.
	Client struct {
		url    string
		header http.Header
		logger zerolog.Logger

		conn     *websocket.Conn
		outgoing chan model.Message
		done     chan struct{}
		gone     chan struct{}

		closeOnce *sync.Once
		goneOnce  *sync.Once

		mx       *sync.RWMutex
		handlers map[string]HandlerFunc
		fallback HandlerFunc
	}
)

func NewClient(cfg Config) *Client {
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Client{
		url:       cfg.URL,
		header:    cfg.Header,
		logger:    logger.With().Str("component", "signaling-client").Logger(),
		outgoing:  make(chan model.Message, outgoingBuffer),
		done:      make(chan struct{}),
		gone:      make(chan struct{}),
		closeOnce: &sync.Once{},
		goneOnce:  &sync.Once{},
		mx:        &sync.RWMutex{},
		handlers:  make(map[string]HandlerFunc),
	}
}

// On registers the handler for an event, replacing the previous one.
func (c *Client) On(event string, h HandlerFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.handlers[event] = h
}

// OnUnhandled registers a handler for events without a dedicated one.
func (c *Client) OnUnhandled(h HandlerFunc) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.fallback = h
}

// Connect dials the relay and starts the read and write pumps.
// Inbound events are dispatched with ctx.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.url, err)
	}
	c.conn = conn
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump(ctx)
	go c.writePump()

	c.logger.Debug().Str("url", c.url).Msg("connected")
	return nil
}

// Send enqueues an event for the peer to (or the server when empty).
func (c *Client) Send(ctx context.Context, event, to string, payload any) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	msg, err := model.NewMessage(event, to, payload)
	if err != nil {
		return fmt.Errorf("cannot encode %s: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrClosed
	case <-c.gone:
		return ErrClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	case <-c.gone:
		return ErrClosed
	}
}

// Done is closed when the connection to the relay is lost or closed.
func (c *Client) Done() <-chan struct{} {
	return c.gone
}

// Close sends a close frame and releases the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.conn == nil {
			c.markGone()
		}
	})
}

func (c *Client) markGone() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		_ = c.conn.Close()
		c.markGone()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	ctx = c.logger.WithContext(ctx)

RecvLoop:
	for {
		var msg model.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Error().Err(err).Msg("read failed")
				}
			}
			break RecvLoop
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.dispatch(ctx, msg)
	}
	c.logger.Debug().Msg("receiver exited")
}

func (c *Client) dispatch(ctx context.Context, msg model.Message) {
	c.mx.RLock()
	h, ok := c.handlers[msg.Event]
	if !ok {
		h = c.fallback
	}
	c.mx.RUnlock()

	if h == nil {
		c.logger.Debug().Str("event", msg.Event).Msg("no handler for event")
		return
	}
	h(ctx, msg)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

SendLoop:
	for {
		select {
		case msg := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Error().Err(err).Str("event", msg.Event).Msg("write failed")
				break SendLoop
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				break SendLoop
			}

		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			break SendLoop

		case <-c.gone:
			break SendLoop
		}
	}
	c.logger.Debug().Msg("sender exited")
}
