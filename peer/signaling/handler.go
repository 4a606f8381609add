package signaling

import (
	"context"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/rs/zerolog"
)

// Router registers event handlers, implemented by *Client.
type Router interface {
	On(event string, h HandlerFunc)
}

// Handle registers a handler that receives the decoded event payload.
// Events with malformed payloads are logged with the logger carried by ctx
// and dropped.
func Handle[T any](r Router, event string, h func(ctx context.Context, msg model.Message, payload T)) {
	r.On(event, func(ctx context.Context, msg model.Message) {
		var payload T
		if err := msg.Decode(&payload); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("event", event).Str("from", msg.From).Msg("malformed payload")
			return
		}
		h(ctx, msg, payload)
	})
}
