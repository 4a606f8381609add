package call

import (
	"context"
	"encoding/json"

	"github.com/adwski/webrtc-vidmeet/backend/model"
	"github.com/adwski/webrtc-vidmeet/peer/negotiation"
	"github.com/pion/webrtc/v4"
)

// legSignaler maps engine output of one call leg onto relay events.
type legSignaler struct {
	transport Transport
	to        string
}

func (s *legSignaler) SendOffer(ctx context.Context, kind negotiation.OfferKind, offer webrtc.SessionDescription) error {
	raw, err := json.Marshal(offer)
	if err != nil {
		return err
	}
	if kind == negotiation.OfferInitial {
		return s.transport.Send(ctx, model.EventUserCall, s.to, model.CallPayload{Offer: raw})
	}
	return s.transport.Send(ctx, model.EventNegoNeeded, s.to, model.NegotiationPayload{Offer: raw})
}

func (s *legSignaler) SendAnswer(ctx context.Context, kind negotiation.OfferKind, answer webrtc.SessionDescription) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return err
	}
	event := model.EventNegoDone
	if kind == negotiation.OfferInitial {
		event = model.EventCallAccepted
	}
	return s.transport.Send(ctx, event, s.to, model.AnswerPayload{Ans: raw})
}

func (s *legSignaler) SendCandidate(ctx context.Context, candidate *webrtc.ICECandidateInit) error {
	var raw json.RawMessage
	if candidate != nil {
		var err error
		if raw, err = json.Marshal(candidate); err != nil {
			return err
		}
	}
	return s.transport.Send(ctx, model.EventICECandidate, s.to, model.CandidatePayload{Candidate: raw})
}
