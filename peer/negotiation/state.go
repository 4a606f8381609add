package negotiation

// Phase is the engine's view of the offer/answer cycle.
type Phase int

const (
	PhaseStable Phase = iota
	PhaseHaveLocalOffer
	PhaseHaveRemoteOffer
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseStable:
		return "stable"
	case PhaseHaveLocalOffer:
		return "have-local-offer"
	case PhaseHaveRemoteOffer:
		return "have-remote-offer"
	case PhaseClosed:
		return "closed"
	}
	return "unknown"
}

// Role decides who yields on glare. Both sides must agree on it
// without negotiating: the caller is impolite, the callee is polite.
type Role int

const (
	RoleImpolite Role = iota
	RolePolite
)

func (r Role) String() string {
	if r == RolePolite {
		return "polite"
	}
	return "impolite"
}

// OfferKind tells the signaling layer which wire event carries an offer.
type OfferKind int

const (
	// OfferInitial opens a call or replaces a rebuilt connection.
	OfferInitial OfferKind = iota
	// OfferRenegotiate updates an established call.
	OfferRenegotiate
)

func (k OfferKind) String() string {
	if k == OfferInitial {
		return "initial"
	}
	return "renegotiate"
}

// State is a snapshot of the negotiation state.
type State struct {
	Phase             Phase
	Role              Role
	MakingOffer       bool
	PendingCandidates int
}
