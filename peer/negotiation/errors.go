package negotiation

import (
	"errors"
	"fmt"
)

var (
	ErrEngineClosed     = errors.New("negotiation engine is closed")
	ErrDescriptionApply = errors.New("failed to apply remote description")
	ErrConnectivityLost = errors.New("connectivity was not restored")
	ErrTransportClosed  = errors.New("transport is closed")
	ErrNoFactory        = errors.New("peer connection factory is not set")
	ErrNoSignaler       = errors.New("signaler is not set")
	ErrUnknownTrack     = errors.New("track is not attached")
)

// OpError describes a failed negotiation step.
type OpError struct {
	Op    string
	Phase Phase
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Phase, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

func opError(op string, phase Phase, err error) *OpError {
	return &OpError{Op: op, Phase: phase, Err: err}
}
