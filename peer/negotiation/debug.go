package negotiation

import (
	"github.com/davecgh/go-spew/spew"
	"github.com/pion/webrtc/v4"
)

// Info is a diagnostic snapshot of the engine and its connection.
type Info struct {
	Phase                Phase
	Role                 Role
	MakingOffer          bool
	HeldOffer            bool
	PendingCandidates    int
	Generation           uint64
	ICEConnectionState   webrtc.ICEConnectionState
	ICEGatheringState    webrtc.ICEGatheringState
	ConnectionState      webrtc.PeerConnectionState
	SignalingState       webrtc.SignalingState
	Senders              int
	Receivers            int
	HasLocalDescription  bool
	HasRemoteDescription bool
}

var dumper = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
}

func (e *Engine) Info() Info {
	e.mx.Lock()
	info := Info{
		Phase:             e.phase,
		Role:              e.role,
		MakingOffer:       e.makingOffer,
		HeldOffer:         e.held != nil,
		PendingCandidates: e.buffer.Len(),
		Generation:        e.gen,
	}
	pc, closed := e.pc, e.closed
	e.mx.Unlock()
	if closed {
		return info
	}

	info.ICEConnectionState = pc.ICEConnectionState()
	info.ICEGatheringState = pc.ICEGatheringState()
	info.ConnectionState = pc.ConnectionState()
	info.SignalingState = pc.SignalingState()
	info.Senders = len(pc.GetSenders())
	info.Receivers = len(pc.GetReceivers())
	info.HasLocalDescription = pc.LocalDescription() != nil
	info.HasRemoteDescription = pc.RemoteDescription() != nil
	return info
}

// DebugState renders Info for logs.
func (e *Engine) DebugState() string {
	return dumper.Sdump(e.Info())
}

// Connected reports a fully established, settled connection.
func (e *Engine) Connected() bool {
	info := e.Info()
	ice := info.ICEConnectionState == webrtc.ICEConnectionStateConnected ||
		info.ICEConnectionState == webrtc.ICEConnectionStateCompleted
	return ice &&
		info.ConnectionState == webrtc.PeerConnectionStateConnected &&
		info.SignalingState == webrtc.SignalingStateStable
}
