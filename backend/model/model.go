package model

import "encoding/json"

type Room struct {
	ID           string                 `json:"room_id"`
	Participants map[string]Participant `json:"participants"`
}

type Participant struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Events sent by clients.
const (
	EventRoomCreate     = "room:create"
	EventRoomJoin       = "room:join"
	EventUserCall       = "user:call"
	EventCallAccepted   = "call:accepted"
	EventNegoNeeded     = "peer:nego:needed"
	EventNegoDone       = "peer:nego:done"
	EventICECandidate   = "ice-candidate"
	EventMessageSent    = "message:sent"
	EventMediaState     = "media:state"
	EventCallEnd        = "call:end"
	EventRoomNotFound   = "room:not_found"
	EventUserJoined     = "user:joined"
	EventIncomingCall   = "incomming:call"
	EventNegoFinal      = "peer:nego:final"
	EventMessageRecv    = "message:received"
	EventCallEnded      = "call:ended"
	EventUserDisconnect = "user:disconnected"
	EventError          = "error"
)

// Message is the envelope of every signaling frame.
// For inbound messages server re-assigns From based on the websocket session.
type Message struct {
	Event string          `json:"event"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewMessage marshals payload into the envelope data.
func NewMessage(event, to string, payload any) (Message, error) {
	msg := Message{Event: event, To: to}
	if payload == nil {
		return msg, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	msg.Data = b
	return msg, nil
}

// Decode unmarshals envelope data into v. Empty data leaves v untouched.
func (m Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

type Wire struct {
	RX chan Message
	TX chan Message
}

func NewWire() Wire {
	return Wire{
		RX: make(chan Message),
		TX: make(chan Message, defaultWireTXBuffer),
	}
}

const defaultWireTXBuffer = 32
