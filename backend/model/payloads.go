package model

import (
	"encoding/json"
	"errors"
)

// Payloads carried in Message.Data. Session descriptions and candidates stay
// raw JSON: the relay never looks inside them.

type CreateRoomRequest struct {
	Name string `json:"name"`
}

type CreateRoomReply struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
}

type JoinRoomRequest struct {
	Name string `json:"name"`
	Room string `json:"room"`
}

type UserJoined struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

type UserDisconnected struct {
	ID string `json:"id"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}

type CallPayload struct {
	Name  string          `json:"name,omitempty"`
	Offer json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	Ans json.RawMessage `json:"ans"`
}

type NegotiationPayload struct {
	Offer json.RawMessage `json:"offer"`
}

// CandidatePayload carries a candidate or JSON null for end-of-gathering.
type CandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

type ChatPayload struct {
	Message ChatMessage `json:"message"`
}

// ChatMessage is what browser clients put into a chat payload. The relay
// does not decode it, see SetChatSender.
type ChatMessage struct {
	ID     int    `json:"id,omitempty"`
	Text   string `json:"text"`
	Sender string `json:"sender,omitempty"`
	Time   string `json:"time,omitempty"`
}

var ErrNoChatMessage = errors.New("payload has no message object")

// SetChatSender overwrites message.sender in a raw chat payload and keeps
// every other field as sent.
func SetChatSender(data json.RawMessage, sender string) (json.RawMessage, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	var message map[string]json.RawMessage
	if err := json.Unmarshal(payload["message"], &message); err != nil || message == nil {
		return nil, errors.Join(ErrNoChatMessage, err)
	}
	name, err := json.Marshal(sender)
	if err != nil {
		return nil, err
	}
	message["sender"] = name
	if payload["message"], err = json.Marshal(message); err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

const (
	MediaKindAudio = "audio"
	MediaKindVideo = "video"
)

type MediaStatePayload struct {
	Type  string `json:"type"`
	State bool   `json:"state"`
}

// IsNull reports whether raw is absent or JSON null.
func IsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
