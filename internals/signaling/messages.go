package signaling

import (
	"encoding/json"
	"fmt"
	"time"
)

type MessageType string

const (
	MessageTypeJoinRoom       MessageType = "join-room"
	MessageTypeLeaveRoom      MessageType = "leave-room"
	MessageTypeRoomState      MessageType = "room-state"
	MessageTypeUserJoined     MessageType = "user-joined"
	MessageTypeUserLeft       MessageType = "user-left"
	MessageTypeSignal         MessageType = "signal"
	MessageTypeChatMessage    MessageType = "chat-message"
	MessageTypeEmojiReaction  MessageType = "emoji-reaction"
	MessageTypeMediaState     MessageType = "media-state"
	MessageTypeSpeakingStatus MessageType = "speaking-status"
	MessageTypeError          MessageType = "error"
	MessageTypePing           MessageType = "ping"
	MessageTypePong           MessageType = "pong"
)

// Message is the envelope for everything that crosses the relay. From and To
// carry participant IDs; To is empty for broadcasts.
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
}

type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
	SignalTypeBye          SignalType = "bye"
)

type JoinRoomPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
}

type LeaveRoomPayload struct {
	RoomID        string `json:"roomId"`
	ParticipantID string `json:"participantId"`
}

type ParticipantInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Host        bool      `json:"host"`
	JoinedAt    time.Time `json:"joinedAt"`
}

type RoomStatePayload struct {
	RoomID       string            `json:"roomId"`
	Participants []ParticipantInfo `json:"participants"`
}

type UserJoinedPayload struct {
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Host          bool   `json:"host"`
}

type UserLeftPayload struct {
	ParticipantID string `json:"participantId"`
	// NewHostID is set when the departing participant was the host.
	NewHostID string `json:"newHostId,omitempty"`
}

// SignalPayload is the directed SDP/ICE envelope. Sequence increases per
// sender/target pair so receivers can assert in-order delivery.
type SignalPayload struct {
	Type      SignalType           `json:"type"`
	SenderID  string               `json:"senderId"`
	TargetID  string               `json:"targetId"`
	SDP       string               `json:"sdp,omitempty"`
	Candidate *ICECandidatePayload `json:"candidate,omitempty"`
	Sequence  uint64               `json:"sequence"`
}

type ICECandidatePayload struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

type ChatMessagePayload struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type EmojiReactionPayload struct {
	ID        string    `json:"id"`
	SenderID  string    `json:"senderId"`
	Emoji     string    `json:"emoji"`
	Timestamp time.Time `json:"timestamp"`
}

type MediaStatePayload struct {
	ParticipantID string `json:"participantId"`
	AudioEnabled  bool   `json:"audioEnabled"`
	VideoEnabled  bool   `json:"videoEnabled"`
	ScreenSharing bool   `json:"screenSharing"`
}

type SpeakingStatusPayload struct {
	ParticipantID string `json:"participantId"`
	Speaking      bool   `json:"speaking"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// NewMessage builds an envelope with a marshaled payload and a fresh timestamp.
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Message{
		Type:      msgType,
		Data:      data,
		Timestamp: time.Now(),
	}, nil
}

// DecodePayload unmarshals the envelope data. It tolerates payloads that were
// double-encoded as a JSON string by older clients.
func DecodePayload[T any](data json.RawMessage, out *T) error {
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}
