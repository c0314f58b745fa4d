package signaling

import (
	"encoding/json"
	"testing"
)

func TestNewMessageCarriesPayload(t *testing.T) {
	msg, err := NewMessage(MessageTypeJoinRoom, JoinRoomPayload{
		RoomID:        "room1",
		ParticipantID: "alice",
	})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if msg.Type != MessageTypeJoinRoom {
		t.Errorf("type = %s, want join-room", msg.Type)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp should be stamped")
	}

	var decoded JoinRoomPayload
	if err := DecodePayload(msg.Data, &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.RoomID != "room1" || decoded.ParticipantID != "alice" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestDecodePayloadToleratesDoubleEncoding(t *testing.T) {
	inner, _ := json.Marshal(SignalPayload{Type: SignalTypeOffer, SenderID: "alice"})
	outer, _ := json.Marshal(string(inner))

	var decoded SignalPayload
	if err := DecodePayload(json.RawMessage(outer), &decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded.SenderID != "alice" {
		t.Errorf("senderID = %q, want alice", decoded.SenderID)
	}
}

func TestDecodePayloadRejectsGarbage(t *testing.T) {
	var decoded SignalPayload
	if err := DecodePayload(json.RawMessage(`{{not json`), &decoded); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}
