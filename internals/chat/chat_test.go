package chat

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

func newTestChannel(t *testing.T) (*Channel, *[]signaling.Message, *time.Time) {
	t.Helper()

	sent := &[]signaling.Message{}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	ch := NewChannel("me", 4*time.Second, func(msg signaling.Message) error {
		*sent = append(*sent, msg)
		return nil
	}, zap.NewNop())
	ch.now = func() time.Time { return *clock }

	return ch, sent, clock
}

func TestSendStampsIDAndTimestamp(t *testing.T) {
	ch, sent, clock := newTestChannel(t)

	payload, err := ch.Send("  hello room  ")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if payload.ID == "" {
		t.Error("message ID should be assigned by the sender")
	}
	if payload.SenderID != "me" {
		t.Errorf("senderID = %q, want me", payload.SenderID)
	}
	if payload.Content != "hello room" {
		t.Errorf("content = %q, want trimmed text", payload.Content)
	}
	if !payload.Timestamp.Equal(*clock) {
		t.Error("timestamp should come from the sender clock")
	}
	if len(*sent) != 1 || (*sent)[0].Type != signaling.MessageTypeChatMessage {
		t.Fatalf("sent = %v, want one chat-message", *sent)
	}
}

func TestSendRejectsEmptyAndOversized(t *testing.T) {
	ch, sent, _ := newTestChannel(t)

	if _, err := ch.Send("   "); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("empty send: got %v, want ErrEmptyMessage", err)
	}
	if _, err := ch.Send(strings.Repeat("x", MaxContentLength+1)); !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("oversized send: got %v, want ErrMessageTooLong", err)
	}
	if len(*sent) != 0 {
		t.Errorf("nothing should reach the relay, sent = %d", len(*sent))
	}
}

func TestHandleMessageSkipsLocalEcho(t *testing.T) {
	ch, _, _ := newTestChannel(t)

	received := 0
	ch.OnMessage = func(signaling.ChatMessagePayload) { received++ }

	ch.HandleMessage(signaling.ChatMessagePayload{ID: "1", SenderID: "me", Content: "hi"})
	ch.HandleMessage(signaling.ChatMessagePayload{ID: "2", SenderID: "alice", Content: "hi"})

	if received != 1 {
		t.Errorf("received = %d, want 1 (own broadcast must be skipped)", received)
	}
}

func TestReactionExpiresAfterTTL(t *testing.T) {
	ch, _, clock := newTestChannel(t)

	if _, err := ch.SendReaction("🎉"); err != nil {
		t.Fatalf("SendReaction failed: %v", err)
	}
	if got := len(ch.ActiveReactions()); got != 1 {
		t.Fatalf("active = %d, want 1", got)
	}

	*clock = clock.Add(3 * time.Second)
	if got := len(ch.ActiveReactions()); got != 1 {
		t.Errorf("active before TTL = %d, want 1", got)
	}

	*clock = clock.Add(2 * time.Second)
	if got := len(ch.ActiveReactions()); got != 0 {
		t.Errorf("active after TTL = %d, want 0", got)
	}
}

func TestRemoteReactionRegistered(t *testing.T) {
	ch, _, _ := newTestChannel(t)

	notified := 0
	ch.OnReaction = func(signaling.EmojiReactionPayload) { notified++ }

	ch.HandleReaction(signaling.EmojiReactionPayload{ID: "r1", SenderID: "alice", Emoji: "👍"})

	if notified != 1 {
		t.Errorf("notified = %d, want 1", notified)
	}
	active := ch.ActiveReactions()
	if len(active) != 1 || active[0].SenderID != "alice" {
		t.Errorf("active = %+v, want alice's reaction", active)
	}
}

func TestSendReactionRejectsEmpty(t *testing.T) {
	ch, _, _ := newTestChannel(t)
	if _, err := ch.SendReaction(""); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("got %v, want ErrEmptyMessage", err)
	}
}

func TestSendPropagatesTransportError(t *testing.T) {
	wantErr := errors.New("relay gone")
	ch := NewChannel("me", time.Second, func(signaling.Message) error {
		return wantErr
	}, zap.NewNop())

	if _, err := ch.Send("hello"); !errors.Is(err, wantErr) {
		t.Errorf("got %v, want transport error", err)
	}
}
