package chat

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/voxmesh/voxmesh/internals/metrics"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

// MaxContentLength caps a single chat message.
const MaxContentLength = 2000

var (
	ErrEmptyMessage   = errors.New("empty chat message")
	ErrMessageTooLong = errors.New("chat message too long")
)

// ActiveReaction is an emoji overlay currently on screen. Reactions are
// ephemeral twice over: never stored by the relay, and expired locally after
// a fixed TTL.
type ActiveReaction struct {
	ID        string
	SenderID  string
	Emoji     string
	ExpiresAt time.Time
}

// Channel is the in-room text and reaction surface. Everything rides the
// relay's broadcast path; nothing is retained anywhere once delivered, so a
// late joiner starts with an empty transcript.
type Channel struct {
	localID string
	ttl     time.Duration
	now     func() time.Time
	send    func(signaling.Message) error
	logger  *zap.Logger

	mu        sync.Mutex
	reactions []ActiveReaction

	// OnMessage and OnReaction fire for remote traffic, never for local sends.
	OnMessage  func(signaling.ChatMessagePayload)
	OnReaction func(signaling.EmojiReactionPayload)
}

func NewChannel(localID string, ttl time.Duration, send func(signaling.Message) error, logger *zap.Logger) *Channel {
	return &Channel{
		localID: localID,
		ttl:     ttl,
		now:     time.Now,
		send:    send,
		logger:  logger,
	}
}

// Send broadcasts a chat message to the room. The message ID and timestamp
// are assigned here, before the relay sees it.
func (c *Channel) Send(content string) (signaling.ChatMessagePayload, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return signaling.ChatMessagePayload{}, ErrEmptyMessage
	}
	if len(content) > MaxContentLength {
		return signaling.ChatMessagePayload{}, ErrMessageTooLong
	}

	payload := signaling.ChatMessagePayload{
		ID:        uuid.NewString(),
		SenderID:  c.localID,
		Content:   content,
		Timestamp: c.now(),
	}

	msg, err := signaling.NewMessage(signaling.MessageTypeChatMessage, payload)
	if err != nil {
		return signaling.ChatMessagePayload{}, err
	}
	if err := c.send(msg); err != nil {
		return signaling.ChatMessagePayload{}, err
	}

	metrics.ChatMessagesTotal.Inc()
	return payload, nil
}

// SendReaction broadcasts an emoji reaction and registers it locally so the
// sender's own overlay shows it too.
func (c *Channel) SendReaction(emoji string) (signaling.EmojiReactionPayload, error) {
	if emoji == "" {
		return signaling.EmojiReactionPayload{}, ErrEmptyMessage
	}

	payload := signaling.EmojiReactionPayload{
		ID:        uuid.NewString(),
		SenderID:  c.localID,
		Emoji:     emoji,
		Timestamp: c.now(),
	}

	msg, err := signaling.NewMessage(signaling.MessageTypeEmojiReaction, payload)
	if err != nil {
		return signaling.EmojiReactionPayload{}, err
	}
	if err := c.send(msg); err != nil {
		return signaling.EmojiReactionPayload{}, err
	}

	c.register(payload)
	metrics.ReactionsTotal.Inc()
	return payload, nil
}

// HandleMessage processes a remote chat broadcast.
func (c *Channel) HandleMessage(payload signaling.ChatMessagePayload) {
	if payload.SenderID == c.localID {
		return
	}
	if c.OnMessage != nil {
		c.OnMessage(payload)
	}
}

// HandleReaction processes a remote reaction broadcast.
func (c *Channel) HandleReaction(payload signaling.EmojiReactionPayload) {
	if payload.SenderID == c.localID {
		return
	}
	c.register(payload)
	if c.OnReaction != nil {
		c.OnReaction(payload)
	}
}

func (c *Channel) register(payload signaling.EmojiReactionPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	c.reactions = append(c.reactions, ActiveReaction{
		ID:        payload.ID,
		SenderID:  payload.SenderID,
		Emoji:     payload.Emoji,
		ExpiresAt: c.now().Add(c.ttl),
	})
}

// ActiveReactions returns the reactions still inside their TTL, oldest first.
func (c *Channel) ActiveReactions() []ActiveReaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pruneLocked(c.now())
	out := make([]ActiveReaction, len(c.reactions))
	copy(out, c.reactions)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

func (c *Channel) pruneLocked(now time.Time) {
	kept := c.reactions[:0]
	for _, r := range c.reactions {
		if r.ExpiresAt.After(now) {
			kept = append(kept, r)
		}
	}
	c.reactions = kept
}
