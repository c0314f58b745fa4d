package signaling

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	roomChannelPrefix = "voxmesh:room:"
	memberKeySuffix   = ":members"
)

// Bus is the transport between relay instances: pub/sub fan-out for room
// traffic plus a shared membership registry so an instance joining a room
// late can see who is already in it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe registers a handler for a channel and returns an
	// unsubscribe func. The handler runs on the bus's delivery goroutine.
	Subscribe(channel string, handler func(payload []byte)) (func(), error)

	SetMember(ctx context.Context, roomID, participantID string, data []byte) error
	DeleteMember(ctx context.Context, roomID, participantID string) error
	Members(ctx context.Context, roomID string) (map[string][]byte, error)

	Ping(ctx context.Context) error
	Close() error
}

// RedisBus implements Bus on Redis pub/sub plus one hash per room for the
// membership registry.
type RedisBus struct {
	client *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRedisBus(client *redis.Client) *RedisBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{client: client, ctx: ctx, cancel: cancel}
}

func memberKey(roomID string) string {
	return roomChannelPrefix + roomID + memberKeySuffix
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

func (b *RedisBus) Subscribe(channel string, handler func(payload []byte)) (func(), error) {
	sub := b.client.Subscribe(b.ctx, channel)
	if _, err := sub.Receive(b.ctx); err != nil {
		sub.Close()
		return nil, err
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-b.ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return func() { sub.Close() }, nil
}

func (b *RedisBus) SetMember(ctx context.Context, roomID, participantID string, data []byte) error {
	return b.client.HSet(ctx, memberKey(roomID), participantID, data).Err()
}

func (b *RedisBus) DeleteMember(ctx context.Context, roomID, participantID string) error {
	return b.client.HDel(ctx, memberKey(roomID), participantID).Err()
}

func (b *RedisBus) Members(ctx context.Context, roomID string) (map[string][]byte, error) {
	raw, err := b.client.HGetAll(ctx, memberKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(raw))
	for id, data := range raw {
		out[id] = []byte(data)
	}
	return out, nil
}

func (b *RedisBus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *RedisBus) Close() error {
	b.cancel()
	return b.client.Close()
}

type envelopeKind string

const (
	envelopeKindMessage envelopeKind = "message"
	envelopeKindJoin    envelopeKind = "join"
	envelopeKindLeave   envelopeKind = "leave"
)

// pubSubEnvelope is what travels on a room channel between instances. A
// "message" envelope carries relay traffic to mirror; "join" and "leave"
// carry membership changes so every instance's roster converges.
type pubSubEnvelope struct {
	InstanceID    string           `json:"instanceId"`
	Kind          envelopeKind     `json:"kind"`
	Message       *Message         `json:"message,omitempty"`
	Member        *ParticipantInfo `json:"member,omitempty"`
	ParticipantID string           `json:"participantId,omitempty"`
	NewHostID     string           `json:"newHostId,omitempty"`
}

// PubSubManager fans room traffic and membership out to other relay
// instances so participants of the same room can land on different relays.
type PubSubManager struct {
	bus        Bus
	hub        *Hub
	instanceID string
	logger     *zap.Logger

	mu   sync.RWMutex
	subs map[string]func() // roomID -> unsubscribe

	// OnRemoteJoin and OnRemoteLeave report membership changes that
	// happened on another instance. Set before the first SubscribeToRoom.
	OnRemoteJoin  func(roomID string, member ParticipantInfo)
	OnRemoteLeave func(roomID, participantID, newHostID string)

	ctx    context.Context
	cancel context.CancelFunc
}

func NewPubSubManager(bus Bus, hub *Hub, logger *zap.Logger) *PubSubManager {
	ctx, cancel := context.WithCancel(context.Background())

	// The instance ID must differ across processes on the same host, so a
	// bare hostname is not enough.
	instanceID := os.Getenv("INSTANCE_ID")
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	pm := &PubSubManager{
		bus:        bus,
		hub:        hub,
		instanceID: instanceID,
		logger:     logger,
		subs:       make(map[string]func()),
		ctx:        ctx,
		cancel:     cancel,
	}

	logger.Info("PubSub manager initialized",
		zap.String("instance_id", instanceID),
	)

	return pm
}

// RoomChannel returns the bus channel name for a room.
func RoomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// PublishToRoom mirrors a relay message to the room's channel so other
// instances can deliver it to their local clients.
func (p *PubSubManager) PublishToRoom(roomID string, msg Message) error {
	return p.publish(roomID, pubSubEnvelope{Kind: envelopeKindMessage, Message: &msg})
}

// PublishJoin records a member in the room's registry and announces the
// join to other instances.
func (p *PubSubManager) PublishJoin(roomID string, member ParticipantInfo) error {
	data, err := json.Marshal(member)
	if err != nil {
		return err
	}
	if err := p.bus.SetMember(p.ctx, roomID, member.ID, data); err != nil {
		p.logger.Warn("Failed to record member in registry",
			zap.String("room_id", roomID),
			zap.String("participant_id", member.ID),
			zap.Error(err),
		)
	}
	return p.publish(roomID, pubSubEnvelope{Kind: envelopeKindJoin, Member: &member})
}

// PublishLeave removes a member from the registry and announces the leave,
// carrying the new host when the departure migrated the role.
func (p *PubSubManager) PublishLeave(roomID, participantID, newHostID string) error {
	if err := p.bus.DeleteMember(p.ctx, roomID, participantID); err != nil {
		p.logger.Warn("Failed to remove member from registry",
			zap.String("room_id", roomID),
			zap.String("participant_id", participantID),
			zap.Error(err),
		)
	}
	return p.publish(roomID, pubSubEnvelope{
		Kind:          envelopeKindLeave,
		ParticipantID: participantID,
		NewHostID:     newHostID,
	})
}

func (p *PubSubManager) publish(roomID string, env pubSubEnvelope) error {
	env.InstanceID = p.instanceID

	data, err := json.Marshal(env)
	if err != nil {
		p.logger.Error("Failed to marshal pub/sub envelope",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return err
	}

	if err := p.bus.Publish(p.ctx, RoomChannel(roomID), data); err != nil {
		p.logger.Error("Failed to publish to bus",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// SubscribeToRoom starts listening to a room's channel and seeds membership
// from the registry. Seeding runs synchronously so the caller sees remote
// members as soon as this returns; members who join during the seed arrive
// again on the channel, which the join path treats as idempotent.
func (p *PubSubManager) SubscribeToRoom(roomID string) {
	p.mu.Lock()
	if _, exists := p.subs[roomID]; exists {
		p.mu.Unlock()
		return
	}

	unsub, err := p.bus.Subscribe(RoomChannel(roomID), func(payload []byte) {
		p.handleEnvelope(roomID, payload)
	})
	if err != nil {
		p.mu.Unlock()
		p.logger.Error("Failed to subscribe to room channel",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}
	p.subs[roomID] = unsub
	p.mu.Unlock()

	p.logger.Info("Subscribed to room channel",
		zap.String("room_id", roomID),
	)

	p.seedMembers(roomID)
}

func (p *PubSubManager) seedMembers(roomID string) {
	members, err := p.bus.Members(p.ctx, roomID)
	if err != nil {
		p.logger.Warn("Failed to read member registry",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	for id, data := range members {
		var info ParticipantInfo
		if err := json.Unmarshal(data, &info); err != nil {
			p.logger.Warn("Skipping malformed registry entry",
				zap.String("room_id", roomID),
				zap.String("participant_id", id),
				zap.Error(err),
			)
			continue
		}
		if p.OnRemoteJoin != nil {
			p.OnRemoteJoin(roomID, info)
		}
	}
}

// UnsubscribeFromRoom stops listening to a room's channel.
func (p *PubSubManager) UnsubscribeFromRoom(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unsub, exists := p.subs[roomID]
	if !exists {
		return
	}
	unsub()
	delete(p.subs, roomID)

	p.logger.Info("Unsubscribed from room channel",
		zap.String("room_id", roomID),
	)
}

func (p *PubSubManager) handleEnvelope(roomID string, payload []byte) {
	var env pubSubEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		p.logger.Warn("Failed to unmarshal pub/sub envelope",
			zap.String("room_id", roomID),
			zap.Error(err),
		)
		return
	}

	// Our own publishes were already handled locally.
	if env.InstanceID == p.instanceID {
		return
	}

	switch env.Kind {
	case envelopeKindMessage:
		if env.Message != nil {
			p.deliverToLocalClients(roomID, *env.Message)
		}
	case envelopeKindJoin:
		if env.Member != nil && p.OnRemoteJoin != nil {
			p.OnRemoteJoin(roomID, *env.Member)
		}
	case envelopeKindLeave:
		if p.OnRemoteLeave != nil {
			p.OnRemoteLeave(roomID, env.ParticipantID, env.NewHostID)
		}
	default:
		p.logger.Debug("Unknown pub/sub envelope kind",
			zap.String("room_id", roomID),
			zap.String("kind", string(env.Kind)),
		)
	}
}

func (p *PubSubManager) deliverToLocalClients(roomID string, msg Message) {
	clients := p.hub.GetClientsByRoom(roomID)

	for _, client := range clients {
		// Directed messages only go to their target; broadcasts skip the sender.
		if msg.To != "" && client.GetParticipantID() != msg.To {
			continue
		}
		if msg.To == "" && client.GetParticipantID() == msg.From {
			continue
		}

		client.SendMessage(msg)
	}
}

// GetInstanceID returns this instance's unique identifier.
func (p *PubSubManager) GetInstanceID() string {
	return p.instanceID
}

// Close shuts down all subscriptions and the underlying bus.
func (p *PubSubManager) Close() error {
	p.cancel()

	p.mu.Lock()
	for roomID, unsub := range p.subs {
		unsub()
		delete(p.subs, roomID)
	}
	p.mu.Unlock()

	p.logger.Info("PubSub manager closed")
	return p.bus.Close()
}

// Ping checks that the bus is reachable.
func (p *PubSubManager) Ping() error {
	ctx, cancel := context.WithTimeout(p.ctx, 3*time.Second)
	defer cancel()
	return p.bus.Ping(ctx)
}
