package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/voxmesh/voxmesh/internals/config"
	appmetrics "github.com/voxmesh/voxmesh/internals/metrics"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"github.com/voxmesh/voxmesh/internals/utils"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

// Relay is the room registry and message router. It owns no media: it admits
// participants, forwards directed signaling, and fans out room broadcasts.
type Relay struct {
	config *config.Config
	logger *zap.Logger

	rooms   map[string]*Room
	roomsMu sync.RWMutex

	hub        *signaling.Hub
	pubsub     *signaling.PubSubManager // cross-instance fan-out, optional
	httpServer *http.Server

	rateLimiters   map[string]*rate.Limiter
	rateLimitersMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRelay(cfg *config.Config) (*Relay, error) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		config:       cfg,
		logger:       logger,
		rooms:        make(map[string]*Room),
		hub:          signaling.NewHub(cfg.Signaling.WSHubPingInterval, logger),
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}

	// Redis is optional. Without it the relay runs standalone; with it, room
	// traffic and membership are mirrored to other instances.
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		})
		pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
		err := client.Ping(pingCtx).Err()
		pingCancel()
		if err != nil {
			logger.Warn("Redis unavailable, running single-instance", zap.Error(err))
			client.Close()
		} else {
			r.attachBus(signaling.NewRedisBus(client))
		}
	}

	return r, nil
}

// NewRelayWithBus builds a relay on an explicit cross-instance bus instead of
// the configured Redis connection.
func NewRelayWithBus(cfg *config.Config, bus signaling.Bus) (*Relay, error) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	r := &Relay{
		config:       cfg,
		logger:       logger,
		rooms:        make(map[string]*Room),
		hub:          signaling.NewHub(cfg.Signaling.WSHubPingInterval, logger),
		rateLimiters: make(map[string]*rate.Limiter),
		ctx:          ctx,
		cancel:       cancel,
	}
	r.attachBus(bus)
	return r, nil
}

func (s *Relay) attachBus(bus signaling.Bus) {
	s.pubsub = signaling.NewPubSubManager(bus, s.hub, s.logger)
	s.pubsub.OnRemoteJoin = s.handleRemoteJoin
	s.pubsub.OnRemoteLeave = s.handleRemoteLeave
}

func (s *Relay) Start() error {
	s.logger.Info("Starting relay server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
	)

	go s.hub.Run()
	go s.roomCleanupLoop()

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		if s.config.Metrics.Port != 0 && s.config.Metrics.Port != s.config.Server.Port {
			go s.serveMetrics()
		} else {
			mux.Handle(s.config.Metrics.Path, promhttp.Handler())
		}
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Relay server started successfully")
	return s.httpServer.ListenAndServe()
}

func (s *Relay) Stop() {
	s.logger.Info("Stopping relay server")
	s.roomsMu.Lock()
	s.rooms = make(map[string]*Room)
	s.roomsMu.Unlock()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
	s.cancel()
}

// serveMetrics runs the Prometheus endpoint on its own listener so scrapes
// stay off the signaling port.
func (s *Relay) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle(s.config.Metrics.Path, promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Metrics.Port),
		Handler: mux,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("Metrics server started", zap.Int("port", s.config.Metrics.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("Metrics server failed", zap.Error(err))
	}
}

// Handler exposes the relay's mux for tests that mount it on httptest.
func (s *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// RunHub starts only the hub loop, for tests that don't call Start.
func (s *Relay) RunHub() {
	go s.hub.Run()
}

func (s *Relay) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// allowOrigin matches a request origin against the configured allow list.
func (s *Relay) allowOrigin(origin string) string {
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if allowed == origin {
			return origin
		}
	}
	return ""
}

func (s *Relay) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	opts := signaling.ClientOptions{
		ReadLimit:    s.config.Signaling.WSReadLimit,
		PongTimeout:  s.config.Signaling.WSPongTimeout,
		WriteTimeout: s.config.Signaling.WSWriteTimeout,
		PingInterval: s.config.Signaling.WSPingInterval,
		QueueSize:    s.config.Signaling.SendQueueSize,
	}
	if _, err := signaling.Accept(s.hub, w, r, opts, s.handleMessage, s.handleDisconnect); err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
	}
}

func (s *Relay) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status": "ok",
		"rooms":  s.roomCount(),
	}
	if s.pubsub != nil {
		if err := s.pubsub.Ping(); err != nil {
			status["redis"] = "down"
		} else {
			status["redis"] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (s *Relay) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.roomsMu.RLock()
	list := make([]map[string]interface{}, 0, len(s.rooms))
	for _, rm := range s.rooms {
		list = append(list, map[string]interface{}{
			"id":           rm.ID,
			"participants": rm.Size(),
			"createdAt":    rm.CreatedAt,
		})
	}
	s.roomsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"rooms": list})
}

// roomCleanupLoop sweeps rooms that went empty without a clean leave (for
// example when the last client's connection died mid-teardown).
func (s *Relay) roomCleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupEmptyRooms()
		}
	}
}

func (s *Relay) cleanupEmptyRooms() {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	for id, rm := range s.rooms {
		if rm.IsEmpty() {
			delete(s.rooms, id)
			if s.pubsub != nil {
				s.pubsub.UnsubscribeFromRoom(id)
			}
			s.logger.Debug("Cleaned up empty room", zap.String("roomID", id))
		}
	}
	s.updateMetricsLocked()
}

func (s *Relay) getClientRateLimiter(clientID string) *rate.Limiter {
	s.rateLimitersMu.Lock()
	defer s.rateLimitersMu.Unlock()
	if limiter, ok := s.rateLimiters[clientID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(s.config.Signaling.RateLimitPerSec), s.config.Signaling.RateLimitBurst)
	s.rateLimiters[clientID] = limiter
	return limiter
}

func (s *Relay) removeClientRateLimiter(clientID string) {
	s.rateLimitersMu.Lock()
	delete(s.rateLimiters, clientID)
	s.rateLimitersMu.Unlock()
}

// --- Message routing ---

func (s *Relay) handleMessage(client *signaling.Client, message signaling.Message) {
	appmetrics.RecordMessageReceived(string(message.Type))

	limiter := s.getClientRateLimiter(client.ID)
	if !limiter.Allow() {
		appmetrics.RateLimited.Inc()
		client.SendError(429, "Rate limit exceeded")
		return
	}

	switch message.Type {
	case signaling.MessageTypeJoinRoom:
		s.handleJoin(client, message)
	case signaling.MessageTypeLeaveRoom:
		s.handleLeave(client)
	case signaling.MessageTypeSignal:
		s.handleSignal(client, message)
	case signaling.MessageTypeChatMessage,
		signaling.MessageTypeEmojiReaction,
		signaling.MessageTypeMediaState,
		signaling.MessageTypeSpeakingStatus:
		s.handleBroadcast(client, message)
	case signaling.MessageTypePong:
		// no-op
	default:
		s.logger.Debug("Unknown message type", zap.String("type", string(message.Type)))
	}
}

func (s *Relay) validateID(id string, maxLen int, fieldName string) error {
	if id == "" {
		return fmt.Errorf("%s is required", fieldName)
	}
	if len(id) > maxLen {
		return fmt.Errorf("%s exceeds maximum length of %d", fieldName, maxLen)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%s contains invalid characters", fieldName)
	}
	return nil
}

func (s *Relay) handleJoin(client *signaling.Client, message signaling.Message) {
	var joinMsg signaling.JoinRoomPayload
	if err := signaling.DecodePayload(message.Data, &joinMsg); err != nil {
		client.SendError(400, "Invalid join message format")
		return
	}

	if err := s.validateID(joinMsg.RoomID, s.config.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		client.SendError(400, err.Error())
		return
	}
	if err := s.validateID(joinMsg.ParticipantID, s.config.Signaling.MaxParticipantIDLength, "participantId"); err != nil {
		client.SendError(400, err.Error())
		return
	}

	rm := s.getOrCreateRoom(joinMsg.RoomID)
	if rm == nil {
		appmetrics.RecordJoinRejected("server_full")
		client.SendError(503, "Room limit reached")
		return
	}

	// Subscribing first seeds members already in the room on other
	// instances, so capacity and the host decision below see the whole room.
	if s.pubsub != nil {
		s.pubsub.SubscribeToRoom(joinMsg.RoomID)
	}

	// Evict stale connections for the same participant (rejoin after refresh
	// or reconnect) before admitting the new one.
	s.hub.DisconnectClientsByParticipant(joinMsg.ParticipantID, client.ID)

	participant := &Participant{
		ID:          joinMsg.ParticipantID,
		DisplayName: joinMsg.DisplayName,
		ClientID:    client.ID,
	}

	err := rm.Add(participant, func(existing []*Participant) {
		joined, merr := signaling.NewMessage(signaling.MessageTypeUserJoined, signaling.UserJoinedPayload{
			ParticipantID: participant.ID,
			DisplayName:   participant.DisplayName,
			Host:          participant.Host,
		})
		if merr != nil {
			return
		}
		joined.From = participant.ID
		s.deliverToParticipants(existing, joined)
	})
	if err != nil {
		appmetrics.RecordJoinRejected("room_full")
		client.SendError(403, "Room is full")
		return
	}

	client.SetIdentity(joinMsg.ParticipantID, joinMsg.RoomID, joinMsg.DisplayName)

	if s.pubsub != nil {
		// Read the admitted entry back so a rejoin publishes the original
		// join time and host flag, not the zero values of the new struct.
		if info, ok := rm.MemberInfo(joinMsg.ParticipantID); ok {
			s.pubsub.PublishJoin(joinMsg.RoomID, info)
		}
	}

	state, err := signaling.NewMessage(signaling.MessageTypeRoomState, signaling.RoomStatePayload{
		RoomID:       rm.ID,
		Participants: rm.Snapshot(),
	})
	if err != nil {
		client.SendError(500, "Internal server error")
		return
	}
	state.To = joinMsg.ParticipantID
	client.SendMessage(state)
	appmetrics.MessagesSent.Inc()

	s.updateMetrics()

	s.logger.Info("Participant joined",
		zap.String("room", joinMsg.RoomID),
		zap.String("participant", joinMsg.ParticipantID),
		zap.String("displayName", joinMsg.DisplayName),
	)
}

func (s *Relay) handleLeave(client *signaling.Client) {
	s.removeFromRoom(client)
}

func (s *Relay) handleDisconnect(client *signaling.Client) {
	s.removeFromRoom(client)
	s.removeClientRateLimiter(client.ID)
	s.hub.UnregisterClient(client)
}

func (s *Relay) removeFromRoom(client *signaling.Client) {
	roomID := client.GetRoomID()
	participantID := client.GetParticipantID()
	if roomID == "" || participantID == "" {
		return
	}

	s.roomsMu.RLock()
	rm, exists := s.rooms[roomID]
	s.roomsMu.RUnlock()
	if !exists {
		return
	}

	// Only the connection currently registered for this participant may
	// remove it; a stale connection from before a rejoin must not.
	if clientID, ok := rm.ClientIDOf(participantID); ok && clientID != client.ID {
		client.ClearRoom()
		return
	}

	migratedHostID := ""
	empty, removed := rm.Remove(participantID, func(remaining []*Participant, newHostID string) {
		migratedHostID = newHostID
		left, merr := signaling.NewMessage(signaling.MessageTypeUserLeft, signaling.UserLeftPayload{
			ParticipantID: participantID,
			NewHostID:     newHostID,
		})
		if merr != nil {
			return
		}
		left.From = participantID
		s.deliverToParticipants(remaining, left)
	})

	if removed && s.pubsub != nil {
		s.pubsub.PublishLeave(roomID, participantID, migratedHostID)
	}

	if empty {
		s.roomsMu.Lock()
		delete(s.rooms, roomID)
		s.roomsMu.Unlock()
		if s.pubsub != nil {
			s.pubsub.UnsubscribeFromRoom(roomID)
		}
		s.logger.Info("Room destroyed", zap.String("roomID", roomID))
	}

	client.ClearRoom()
	s.updateMetrics()
}

// handleSignal forwards a directed SDP/ICE message to its target only. A
// signal to a participant that already left is dropped, never queued.
func (s *Relay) handleSignal(client *signaling.Client, message signaling.Message) {
	var payload signaling.SignalPayload
	if err := signaling.DecodePayload(message.Data, &payload); err != nil {
		client.SendError(400, "Invalid signal format")
		return
	}

	participantID := client.GetParticipantID()
	roomID := client.GetRoomID()
	if roomID == "" {
		client.SendError(400, "Not in a room")
		return
	}
	if payload.SenderID != participantID {
		client.SendError(400, "Sender mismatch")
		return
	}

	s.roomsMu.RLock()
	rm, exists := s.rooms[roomID]
	s.roomsMu.RUnlock()
	if !exists {
		client.SendError(404, "Room not found")
		return
	}

	message.From = participantID
	message.To = payload.TargetID

	clientID, ok := rm.ClientIDOf(payload.TargetID)
	if !ok {
		// A target mirrored from another instance is reachable over the bus;
		// one absent from the whole room already left and the signal drops.
		if s.pubsub != nil && rm.HasRemote(payload.TargetID) {
			s.pubsub.PublishToRoom(roomID, message)
			return
		}
		appmetrics.SignalsDropped.Inc()
		s.logger.Debug("Dropping signal to departed participant",
			zap.String("roomID", roomID),
			zap.String("from", participantID),
			zap.String("target", payload.TargetID),
			zap.String("signalType", string(payload.Type)),
		)
		return
	}

	target, ok := s.hub.GetClient(clientID)
	if !ok {
		appmetrics.SignalsDropped.Inc()
		return
	}
	target.SendMessage(message)
	appmetrics.MessagesSent.Inc()
}

// handleBroadcast fans chat, reactions, and state patches out to every room
// member except the sender.
func (s *Relay) handleBroadcast(client *signaling.Client, message signaling.Message) {
	participantID := client.GetParticipantID()
	roomID := client.GetRoomID()
	if roomID == "" || participantID == "" {
		client.SendError(400, "Not in a room")
		return
	}

	s.roomsMu.RLock()
	rm, exists := s.rooms[roomID]
	s.roomsMu.RUnlock()
	if !exists {
		client.SendError(404, "Room not found")
		return
	}

	message.From = participantID
	message.To = ""
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}

	for _, member := range rm.Snapshot() {
		if member.ID == participantID {
			continue
		}
		if clientID, ok := rm.ClientIDOf(member.ID); ok {
			if target, found := s.hub.GetClient(clientID); found {
				target.SendMessage(message)
				appmetrics.MessagesSent.Inc()
			}
		}
	}

	if s.pubsub != nil {
		s.pubsub.PublishToRoom(roomID, message)
	}
}

// handleRemoteJoin mirrors a member that joined the room on another
// instance and tells local clients about it.
func (s *Relay) handleRemoteJoin(roomID string, member signaling.ParticipantInfo) {
	rm, ok := s.GetRoom(roomID)
	if !ok {
		return
	}

	added := rm.AddRemote(&Participant{
		ID:          member.ID,
		DisplayName: member.DisplayName,
		JoinedAt:    member.JoinedAt,
		Host:        member.Host,
	})
	if !added {
		return
	}

	joined, err := signaling.NewMessage(signaling.MessageTypeUserJoined, signaling.UserJoinedPayload{
		ParticipantID: member.ID,
		DisplayName:   member.DisplayName,
		Host:          member.Host,
	})
	if err != nil {
		return
	}
	joined.From = member.ID
	s.deliverToParticipants(rm.Locals(), joined)
	s.updateMetrics()
}

// handleRemoteLeave drops a mirrored member after it left on another
// instance, applying any host migration that leave caused.
func (s *Relay) handleRemoteLeave(roomID, participantID, newHostID string) {
	rm, ok := s.GetRoom(roomID)
	if !ok {
		return
	}
	if !rm.RemoveRemote(participantID) {
		return
	}
	if newHostID != "" {
		rm.SetHost(newHostID)
	}

	left, err := signaling.NewMessage(signaling.MessageTypeUserLeft, signaling.UserLeftPayload{
		ParticipantID: participantID,
		NewHostID:     newHostID,
	})
	if err != nil {
		return
	}
	left.From = participantID
	s.deliverToParticipants(rm.Locals(), left)
	s.updateMetrics()
}

func (s *Relay) getOrCreateRoom(roomID string) *Room {
	s.roomsMu.Lock()
	defer s.roomsMu.Unlock()

	if rm, ok := s.rooms[roomID]; ok {
		return rm
	}
	if s.config.Server.MaxRooms > 0 && len(s.rooms) >= s.config.Server.MaxRooms {
		return nil
	}
	rm := NewRoom(roomID, s.config.Server.MaxParticipantsPerRoom, s.logger)
	s.rooms[roomID] = rm
	s.logger.Info("Room created", zap.String("roomID", roomID))
	return rm
}

// GetRoom returns the live room for a room ID, mostly for tests and the API.
func (s *Relay) GetRoom(roomID string) (*Room, bool) {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	rm, ok := s.rooms[roomID]
	return rm, ok
}

func (s *Relay) roomCount() int {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	return len(s.rooms)
}

func (s *Relay) deliverToParticipants(participants []*Participant, message signaling.Message) {
	for _, p := range participants {
		if target, ok := s.hub.GetClient(p.ClientID); ok {
			target.SendMessage(message)
			appmetrics.MessagesSent.Inc()
		}
	}
}

func (s *Relay) updateMetrics() {
	s.roomsMu.RLock()
	defer s.roomsMu.RUnlock()
	s.updateMetricsLocked()
}

func (s *Relay) updateMetricsLocked() {
	total := 0
	for _, rm := range s.rooms {
		total += rm.Size()
	}
	appmetrics.ActiveRooms.Set(float64(len(s.rooms)))
	appmetrics.ActiveParticipants.Set(float64(total))
}
