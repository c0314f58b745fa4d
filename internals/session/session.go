package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/voxmesh/voxmesh/internals/chat"
	"github.com/voxmesh/voxmesh/internals/config"
	"github.com/voxmesh/voxmesh/internals/media"
	"github.com/voxmesh/voxmesh/internals/mesh"
	"github.com/voxmesh/voxmesh/internals/roster"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

// ErrJoinRejected reports a join the relay refused (room full, relay at
// capacity, invalid identifiers).
var ErrJoinRejected = errors.New("join rejected")

type Options struct {
	RelayURL      string
	RoomID        string
	ParticipantID string
	DisplayName   string

	Config *config.Config
	Device media.Device
	Logger *zap.Logger

	JoinTimeout time.Duration
}

// Session is one participant's presence in one room: the relay transport, the
// peer connection mesh, local media, the observed roster, and the chat
// channel, joined at the hip. All inbound relay traffic is dispatched from a
// single goroutine in arrival order.
type Session struct {
	roomID      string
	localID     string
	displayName string

	cfg    *config.Config
	logger *zap.Logger

	transport *signaling.Transport
	rstr      *roster.Roster
	msh       *mesh.Manager
	med       *media.Controller
	cht       *chat.Channel

	joinResult chan joinOutcome
	joining    atomic.Bool
	closed     atomic.Bool

	// Surface callbacks for an embedding UI.
	OnRosterChange func(roster.Event)
	OnChatMessage  func(signaling.ChatMessagePayload)
	OnReaction     func(signaling.EmojiReactionPayload)
	OnRemoteTrack  func(remoteID string, track *webrtc.TrackRemote)
	OnRelayDown    func(error)
}

type joinOutcome struct {
	state signaling.RoomStatePayload
	err   error
}

// Dial connects to the relay, joins the room, seeds the roster from the
// room-state reply, and starts connecting to every existing member. It
// returns once the join handshake completes; mesh connections establish in
// the background.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.RoomID == "" {
		return nil, errors.New("room ID required")
	}
	if opts.Config == nil {
		opts.Config = config.LoadConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ParticipantID == "" {
		opts.ParticipantID = uuid.NewString()
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = 10 * time.Second
	}

	s := &Session{
		roomID:      opts.RoomID,
		localID:     opts.ParticipantID,
		displayName: opts.DisplayName,
		cfg:         opts.Config,
		logger:      opts.Logger,
		joinResult:  make(chan joinOutcome, 1),
	}

	s.rstr = roster.New(s.localID, s.logger)
	s.rstr.OnChange = func(ev roster.Event) {
		if s.OnRosterChange != nil {
			s.OnRosterChange(ev)
		}
	}

	s.med = media.NewController(opts.Config.Media, opts.Device, s.logger)
	s.msh = mesh.NewManager(s.localID, opts.Config.WebRTC, s, s.med, s.logger)
	s.msh.OnFailed = func(remoteID string) {
		s.logger.Warn("Peer connection failed terminally",
			zap.String("remoteID", remoteID),
		)
		s.rstr.MarkDegraded(remoteID, true)
	}
	s.msh.OnStateChange = func(remoteID string, state mesh.State) {
		if state == mesh.StateConnected {
			s.rstr.MarkDegraded(remoteID, false)
		}
	}
	s.msh.OnRemoteTrack = func(remoteID string, track *webrtc.TrackRemote) {
		if s.OnRemoteTrack != nil {
			s.OnRemoteTrack(remoteID, track)
		}
	}

	s.cht = chat.NewChannel(s.localID, opts.Config.Media.ReactionTTL, s.broadcast, s.logger)
	s.cht.OnMessage = func(p signaling.ChatMessagePayload) {
		if s.OnChatMessage != nil {
			s.OnChatMessage(p)
		}
	}
	s.cht.OnReaction = func(p signaling.EmojiReactionPayload) {
		if s.OnReaction != nil {
			s.OnReaction(p)
		}
	}

	sig := opts.Config.Signaling
	transport, err := signaling.DialTransport(ctx, signaling.TransportConfig{
		URL:                   opts.RelayURL,
		QueueSize:             sig.SendQueueSize,
		ReconnectInitialDelay: sig.ReconnectInitialDelay,
		ReconnectMaxDelay:     sig.ReconnectMaxDelay,
		ReconnectMaxAttempts:  sig.ReconnectMaxAttempts,
		WriteTimeout:          sig.WSWriteTimeout,
		PongTimeout:           sig.WSPongTimeout,
		PingInterval:          sig.WSPingInterval,
		ReadLimit:             sig.WSReadLimit,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	s.transport = transport
	transport.OnMessage = s.dispatch
	transport.OnReconnected = s.rejoin
	transport.OnDown = func(err error) {
		s.logger.Error("Relay unreachable, reconnects exhausted", zap.Error(err))
		if s.OnRelayDown != nil {
			s.OnRelayDown(err)
		}
	}

	state, err := s.join(ctx, opts.JoinTimeout)
	if err != nil {
		transport.Close()
		return nil, err
	}

	for _, p := range state.Participants {
		s.rstr.ApplyJoined(p.ID, p.DisplayName, p.Host)
		if p.ID == s.localID {
			continue
		}
		if _, err := s.msh.EnsureConnection(p.ID); err != nil {
			s.logger.Warn("Failed to create mesh connection",
				zap.String("remoteID", p.ID),
				zap.Error(err),
			)
		}
	}

	s.startMedia()

	s.logger.Info("Session established",
		zap.String("roomID", s.roomID),
		zap.String("participantID", s.localID),
		zap.Int("existingParticipants", len(state.Participants)-1),
	)
	return s, nil
}

// startMedia opens capture and wires the media flag and speaking callbacks.
// Capture failure does not abort the session; the participant stays in the
// room without outgoing tracks.
func (s *Session) startMedia() {
	if err := s.med.Start(s.msh); err != nil {
		s.logger.Warn("Joining without local media", zap.Error(err))
		return
	}

	s.med.OnStateChange = func(audio, video, screen bool) {
		s.rstr.ApplyMediaState(s.localID, audio, video, screen)
		s.broadcastMediaState(audio, video, screen)
	}

	if detector := s.med.Detector(); detector != nil {
		detector.OnChange = func(speaking bool) {
			s.rstr.ApplySpeaking(s.localID, speaking)
			s.broadcastSpeaking(speaking)
		}
		go detector.Run()
	}

	audio, video, screen := s.med.State()
	s.rstr.ApplyMediaState(s.localID, audio, video, screen)
	s.broadcastMediaState(audio, video, screen)
}

func (s *Session) join(ctx context.Context, timeout time.Duration) (signaling.RoomStatePayload, error) {
	s.joining.Store(true)
	defer s.joining.Store(false)

	msg, err := signaling.NewMessage(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{
		RoomID:        s.roomID,
		ParticipantID: s.localID,
		DisplayName:   s.displayName,
	})
	if err != nil {
		return signaling.RoomStatePayload{}, err
	}
	s.transport.Send(msg)

	select {
	case <-ctx.Done():
		return signaling.RoomStatePayload{}, ctx.Err()
	case <-time.After(timeout):
		return signaling.RoomStatePayload{}, fmt.Errorf("join timed out: %w", ErrJoinRejected)
	case outcome := <-s.joinResult:
		return outcome.state, outcome.err
	}
}

// rejoin runs after a transport reconnect. The relay forgot this client when
// the socket died, so the session joins again under its old participant ID
// and reconciles the roster against the fresh room-state.
func (s *Session) rejoin() {
	s.logger.Info("Rejoining room after reconnect", zap.String("roomID", s.roomID))

	msg, err := signaling.NewMessage(signaling.MessageTypeJoinRoom, signaling.JoinRoomPayload{
		RoomID:        s.roomID,
		ParticipantID: s.localID,
		DisplayName:   s.displayName,
	})
	if err != nil {
		return
	}
	s.transport.Send(msg)
}

// dispatch is the single entry point for inbound relay traffic.
func (s *Session) dispatch(msg signaling.Message) {
	switch msg.Type {
	case signaling.MessageTypeRoomState:
		s.handleRoomState(msg)
	case signaling.MessageTypeUserJoined:
		s.handleUserJoined(msg)
	case signaling.MessageTypeUserLeft:
		s.handleUserLeft(msg)
	case signaling.MessageTypeSignal:
		s.handleSignal(msg)
	case signaling.MessageTypeChatMessage:
		var p signaling.ChatMessagePayload
		if signaling.DecodePayload(msg.Data, &p) == nil {
			s.cht.HandleMessage(p)
		}
	case signaling.MessageTypeEmojiReaction:
		var p signaling.EmojiReactionPayload
		if signaling.DecodePayload(msg.Data, &p) == nil {
			s.cht.HandleReaction(p)
		}
	case signaling.MessageTypeMediaState:
		var p signaling.MediaStatePayload
		if signaling.DecodePayload(msg.Data, &p) == nil {
			s.rstr.ApplyMediaState(p.ParticipantID, p.AudioEnabled, p.VideoEnabled, p.ScreenSharing)
		}
	case signaling.MessageTypeSpeakingStatus:
		var p signaling.SpeakingStatusPayload
		if signaling.DecodePayload(msg.Data, &p) == nil {
			s.rstr.ApplySpeaking(p.ParticipantID, p.Speaking)
		}
	case signaling.MessageTypeError:
		s.handleError(msg)
	default:
		s.logger.Debug("Ignoring unknown message type", zap.String("type", string(msg.Type)))
	}
}

func (s *Session) handleRoomState(msg signaling.Message) {
	var state signaling.RoomStatePayload
	if err := signaling.DecodePayload(msg.Data, &state); err != nil {
		s.logger.Warn("Malformed room-state payload", zap.Error(err))
		return
	}

	if s.joining.Load() {
		select {
		case s.joinResult <- joinOutcome{state: state}:
			return
		default:
		}
	}

	// Reconcile after a rejoin: adopt the relay's roster wholesale.
	current := make(map[string]bool)
	for _, p := range state.Participants {
		current[p.ID] = true
		s.rstr.ApplyJoined(p.ID, p.DisplayName, p.Host)
		if p.ID != s.localID {
			s.msh.EnsureConnection(p.ID)
		}
	}
	for _, id := range s.rstr.IDs() {
		if !current[id] {
			s.rstr.ApplyLeft(id)
			s.msh.ClosePeer(id)
		}
	}
}

func (s *Session) handleUserJoined(msg signaling.Message) {
	var p signaling.UserJoinedPayload
	if err := signaling.DecodePayload(msg.Data, &p); err != nil {
		return
	}
	if p.ParticipantID == s.localID {
		return
	}

	s.rstr.ApplyJoined(p.ParticipantID, p.DisplayName, p.Host)

	// The tie-break decides who offers; EnsureConnection on the non-offerer
	// side just waits for the incoming offer.
	if _, err := s.msh.EnsureConnection(p.ParticipantID); err != nil {
		s.logger.Warn("Failed to connect to joiner",
			zap.String("remoteID", p.ParticipantID),
			zap.Error(err),
		)
	}

	// Tell the newcomer our current media flags; broadcasts before their join
	// never reached them.
	audio, video, screen := s.med.State()
	s.broadcastMediaState(audio, video, screen)
}

func (s *Session) handleUserLeft(msg signaling.Message) {
	var p signaling.UserLeftPayload
	if err := signaling.DecodePayload(msg.Data, &p); err != nil {
		return
	}

	s.msh.ClosePeer(p.ParticipantID)
	s.rstr.ApplyLeft(p.ParticipantID)
	s.rstr.ApplyHostChange(p.NewHostID)
}

func (s *Session) handleSignal(msg signaling.Message) {
	var p signaling.SignalPayload
	if err := signaling.DecodePayload(msg.Data, &p); err != nil {
		s.logger.Warn("Malformed signal payload", zap.Error(err))
		return
	}
	if p.TargetID != s.localID {
		return
	}

	if err := s.msh.HandleSignal(p.SenderID, p); err != nil {
		s.logger.Warn("Signal handling failed",
			zap.String("from", p.SenderID),
			zap.String("signalType", string(p.Type)),
			zap.Error(err),
		)
	}
}

func (s *Session) handleError(msg signaling.Message) {
	var p signaling.ErrorPayload
	if err := signaling.DecodePayload(msg.Data, &p); err != nil {
		return
	}

	s.logger.Warn("Relay error",
		zap.Int("code", p.Code),
		zap.String("message", p.Message),
	)

	if s.joining.Load() {
		select {
		case s.joinResult <- joinOutcome{err: fmt.Errorf("%w: %s", ErrJoinRejected, p.Message)}:
		default:
		}
	}
}

// SendSignal delivers a directed SDP/ICE payload through the relay. It
// satisfies the mesh layer's sender dependency.
func (s *Session) SendSignal(payload signaling.SignalPayload) {
	msg, err := signaling.NewMessage(signaling.MessageTypeSignal, payload)
	if err != nil {
		s.logger.Error("Failed to encode signal", zap.Error(err))
		return
	}
	msg.From = s.localID
	msg.To = payload.TargetID
	s.transport.Send(msg)
}

func (s *Session) broadcast(msg signaling.Message) error {
	if s.closed.Load() {
		return errors.New("session closed")
	}
	msg.From = s.localID
	s.transport.Send(msg)
	return nil
}

func (s *Session) broadcastMediaState(audio, video, screen bool) {
	msg, err := signaling.NewMessage(signaling.MessageTypeMediaState, signaling.MediaStatePayload{
		ParticipantID: s.localID,
		AudioEnabled:  audio,
		VideoEnabled:  video,
		ScreenSharing: screen,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Session) broadcastSpeaking(speaking bool) {
	msg, err := signaling.NewMessage(signaling.MessageTypeSpeakingStatus, signaling.SpeakingStatusPayload{
		ParticipantID: s.localID,
		Speaking:      speaking,
	})
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// SendChat broadcasts a chat message to the room.
func (s *Session) SendChat(content string) (signaling.ChatMessagePayload, error) {
	return s.cht.Send(content)
}

// SendReaction broadcasts an emoji reaction.
func (s *Session) SendReaction(emoji string) (signaling.EmojiReactionPayload, error) {
	return s.cht.SendReaction(emoji)
}

// ToggleAudio flips the microphone and broadcasts the new flags.
func (s *Session) ToggleAudio() bool { return s.med.ToggleAudio() }

// ToggleVideo flips the camera and broadcasts the new flags.
func (s *Session) ToggleVideo() bool { return s.med.ToggleVideo() }

// StartScreenShare switches outgoing video to screen capture.
func (s *Session) StartScreenShare() error { return s.med.StartScreenShare() }

// StopScreenShare restores the camera.
func (s *Session) StopScreenShare() error { return s.med.StopScreenShare() }

func (s *Session) ParticipantID() string    { return s.localID }
func (s *Session) RoomID() string           { return s.roomID }
func (s *Session) Roster() *roster.Roster   { return s.rstr }
func (s *Session) Chat() *chat.Channel      { return s.cht }
func (s *Session) Media() *media.Controller { return s.med }
func (s *Session) Mesh() *mesh.Manager      { return s.msh }

/// Leave tears the session down in order: tell the relay, tell the peers,
// stop capture, drop the transport. Synchronous and idempotent; a second
// call returns immediately.
func (s *Session) Leave() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if msg, err := signaling.NewMessage(signaling.MessageTypeLeaveRoom, signaling.LeaveRoomPayload{
		RoomID:        s.roomID,
		ParticipantID: s.localID,
	}); err == nil {
		s.transport.Send(msg)
	}

	s.msh.CloseAll(true)
	s.med.Close()

	// The leave and bye messages must reach the wire before the socket drops.
	if !s.transport.Flush(2 * time.Second) {
		s.logger.Warn("Leave messages not fully flushed before close")
	}
	err := s.transport.Close()

	s.logger.Info("Session left room",
		zap.String("roomID", s.roomID),
		zap.String("participantID", s.localID),
	)
	return err
}
