package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	appmetrics "github.com/voxmesh/voxmesh/internals/metrics"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

// ErrNegotiationFailed is wrapped around terminal SDP/ICE exchange failures.
var ErrNegotiationFailed = errors.New("negotiation failed")

type State string

const (
	StateNew           State = "new"
	StateNegotiating   State = "negotiating"
	StateConnected     State = "connected"
	StateRenegotiating State = "renegotiating"
	StateFailed        State = "failed"
	StateClosed        State = "closed"
)

// SignalSender delivers a directed signaling payload to the remote side via
// the relay.
type SignalSender interface {
	SendSignal(payload signaling.SignalPayload)
}

// Connection is one bidirectional media connection to a remote participant.
// All SDP operations on it are serialized: an incoming answer is never
// applied while an offer is being generated for the same connection.
type Connection struct {
	LocalID  string
	RemoteID string

	pc *webrtc.PeerConnection

	// negMu serializes SDP work; mu guards fields.
	negMu sync.Mutex
	mu    sync.RWMutex

	state             State
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool
	makingOffer       bool
	iceRestartUsed    bool

	sendSeq      atomic.Uint64
	negotiations atomic.Uint64

	sender SignalSender
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// Callbacks
	OnStateChange func(remoteID string, state State)
	OnFailed      func(remoteID string)
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	OnRTP         func(remoteID string, packet *rtp.Packet)
}

// NewConnection creates the peer connection and attaches the shared local
// tracks. It does not negotiate; the manager decides which side offers.
func NewConnection(localID, remoteID string, api *webrtc.API, cfg webrtc.Configuration, tracks []webrtc.TrackLocal, sender SignalSender, logger *zap.Logger) (*Connection, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		LocalID:           localID,
		RemoteID:          remoteID,
		pc:                pc,
		state:             StateNew,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
		sender:            sender,
		logger:            logger,
		ctx:               ctx,
		cancel:            cancel,
	}

	for _, track := range tracks {
		if _, err := c.addTrackLocked(track); err != nil {
			pc.Close()
			cancel()
			return nil, fmt.Errorf("attach local track: %w", err)
		}
	}

	c.setupHandlers()
	return c, nil
}

// IsOfferer applies the glare tie-break: the lexicographically smaller
// participant ID is the offerer for the pair. Both sides evaluate the same
// rule, so exactly one ever offers spontaneously.
func (c *Connection) IsOfferer() bool {
	return c.LocalID < c.RemoteID
}

func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Negotiations reports completed offer/answer cycles on this connection.
func (c *Connection) Negotiations() uint64 {
	return c.negotiations.Load()
}

// PendingCandidates reports queued ICE candidates awaiting the remote
// description.
func (c *Connection) PendingCandidates() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pendingCandidates)
}

func (c *Connection) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.logger.Debug("Connection state changed",
		zap.String("remoteID", c.RemoteID),
		zap.String("state", string(state)),
	)

	if c.OnStateChange != nil {
		c.OnStateChange(c.RemoteID, state)
	}
}

func (c *Connection) setupHandlers() {
	c.pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		payload := signaling.SignalPayload{
			Type:     signaling.SignalTypeICECandidate,
			SenderID: c.LocalID,
			TargetID: c.RemoteID,
			Sequence: c.sendSeq.Add(1),
			Candidate: &signaling.ICECandidatePayload{
				Candidate: init.Candidate,
			},
		}
		if init.SDPMid != nil {
			payload.Candidate.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			payload.Candidate.SDPMLineIndex = *init.SDPMLineIndex
		}
		c.sender.SendSignal(payload)
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		c.logger.Info("Remote track received",
			zap.String("remoteID", c.RemoteID),
			zap.String("trackID", track.ID()),
			zap.String("kind", track.Kind().String()),
		)

		if c.OnRemoteTrack != nil {
			c.OnRemoteTrack(c.RemoteID, track)
		}

		go c.drainRemoteTrack(track)
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			go c.periodicPLI(track)
		}
	})

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("Peer connection state changed",
			zap.String("remoteID", c.RemoteID),
			zap.String("state", state.String()),
		)
		if state == webrtc.PeerConnectionStateConnected {
			c.mu.Lock()
			c.iceRestartUsed = false
			c.mu.Unlock()
			c.setState(StateConnected)
		}
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state != webrtc.ICEConnectionStateFailed {
			return
		}
		c.handleICEFailure()
	})
}

// handleICEFailure performs exactly one automatic ICE restart. A second
// failure is terminal: the connection is marked FAILED and reported, not
// retried further.
func (c *Connection) handleICEFailure() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return
	}
	restartUsed := c.iceRestartUsed
	c.iceRestartUsed = true
	c.mu.Unlock()

	if restartUsed {
		c.fail()
		return
	}

	if !c.IsOfferer() {
		// The offerer side generates the restart offer; this side waits for
		// it and fails only if connectivity does not recover.
		c.logger.Info("ICE failed, awaiting restart offer",
			zap.String("remoteID", c.RemoteID),
		)
		return
	}

	c.logger.Info("ICE failed, restarting", zap.String("remoteID", c.RemoteID))
	appmetrics.RecordICERestart()

	if err := c.negotiate(&webrtc.OfferOptions{ICERestart: true}); err != nil {
		c.logger.Warn("ICE restart offer failed",
			zap.String("remoteID", c.RemoteID),
			zap.Error(err),
		)
		c.fail()
	}
}

func (c *Connection) fail() {
	appmetrics.RecordConnectionFailure()
	c.setState(StateFailed)
	if c.OnFailed != nil {
		c.OnFailed(c.RemoteID)
	}
}

// Negotiate runs one offer cycle toward the remote side.
func (c *Connection) Negotiate() error {
	return c.negotiate(nil)
}

func (c *Connection) negotiate(opts *webrtc.OfferOptions) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.Lock()
	if c.state == StateClosed || c.state == StateFailed {
		c.mu.Unlock()
		return fmt.Errorf("connection %s: %w", c.state, ErrNegotiationFailed)
	}
	c.makingOffer = true
	wasConnected := c.state == StateConnected || c.state == StateRenegotiating
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.makingOffer = false
		c.mu.Unlock()
	}()

	if wasConnected {
		c.setState(StateRenegotiating)
	} else {
		c.setState(StateNegotiating)
	}

	offer, err := c.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	c.sender.SendSignal(signaling.SignalPayload{
		Type:     signaling.SignalTypeOffer,
		SenderID: c.LocalID,
		TargetID: c.RemoteID,
		SDP:      offer.SDP,
		Sequence: c.sendSeq.Add(1),
	})

	return nil
}

// HandleSignal applies one incoming directed signaling payload.
func (c *Connection) HandleSignal(payload signaling.SignalPayload) error {
	switch payload.Type {
	case signaling.SignalTypeOffer:
		return c.handleOffer(payload)
	case signaling.SignalTypeAnswer:
		return c.handleAnswer(payload)
	case signaling.SignalTypeICECandidate:
		return c.handleCandidate(payload)
	case signaling.SignalTypeBye:
		c.logger.Info("Remote sent bye", zap.String("remoteID", c.RemoteID))
		return c.Close()
	default:
		return fmt.Errorf("unknown signal type %q", payload.Type)
	}
}

func (c *Connection) handleOffer(payload signaling.SignalPayload) error {
	c.mu.RLock()
	makingOffer := c.makingOffer
	c.mu.RUnlock()

	if c.IsOfferer() && (makingOffer || c.pc.SignalingState() != webrtc.SignalingStateStable) {
		// Glare on renegotiation: the offerer side keeps its own offer and
		// lets the remote (which yields) answer it.
		c.logger.Debug("Ignoring glare offer", zap.String("remoteID", c.RemoteID))
		return nil
	}

	rolledBack, err := c.acceptOffer(payload)
	if err != nil {
		return err
	}
	if rolledBack {
		// Our own offer was discarded to accept the remote one. Now that the
		// connection is stable again, re-offer so the local change still
		// reaches the remote.
		return c.negotiate(nil)
	}
	return nil
}

func (c *Connection) acceptOffer(payload signaling.SignalPayload) (rolledBack bool, err error) {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	c.mu.RLock()
	wasConnected := c.state == StateConnected
	c.mu.RUnlock()
	if wasConnected {
		c.setState(StateRenegotiating)
	} else {
		c.setState(StateNegotiating)
	}

	if c.pc.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
		// Yielding side of glare: drop the pending local offer before
		// applying the remote one.
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := c.pc.SetLocalDescription(rollback); err != nil {
			return false, fmt.Errorf("roll back local offer: %w: %v", ErrNegotiationFailed, err)
		}
		rolledBack = true
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}
	if err := c.setRemoteDescription(offer); err != nil {
		return rolledBack, fmt.Errorf("apply offer: %w: %v", ErrNegotiationFailed, err)
	}

	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return rolledBack, fmt.Errorf("create answer: %w: %v", ErrNegotiationFailed, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return rolledBack, fmt.Errorf("set local description: %w: %v", ErrNegotiationFailed, err)
	}

	c.sender.SendSignal(signaling.SignalPayload{
		Type:     signaling.SignalTypeAnswer,
		SenderID: c.LocalID,
		TargetID: c.RemoteID,
		SDP:      answer.SDP,
		Sequence: c.sendSeq.Add(1),
	})

	c.negotiations.Add(1)
	appmetrics.NegotiationsTotal.Inc()
	return rolledBack, nil
}

func (c *Connection) handleAnswer(payload signaling.SignalPayload) error {
	c.negMu.Lock()
	defer c.negMu.Unlock()

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP}
	if err := c.setRemoteDescription(answer); err != nil {
		return fmt.Errorf("apply answer: %w: %v", ErrNegotiationFailed, err)
	}

	c.negotiations.Add(1)
	appmetrics.NegotiationsTotal.Inc()
	return nil
}

func (c *Connection) handleCandidate(payload signaling.SignalPayload) error {
	if payload.Candidate == nil {
		return nil
	}
	mid := payload.Candidate.SDPMid
	idx := payload.Candidate.SDPMLineIndex
	init := webrtc.ICECandidateInit{
		Candidate:     payload.Candidate.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}

	c.mu.Lock()
	if !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, init)
		c.mu.Unlock()
		c.logger.Debug("Queued ICE candidate (remote desc not set yet)",
			zap.String("remoteID", c.RemoteID),
		)
		return nil
	}
	c.mu.Unlock()

	return c.pc.AddICECandidate(init)
}

// setRemoteDescription applies the description and flushes any queued ICE
// candidates.
func (c *Connection) setRemoteDescription(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}

	c.mu.Lock()
	c.remoteDescSet = true
	pending := make([]webrtc.ICECandidateInit, len(c.pendingCandidates))
	copy(pending, c.pendingCandidates)
	c.pendingCandidates = c.pendingCandidates[:0]
	c.mu.Unlock()

	for _, candidate := range pending {
		if err := c.pc.AddICECandidate(candidate); err != nil {
			c.logger.Warn("Failed to add queued ICE candidate",
				zap.String("remoteID", c.RemoteID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// AddTrack attaches a new outgoing track and renegotiates.
func (c *Connection) AddTrack(track webrtc.TrackLocal) error {
	if _, err := c.addTrackLocked(track); err != nil {
		return err
	}
	return c.Negotiate()
}

func (c *Connection) addTrackLocked(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}

	// Drain RTCP so pion's internal buffer doesn't fill up and stall.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return sender, nil
}

// ReplaceVideoTrack swaps the outgoing video track in place and runs one
// renegotiation cycle. The audio sender is untouched.
func (c *Connection) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	var videoSender *webrtc.RTPSender
	for _, sender := range c.pc.GetSenders() {
		current := sender.Track()
		if current != nil && current.Kind() == webrtc.RTPCodecTypeVideo {
			videoSender = sender
			break
		}
	}
	if videoSender == nil {
		return c.AddTrack(track)
	}

	if err := videoSender.ReplaceTrack(track); err != nil {
		return fmt.Errorf("replace video track: %w", err)
	}

	return c.Negotiate()
}

// SendBye tells the remote side this connection is going away.
func (c *Connection) SendBye() {
	c.sender.SendSignal(signaling.SignalPayload{
		Type:     signaling.SignalTypeBye,
		SenderID: c.LocalID,
		TargetID: c.RemoteID,
		Sequence: c.sendSeq.Add(1),
	})
}

// Close tears the connection down. Idempotent: closing twice, or closing a
// connection whose transport already died, is a no-op.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.setState(StateClosed)
		if err := c.pc.Close(); err != nil {
			c.logger.Debug("Error closing peer connection",
				zap.String("remoteID", c.RemoteID),
				zap.Error(err),
			)
		}
	})
	return nil
}

func (c *Connection) drainRemoteTrack(track *webrtc.TrackRemote) {
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		packet, _, err := track.ReadRTP()
		if err != nil {
			if err == io.EOF {
				return
			}
			select {
			case <-c.ctx.Done():
				return
			default:
			}
			time.Sleep(5 * time.Millisecond)
			continue
		}

		if c.OnRTP != nil {
			c.OnRTP(c.RemoteID, packet)
		}
	}
}

// periodicPLI requests a keyframe every 2 seconds for a remote video track.
// Without it, packet loss can freeze the rendered video until the next
// spontaneous keyframe.
func (c *Connection) periodicPLI(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			pli := []rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
			}
			if err := c.pc.WriteRTCP(pli); err != nil {
				return
			}
		}
	}
}
