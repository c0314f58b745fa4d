package mesh

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/voxmesh/voxmesh/internals/config"
	appmetrics "github.com/voxmesh/voxmesh/internals/metrics"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

// TrackProvider supplies the local outgoing tracks attached to every new
// connection.
type TrackProvider interface {
	Tracks() []webrtc.TrackLocal
}

// Manager owns one Connection per remote participant in the room (full mesh).
type Manager struct {
	localID string
	api     *webrtc.API
	cfg     webrtc.Configuration
	sender  SignalSender
	tracks  TrackProvider
	logger  *zap.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	OnStateChange func(remoteID string, state State)
	OnFailed      func(remoteID string)
	OnRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
}

func NewManager(localID string, webrtcCfg config.WebRTCConfig, sender SignalSender, tracks TrackProvider, logger *zap.Logger) *Manager {
	return &Manager{
		localID: localID,
		api:     newWebRTCAPI(webrtcCfg, logger),
		cfg:     WebRTCConfiguration(webrtcCfg.ICEServers),
		sender:  sender,
		tracks:  tracks,
		logger:  logger,
		conns:   make(map[string]*Connection),
	}
}

// newWebRTCAPI builds the pion API every connection shares. The media engine
// must carry the default codecs: without them a connection holding local
// tracks cannot produce an offer at all.
func newWebRTCAPI(cfg config.WebRTCConfig, logger *zap.Logger) *webrtc.API {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		logger.Error("Failed to register default codecs", zap.Error(err))
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		logger.Error("Failed to register default interceptors", zap.Error(err))
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.UDPPortRange.Min > 0 && cfg.UDPPortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.UDPPortRange.Min, cfg.UDPPortRange.Max); err != nil {
			logger.Error("Failed to set UDP port range", zap.Error(err))
		}
	}
	if cfg.PublicIP != "" {
		settingEngine.SetNAT1To1IPs([]string{cfg.PublicIP}, webrtc.ICECandidateTypeHost)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settingEngine),
	)
}

// WebRTCConfiguration builds the pion configuration from the app-level ICE
// server list.
func WebRTCConfiguration(servers []config.ICEServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}

// EnsureConnection returns the connection to a remote participant, creating
// it if absent. On creation, only the side the tie-break designates as
// offerer starts negotiating; the other side waits for the incoming offer.
func (m *Manager) EnsureConnection(remoteID string) (*Connection, error) {
	m.mu.Lock()
	if conn, ok := m.conns[remoteID]; ok {
		m.mu.Unlock()
		return conn, nil
	}

	var localTracks []webrtc.TrackLocal
	if m.tracks != nil {
		localTracks = m.tracks.Tracks()
	}

	conn, err := NewConnection(m.localID, remoteID, m.api, m.cfg, localTracks, m.sender, m.logger)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	conn.OnStateChange = m.handleStateChange
	conn.OnFailed = m.handleFailed
	conn.OnRemoteTrack = m.handleRemoteTrack
	m.conns[remoteID] = conn
	m.mu.Unlock()

	appmetrics.MeshConnectionsActive.Inc()
	m.logger.Info("Mesh connection created",
		zap.String("remoteID", remoteID),
		zap.Bool("offerer", conn.IsOfferer()),
	)

	if conn.IsOfferer() {
		if err := conn.Negotiate(); err != nil {
			m.logger.Warn("Initial negotiation failed",
				zap.String("remoteID", remoteID),
				zap.Error(err),
			)
		}
	}

	return conn, nil
}

// HandleSignal routes an incoming directed payload to the connection for its
// sender, creating one on first contact. An initial offer from a remote
// always lands on the non-offerer side, so creation here never races a
// spontaneous local offer for the same pair.
func (m *Manager) HandleSignal(from string, payload signaling.SignalPayload) error {
	conn, err := m.EnsureConnection(from)
	if err != nil {
		return err
	}
	return conn.HandleSignal(payload)
}

// Get returns the connection for a remote, if any.
func (m *Manager) Get(remoteID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[remoteID]
	return conn, ok
}

// ClosePeer tears down the connection to one remote. Used when the remote
// leaves the room; no bye is sent because the remote is already gone.
func (m *Manager) ClosePeer(remoteID string) {
	m.mu.Lock()
	conn, ok := m.conns[remoteID]
	if ok {
		delete(m.conns, remoteID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	conn.Close()
	appmetrics.MeshConnectionsActive.Dec()
	m.logger.Info("Mesh connection closed", zap.String("remoteID", remoteID))
}

// CloseAll tears down every connection. With sendBye set, each remote is told
// first so it can drop its side immediately instead of waiting for ICE to
// time out.
func (m *Manager) CloseAll(sendBye bool) {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]*Connection)
	m.mu.Unlock()

	for remoteID, conn := range conns {
		if sendBye {
			conn.SendBye()
		}
		conn.Close()
		appmetrics.MeshConnectionsActive.Dec()
		m.logger.Debug("Mesh connection closed", zap.String("remoteID", remoteID))
	}
}

// ReplaceVideoTrack swaps the outgoing video track on every connection. Each
// connection runs its own renegotiation cycle.
func (m *Manager) ReplaceVideoTrack(track webrtc.TrackLocal) error {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, conn := range conns {
		if err := conn.ReplaceVideoTrack(track); err != nil {
			m.logger.Warn("Video track replacement failed",
				zap.String("remoteID", conn.RemoteID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Len reports the number of live mesh connections.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// RemoteIDs returns the remotes with a live connection.
func (m *Manager) RemoteIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) handleStateChange(remoteID string, state State) {
	if m.OnStateChange != nil {
		m.OnStateChange(remoteID, state)
	}
}

func (m *Manager) handleFailed(remoteID string) {
	if m.OnFailed != nil {
		m.OnFailed(remoteID)
	}
}

func (m *Manager) handleRemoteTrack(remoteID string, track *webrtc.TrackRemote) {
	if m.OnRemoteTrack != nil {
		m.OnRemoteTrack(remoteID, track)
	}
}
