package mesh

import (
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v3"
	"github.com/voxmesh/voxmesh/internals/config"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

type fakeSender struct {
	mu       sync.Mutex
	payloads []signaling.SignalPayload
}

func (f *fakeSender) SendSignal(p signaling.SignalPayload) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, p)
}

func (f *fakeSender) byType(t signaling.SignalType) []signaling.SignalPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []signaling.SignalPayload
	for _, p := range f.payloads {
		if p.Type == t {
			out = append(out, p)
		}
	}
	return out
}

func newAudioTrack(t *testing.T) webrtc.TrackLocal {
	t.Helper()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", "test-audio",
	)
	if err != nil {
		t.Fatalf("create track: %v", err)
	}
	return track
}

func newTestConnection(t *testing.T, localID, remoteID string, tracks []webrtc.TrackLocal, sender SignalSender) *Connection {
	t.Helper()
	api := newWebRTCAPI(config.WebRTCConfig{}, zap.NewNop())
	conn, err := NewConnection(localID, remoteID, api, webrtc.Configuration{}, tracks, sender, zap.NewNop())
	if err != nil {
		t.Fatalf("NewConnection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOffererTieBreak(t *testing.T) {
	sender := &fakeSender{}
	a := newTestConnection(t, "alice", "bob", nil, sender)
	b := newTestConnection(t, "bob", "alice", nil, sender)

	if !a.IsOfferer() {
		t.Error("alice < bob, alice should offer")
	}
	if b.IsOfferer() {
		t.Error("bob > alice, bob should wait")
	}
}

func TestOnlySmallerIDOffersSpontaneously(t *testing.T) {
	senderA := &fakeSender{}
	mgrA := NewManager("aaa", config.WebRTCConfig{}, senderA, nil, zap.NewNop())
	defer mgrA.CloseAll(false)

	senderB := &fakeSender{}
	mgrB := NewManager("bbb", config.WebRTCConfig{}, senderB, nil, zap.NewNop())
	defer mgrB.CloseAll(false)

	if _, err := mgrA.EnsureConnection("bbb"); err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	if _, err := mgrB.EnsureConnection("aaa"); err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}

	if got := len(senderA.byType(signaling.SignalTypeOffer)); got != 1 {
		t.Errorf("offerer side sent %d offers, want 1", got)
	}
	if got := len(senderB.byType(signaling.SignalTypeOffer)); got != 0 {
		t.Errorf("non-offerer side sent %d offers, want 0", got)
	}
}

type stubTracks struct {
	tracks []webrtc.TrackLocal
}

func (s stubTracks) Tracks() []webrtc.TrackLocal { return s.tracks }

func TestManagerOffersWithLocalTracks(t *testing.T) {
	sender := &fakeSender{}
	tracks := stubTracks{[]webrtc.TrackLocal{newAudioTrack(t)}}
	mgr := NewManager("aaa", config.WebRTCConfig{}, sender, tracks, zap.NewNop())
	defer mgr.CloseAll(false)

	if _, err := mgr.EnsureConnection("bbb"); err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}

	offers := sender.byType(signaling.SignalTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}
	if !strings.Contains(offers[0].SDP, "m=audio") {
		t.Error("offer should carry an audio media section")
	}
}

func TestCrossedRenegotiationOffersResolve(t *testing.T) {
	sender1 := &fakeSender{}
	impolite := newTestConnection(t, "1", "2", nil, sender1)
	sender2 := &fakeSender{}
	polite := newTestConnection(t, "2", "1", nil, sender2)

	// Both sides renegotiate at the same time.
	if err := impolite.Negotiate(); err != nil {
		t.Fatalf("impolite Negotiate: %v", err)
	}
	if err := polite.Negotiate(); err != nil {
		t.Fatalf("polite Negotiate: %v", err)
	}
	offer1 := sender1.byType(signaling.SignalTypeOffer)[0]
	offer2 := sender2.byType(signaling.SignalTypeOffer)[0]

	// The offerer side must ignore the crossed offer and keep its own.
	if err := impolite.HandleSignal(offer2); err != nil {
		t.Fatalf("impolite HandleSignal(offer): %v", err)
	}
	if got := len(sender1.byType(signaling.SignalTypeAnswer)); got != 0 {
		t.Fatalf("offerer answered a crossed offer (%d answers)", got)
	}

	// The yielding side rolls its own offer back, answers, then re-offers.
	if err := polite.HandleSignal(offer1); err != nil {
		t.Fatalf("polite HandleSignal(offer): %v", err)
	}
	answers2 := sender2.byType(signaling.SignalTypeAnswer)
	if len(answers2) != 1 {
		t.Fatalf("yielding side answers = %d, want 1", len(answers2))
	}
	if err := impolite.HandleSignal(answers2[0]); err != nil {
		t.Fatalf("impolite HandleSignal(answer): %v", err)
	}

	// The rolled-back change comes through on a fresh offer once stable.
	offers2 := sender2.byType(signaling.SignalTypeOffer)
	if len(offers2) != 2 {
		t.Fatalf("yielding side offers = %d, want 2 (original plus retry)", len(offers2))
	}
	if err := impolite.HandleSignal(offers2[1]); err != nil {
		t.Fatalf("impolite HandleSignal(retry offer): %v", err)
	}
	answers1 := sender1.byType(signaling.SignalTypeAnswer)
	if len(answers1) != 1 {
		t.Fatalf("offerer answers after retry = %d, want 1", len(answers1))
	}
	if err := polite.HandleSignal(answers1[0]); err != nil {
		t.Fatalf("polite HandleSignal(answer): %v", err)
	}

	if impolite.Negotiations() < 2 {
		t.Errorf("impolite negotiations = %d, want >= 2", impolite.Negotiations())
	}
	if polite.Negotiations() < 2 {
		t.Errorf("polite negotiations = %d, want >= 2", polite.Negotiations())
	}
}

func TestCandidateQueuedUntilRemoteDescription(t *testing.T) {
	offerSender := &fakeSender{}
	offerer := newTestConnection(t, "aaa", "zzz", []webrtc.TrackLocal{newAudioTrack(t)}, offerSender)
	if err := offerer.Negotiate(); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	offers := offerSender.byType(signaling.SignalTypeOffer)
	if len(offers) != 1 {
		t.Fatalf("offers = %d, want 1", len(offers))
	}

	answerSender := &fakeSender{}
	answerer := newTestConnection(t, "zzz", "aaa", nil, answerSender)

	// Candidate arrives before the offer on a slow path; it must wait, not drop.
	candidate := signaling.SignalPayload{
		Type:     signaling.SignalTypeICECandidate,
		SenderID: "aaa",
		TargetID: "zzz",
		Candidate: &signaling.ICECandidatePayload{
			Candidate:     "candidate:3286418564 1 udp 2122260223 127.0.0.1 58018 typ host",
			SDPMid:        "0",
			SDPMLineIndex: 0,
		},
		Sequence: 2,
	}
	if err := answerer.HandleSignal(candidate); err != nil {
		t.Fatalf("HandleSignal(candidate): %v", err)
	}
	if got := answerer.PendingCandidates(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}

	if err := answerer.HandleSignal(offers[0]); err != nil {
		t.Fatalf("HandleSignal(offer): %v", err)
	}
	if got := answerer.PendingCandidates(); got != 0 {
		t.Errorf("pending after offer = %d, want 0 (queue flushed)", got)
	}
	if got := len(answerSender.byType(signaling.SignalTypeAnswer)); got != 1 {
		t.Errorf("answers = %d, want 1", got)
	}
	if answerer.Negotiations() != 1 {
		t.Errorf("negotiations = %d, want 1", answerer.Negotiations())
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	offerSender := &fakeSender{}
	offerer := newTestConnection(t, "aaa", "zzz", []webrtc.TrackLocal{newAudioTrack(t)}, offerSender)
	if err := offerer.Negotiate(); err != nil {
		t.Fatalf("Negotiate: %v", err)
	}

	answerSender := &fakeSender{}
	answerer := newTestConnection(t, "zzz", "aaa", []webrtc.TrackLocal{newAudioTrack(t)}, answerSender)

	if err := answerer.HandleSignal(offerSender.byType(signaling.SignalTypeOffer)[0]); err != nil {
		t.Fatalf("apply offer: %v", err)
	}
	if err := offerer.HandleSignal(answerSender.byType(signaling.SignalTypeAnswer)[0]); err != nil {
		t.Fatalf("apply answer: %v", err)
	}

	if offerer.Negotiations() != 1 {
		t.Errorf("offerer negotiations = %d, want 1", offerer.Negotiations())
	}
}

func TestByeClosesConnection(t *testing.T) {
	sender := &fakeSender{}
	conn := newTestConnection(t, "aaa", "zzz", nil, sender)

	bye := signaling.SignalPayload{Type: signaling.SignalTypeBye, SenderID: "zzz", TargetID: "aaa"}
	if err := conn.HandleSignal(bye); err != nil {
		t.Fatalf("HandleSignal(bye): %v", err)
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want closed", conn.State())
	}

	// Closing again must be harmless.
	if err := conn.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSignalSequenceIncreases(t *testing.T) {
	sender := &fakeSender{}
	conn := newTestConnection(t, "aaa", "zzz", []webrtc.TrackLocal{newAudioTrack(t)}, sender)

	conn.Negotiate()
	conn.SendBye()

	// Candidates are emitted from gathering goroutines, so slice order is not
	// guaranteed; sequence numbers must still be unique and non-zero.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	seen := make(map[uint64]bool)
	for _, p := range sender.payloads {
		if p.Sequence == 0 {
			t.Fatal("sequence should start at 1")
		}
		if seen[p.Sequence] {
			t.Fatalf("duplicate sequence %d", p.Sequence)
		}
		seen[p.Sequence] = true
	}
}

func TestManagerCreatesConnectionOnIncomingOffer(t *testing.T) {
	offerSender := &fakeSender{}
	offerer := newTestConnection(t, "aaa", "zzz", []webrtc.TrackLocal{newAudioTrack(t)}, offerSender)
	offerer.Negotiate()

	sender := &fakeSender{}
	mgr := NewManager("zzz", config.WebRTCConfig{}, sender, nil, zap.NewNop())
	defer mgr.CloseAll(false)

	if err := mgr.HandleSignal("aaa", offerSender.byType(signaling.SignalTypeOffer)[0]); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if mgr.Len() != 1 {
		t.Fatalf("connections = %d, want 1", mgr.Len())
	}
	if got := len(sender.byType(signaling.SignalTypeAnswer)); got != 1 {
		t.Errorf("answers = %d, want 1", got)
	}
}

func TestManagerReusesExistingConnection(t *testing.T) {
	sender := &fakeSender{}
	mgr := NewManager("aaa", config.WebRTCConfig{}, sender, nil, zap.NewNop())
	defer mgr.CloseAll(false)

	first, err := mgr.EnsureConnection("bbb")
	if err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	second, err := mgr.EnsureConnection("bbb")
	if err != nil {
		t.Fatalf("EnsureConnection: %v", err)
	}
	if first != second {
		t.Error("EnsureConnection should return the existing connection")
	}
	if mgr.Len() != 1 {
		t.Errorf("connections = %d, want 1", mgr.Len())
	}
}

func TestManagerClosePeer(t *testing.T) {
	sender := &fakeSender{}
	mgr := NewManager("aaa", config.WebRTCConfig{}, sender, nil, zap.NewNop())
	defer mgr.CloseAll(false)

	conn, _ := mgr.EnsureConnection("bbb")
	mgr.ClosePeer("bbb")

	if mgr.Len() != 0 {
		t.Errorf("connections = %d, want 0", mgr.Len())
	}
	if conn.State() != StateClosed {
		t.Errorf("state = %s, want closed", conn.State())
	}

	// Absent peer: no-op.
	mgr.ClosePeer("bbb")
}

func TestCloseAllSendsBye(t *testing.T) {
	sender := &fakeSender{}
	mgr := NewManager("aaa", config.WebRTCConfig{}, sender, nil, zap.NewNop())

	mgr.EnsureConnection("bbb")
	mgr.EnsureConnection("ccc")
	mgr.CloseAll(true)

	if got := len(sender.byType(signaling.SignalTypeBye)); got != 2 {
		t.Errorf("byes = %d, want 2", got)
	}
	if mgr.Len() != 0 {
		t.Errorf("connections = %d, want 0", mgr.Len())
	}
}

func TestWebRTCConfigurationMapping(t *testing.T) {
	cfg := WebRTCConfiguration([]config.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"turn:turn.example.com:3478"}, Username: "user", Credential: "pass"},
	})

	if len(cfg.ICEServers) != 2 {
		t.Fatalf("servers = %d, want 2", len(cfg.ICEServers))
	}
	if cfg.ICEServers[1].Username != "user" {
		t.Errorf("username = %q, want user", cfg.ICEServers[1].Username)
	}
}
