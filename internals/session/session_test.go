package session

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxmesh/voxmesh/internals/config"
	"github.com/voxmesh/voxmesh/internals/media"
	"github.com/voxmesh/voxmesh/internals/relay"
	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

// deniedDevice refuses all capture, exercising the join-without-media path.
type deniedDevice struct{}

func (deniedDevice) OpenAudio() (media.Source, error)  { return nil, errors.New("denied") }
func (deniedDevice) OpenVideo() (media.Source, error)  { return nil, errors.New("denied") }
func (deniedDevice) OpenScreen() (media.Source, error) { return nil, errors.New("denied") }

func newTestRelay(t *testing.T, maxParticipants int) string {
	t.Helper()

	cfg := config.LoadConfig()
	cfg.Redis.Addr = ""
	cfg.Server.MaxParticipantsPerRoom = maxParticipants

	r, err := relay.NewRelay(cfg)
	if err != nil {
		t.Fatalf("NewRelay: %v", err)
	}
	r.RunHub()

	server := httptest.NewServer(r.Handler())
	t.Cleanup(server.Close)

	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func testOptions(url, roomID, participantID string) Options {
	cfg := config.LoadConfig()
	cfg.Redis.Addr = ""
	cfg.WebRTC.ICEServers = nil // host candidates only under test

	return Options{
		RelayURL:      url,
		RoomID:        roomID,
		ParticipantID: participantID,
		DisplayName:   participantID,
		Config:        cfg,
		Device:        deniedDevice{},
		Logger:        zap.NewNop(),
		JoinTimeout:   3 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestDialSeedsRosterWithSelf(t *testing.T) {
	url := newTestRelay(t, 4)

	s, err := Dial(context.Background(), testOptions(url, "room1", "alice"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Leave()

	if !s.Roster().Contains("alice") {
		t.Error("roster should contain the local participant")
	}
	p, _ := s.Roster().Get("alice")
	if !p.Host {
		t.Error("first joiner should be host")
	}
}

func TestTwoSessionsConvergeAndExchangeChat(t *testing.T) {
	url := newTestRelay(t, 4)

	alice, err := Dial(context.Background(), testOptions(url, "room1", "alice"))
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}
	defer alice.Leave()

	bob, err := Dial(context.Background(), testOptions(url, "room1", "bob"))
	if err != nil {
		t.Fatalf("Dial bob: %v", err)
	}
	defer bob.Leave()

	waitFor(t, "roster convergence", func() bool {
		return alice.Roster().Len() == 2 && bob.Roster().Len() == 2
	})

	var mu sync.Mutex
	var received []signaling.ChatMessagePayload
	bob.OnChatMessage = func(p signaling.ChatMessagePayload) {
		mu.Lock()
		received = append(received, p)
		mu.Unlock()
	}

	sent, err := alice.SendChat("hello bob")
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}

	waitFor(t, "chat delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	got := received[0]
	mu.Unlock()
	if got.ID != sent.ID || got.Content != "hello bob" || got.SenderID != "alice" {
		t.Errorf("received = %+v, want sender's payload verbatim", got)
	}
}

func TestLeavePropagatesAndMigratesHost(t *testing.T) {
	url := newTestRelay(t, 4)

	alice, err := Dial(context.Background(), testOptions(url, "room1", "alice"))
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}

	bob, err := Dial(context.Background(), testOptions(url, "room1", "bob"))
	if err != nil {
		t.Fatalf("Dial bob: %v", err)
	}
	defer bob.Leave()

	waitFor(t, "roster convergence", func() bool {
		return bob.Roster().Len() == 2
	})

	if err := alice.Leave(); err != nil {
		t.Fatalf("Leave: %v", err)
	}

	waitFor(t, "departure propagation", func() bool {
		return bob.Roster().Len() == 1
	})
	waitFor(t, "host migration", func() bool {
		p, ok := bob.Roster().Get("bob")
		return ok && p.Host
	})
	if bob.Mesh().Len() != 0 {
		t.Errorf("bob still holds %d mesh connections to departed peers", bob.Mesh().Len())
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	url := newTestRelay(t, 4)

	s, err := Dial(context.Background(), testOptions(url, "room1", "alice"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := s.Leave(); err != nil {
		t.Fatalf("first Leave: %v", err)
	}
	if err := s.Leave(); err != nil {
		t.Fatalf("second Leave should be a no-op: %v", err)
	}
	if s.Mesh().Len() != 0 {
		t.Error("mesh connections should be gone after Leave")
	}
}

func TestDialRejectedWhenRoomFull(t *testing.T) {
	url := newTestRelay(t, 1)

	alice, err := Dial(context.Background(), testOptions(url, "room1", "alice"))
	if err != nil {
		t.Fatalf("Dial alice: %v", err)
	}
	defer alice.Leave()

	_, err = Dial(context.Background(), testOptions(url, "room1", "bob"))
	if !errors.Is(err, ErrJoinRejected) {
		t.Fatalf("expected ErrJoinRejected, got %v", err)
	}
}

func TestDialRequiresRoomID(t *testing.T) {
	if _, err := Dial(context.Background(), Options{}); err == nil {
		t.Fatal("empty room ID should fail")
	}
}
