package roster

import (
	"testing"

	"go.uber.org/zap"
)

func TestApplyJoinedIsIdempotent(t *testing.T) {
	r := New("me", zap.NewNop())

	r.ApplyJoined("alice", "Alice", false)
	r.ApplyJoined("alice", "Alice", false)

	if r.Len() != 1 {
		t.Errorf("len = %d, want 1", r.Len())
	}
}

func TestApplyJoinedDefaultsMediaEnabled(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)

	p, ok := r.Get("alice")
	if !ok {
		t.Fatal("participant missing")
	}
	if !p.AudioEnabled || !p.VideoEnabled {
		t.Error("new participants should default to audio and video enabled")
	}
	if p.ScreenSharing || p.Speaking || p.Degraded {
		t.Error("new participants should not be sharing, speaking, or degraded")
	}
}

func TestApplyLeftAbsentIsNoop(t *testing.T) {
	r := New("me", zap.NewNop())

	events := 0
	r.OnChange = func(Event) { events++ }

	r.ApplyLeft("ghost")
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
}

func TestApplyLeftRemovesParticipant(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)

	var got Event
	r.OnChange = func(ev Event) { got = ev }

	r.ApplyLeft("alice")
	if r.Contains("alice") {
		t.Error("alice should be removed")
	}
	if got.Kind != EventLeft || got.Participant.ID != "alice" {
		t.Errorf("event = %+v, want left/alice", got)
	}
}

func TestMediaStateForUnknownParticipantIgnored(t *testing.T) {
	r := New("me", zap.NewNop())

	events := 0
	r.OnChange = func(Event) { events++ }

	// Media state for a participant that already left must not resurrect it.
	r.ApplyMediaState("ghost", false, false, true)
	if r.Contains("ghost") {
		t.Error("unknown participant should not be created by a state patch")
	}
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
}

func TestApplyMediaStatePatchesFlags(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)

	r.ApplyMediaState("alice", false, true, true)

	p, _ := r.Get("alice")
	if p.AudioEnabled {
		t.Error("audio should be disabled")
	}
	if !p.VideoEnabled || !p.ScreenSharing {
		t.Error("video and screen flags should be set")
	}
}

func TestApplySpeakingSkipsRedundantUpdates(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)

	events := 0
	r.OnChange = func(Event) { events++ }

	r.ApplySpeaking("alice", true)
	r.ApplySpeaking("alice", true)
	r.ApplySpeaking("alice", false)

	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
}

func TestMarkDegradedKeepsParticipant(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)

	r.MarkDegraded("alice", true)

	p, ok := r.Get("alice")
	if !ok {
		t.Fatal("degraded participant must stay in the roster")
	}
	if !p.Degraded {
		t.Error("degraded flag not set")
	}
}

func TestApplyHostChange(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", true)
	r.ApplyJoined("bob", "Bob", false)

	r.ApplyLeft("alice")
	r.ApplyHostChange("bob")

	p, _ := r.Get("bob")
	if !p.Host {
		t.Error("bob should be host after migration")
	}
}

func TestHostChangeEmptyIDIsNoop(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", true)

	events := 0
	r.OnChange = func(Event) { events++ }

	r.ApplyHostChange("")
	if events != 0 {
		t.Errorf("events = %d, want 0", events)
	}
}

func TestSnapshotSortedAndCopied(t *testing.T) {
	r := New("me", zap.NewNop())
	r.ApplyJoined("alice", "Alice", false)
	r.ApplyJoined("bob", "Bob", false)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}

	// Mutating the snapshot must not leak into the roster.
	snap[0].DisplayName = "mutated"
	p, _ := r.Get(snap[0].ID)
	if p.DisplayName == "mutated" {
		t.Error("snapshot should be a copy")
	}
}
