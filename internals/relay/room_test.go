package relay

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestFirstJoinerBecomesHost(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())

	first := &Participant{ID: "alice", ClientID: "c1"}
	if err := rm.Add(first, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !first.Host {
		t.Error("first joiner should be host")
	}

	second := &Participant{ID: "bob", ClientID: "c2"}
	if err := rm.Add(second, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if second.Host {
		t.Error("second joiner should not be host")
	}
}

func TestRoomCapacity(t *testing.T) {
	rm := NewRoom("room1", 2, zap.NewNop())

	for i := 0; i < 2; i++ {
		p := &Participant{ID: fmt.Sprintf("p%d", i), ClientID: fmt.Sprintf("c%d", i)}
		if err := rm.Add(p, nil); err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
	}

	err := rm.Add(&Participant{ID: "late", ClientID: "c9"}, nil)
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if rm.Size() != 2 {
		t.Errorf("size = %d, want 2", rm.Size())
	}
}

func TestRejoinReplacesStaleEntry(t *testing.T) {
	rm := NewRoom("room1", 1, zap.NewNop())

	if err := rm.Add(&Participant{ID: "alice", ClientID: "old"}, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	// Same participant on a fresh connection must not count against capacity.
	if err := rm.Add(&Participant{ID: "alice", ClientID: "new"}, nil); err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if rm.Size() != 1 {
		t.Errorf("size = %d, want 1", rm.Size())
	}

	clientID, ok := rm.ClientIDOf("alice")
	if !ok || clientID != "new" {
		t.Errorf("ClientIDOf = %q, %v, want new, true", clientID, ok)
	}
}

func TestHostMigratesToOldestRemaining(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())

	rm.Add(&Participant{ID: "host", ClientID: "c1"}, nil)
	time.Sleep(2 * time.Millisecond)
	rm.Add(&Participant{ID: "second", ClientID: "c2"}, nil)
	time.Sleep(2 * time.Millisecond)
	rm.Add(&Participant{ID: "third", ClientID: "c3"}, nil)

	var gotNewHost string
	empty, removed := rm.Remove("host", func(remaining []*Participant, newHostID string) {
		gotNewHost = newHostID
	})
	if empty || !removed {
		t.Fatalf("Remove = empty %v removed %v, want false true", empty, removed)
	}
	if gotNewHost != "second" {
		t.Errorf("new host = %q, want second", gotNewHost)
	}

	for _, info := range rm.Snapshot() {
		if info.ID == "second" && !info.Host {
			t.Error("oldest remaining participant should carry the host flag")
		}
	}
}

func TestNonHostLeaveKeepsHost(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())
	rm.Add(&Participant{ID: "host", ClientID: "c1"}, nil)
	rm.Add(&Participant{ID: "guest", ClientID: "c2"}, nil)

	var gotNewHost string
	rm.Remove("guest", func(remaining []*Participant, newHostID string) {
		gotNewHost = newHostID
	})
	if gotNewHost != "" {
		t.Errorf("new host = %q, want empty", gotNewHost)
	}
}

func TestRemoveAbsentParticipantIsNoop(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())
	rm.Add(&Participant{ID: "alice", ClientID: "c1"}, nil)

	notified := false
	_, removed := rm.Remove("ghost", func([]*Participant, string) {
		notified = true
	})
	if removed {
		t.Error("removing an absent participant should report removed=false")
	}
	if notified {
		t.Error("no notification expected for a no-op removal")
	}
	if rm.Size() != 1 {
		t.Errorf("size = %d, want 1", rm.Size())
	}
}

func TestLastLeaveEmptiesRoom(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())
	rm.Add(&Participant{ID: "alice", ClientID: "c1"}, nil)

	empty, removed := rm.Remove("alice", nil)
	if !empty || !removed {
		t.Fatalf("Remove = empty %v removed %v, want true true", empty, removed)
	}
	if !rm.IsEmpty() {
		t.Error("room should be empty")
	}
}

func TestSnapshotOrderedByJoinTime(t *testing.T) {
	rm := NewRoom("room1", 4, zap.NewNop())
	rm.Add(&Participant{ID: "zed", ClientID: "c1"}, nil)
	time.Sleep(2 * time.Millisecond)
	rm.Add(&Participant{ID: "amy", ClientID: "c2"}, nil)

	snap := rm.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].ID != "zed" || snap[1].ID != "amy" {
		t.Errorf("snapshot order = %s, %s; want zed, amy", snap[0].ID, snap[1].ID)
	}
}

func TestRemoteMembersCountAndMigrate(t *testing.T) {
	rm := NewRoom("room1", 3, zap.NewNop())

	// A mirrored member occupies the room before any local joins.
	if !rm.AddRemote(&Participant{ID: "remote-host", JoinedAt: time.Now().Add(-time.Minute), Host: true}) {
		t.Fatal("AddRemote should admit a new mirror")
	}
	if rm.AddRemote(&Participant{ID: "remote-host"}) {
		t.Error("mirroring the same member twice should be a no-op")
	}

	local := &Participant{ID: "alice", ClientID: "c1"}
	if err := rm.Add(local, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if local.Host {
		t.Error("local joiner must not become host of an occupied room")
	}

	// Capacity counts mirrored members too.
	if err := rm.Add(&Participant{ID: "bob", ClientID: "c2"}, nil); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := rm.Add(&Participant{ID: "late", ClientID: "c3"}, nil); !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if rm.Size() != 3 {
		t.Errorf("size = %d, want 3", rm.Size())
	}

	// Snapshot merges both sides, oldest first.
	snap := rm.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("snapshot = %d entries, want 3", len(snap))
	}
	if snap[0].ID != "remote-host" || !snap[0].Host {
		t.Errorf("oldest member = %+v, want the mirrored host first", snap[0])
	}

	// Host migration to a mirrored member arrives as an explicit assignment.
	if !rm.RemoveRemote("remote-host") {
		t.Fatal("RemoveRemote should drop the mirror")
	}
	rm.SetHost("alice")
	if !local.Host {
		t.Error("SetHost should move the role to alice")
	}

	// Only local members keep the room's bookkeeping alive.
	if rm.IsEmpty() {
		t.Error("room with local members is not empty")
	}
	if rm.HasRemote("alice") {
		t.Error("local members must not appear as mirrors")
	}
}
