package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/voxmesh/voxmesh/internals/signaling"
	"go.uber.org/zap"
)

var (
	ErrRoomFull     = errors.New("room is full")
	ErrRoomNotFound = errors.New("room not found")
)

// Participant is a relay-side roster entry. ClientID ties it to the hub
// connection currently serving this participant.
type Participant struct {
	ID          string
	DisplayName string
	ClientID    string
	JoinedAt    time.Time
	Host        bool
}

// Room is the authoritative membership set for one room ID. The relay holds
// no media and no history; a room is only its roster. Participants served by
// this instance live in participants; members mirrored from other instances
// over the pub/sub bus live in remote and carry no ClientID.
type Room struct {
	ID        string
	CreatedAt time.Time

	maxParticipants int

	mu           sync.RWMutex
	participants map[string]*Participant
	remote       map[string]*Participant
	hostID       string

	logger *zap.Logger
}

func NewRoom(id string, maxParticipants int, logger *zap.Logger) *Room {
	return &Room{
		ID:              id,
		CreatedAt:       time.Now(),
		maxParticipants: maxParticipants,
		participants:    make(map[string]*Participant),
		remote:          make(map[string]*Participant),
		logger:          logger,
	}
}

// Add admits a participant. The first joiner becomes host. A rejoin under an
// existing participant ID replaces the stale entry in place instead of
// counting against capacity. notify runs while the roster lock is held so the
// user-joined broadcast cannot interleave with another join or leave on the
// same room.
func (r *Room) Add(p *Participant, notify func(existing []*Participant)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.participants[p.ID]; ok {
		existing.ClientID = p.ClientID
		existing.DisplayName = p.DisplayName
		r.logger.Info("Participant rejoined, replacing stale entry",
			zap.String("roomID", r.ID),
			zap.String("participantID", p.ID),
		)
		return nil
	}

	// A participant moving to this instance stops being a remote mirror.
	delete(r.remote, p.ID)

	if r.maxParticipants > 0 && len(r.participants)+len(r.remote) >= r.maxParticipants {
		return ErrRoomFull
	}

	if len(r.participants) == 0 && len(r.remote) == 0 {
		p.Host = true
		r.hostID = p.ID
	}
	p.JoinedAt = time.Now()
	r.participants[p.ID] = p

	r.logger.Info("Participant joined room",
		zap.String("roomID", r.ID),
		zap.String("participantID", p.ID),
		zap.String("displayName", p.DisplayName),
		zap.Int("participantCount", len(r.participants)),
	)

	if notify != nil {
		notify(r.othersLocked(p.ID))
	}

	return nil
}

// Remove drops a participant. When the host leaves, the oldest remaining
// participant inherits the role. Removing an absent participant is a no-op.
// notify runs under the roster lock, mirroring Add.
func (r *Room) Remove(participantID string, notify func(remaining []*Participant, newHostID string)) (empty, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[participantID]; !ok {
		return len(r.participants) == 0, false
	}

	delete(r.participants, participantID)

	newHostID := ""
	if r.hostID == participantID {
		r.hostID = ""
		var oldest *Participant
		for _, p := range r.participants {
			if oldest == nil || p.JoinedAt.Before(oldest.JoinedAt) {
				oldest = p
			}
		}
		// Remote members are host candidates too; the oldest member of the
		// whole room inherits regardless of which instance serves it.
		for _, p := range r.remote {
			if oldest == nil || p.JoinedAt.Before(oldest.JoinedAt) {
				oldest = p
			}
		}
		if oldest != nil {
			oldest.Host = true
			r.hostID = oldest.ID
			newHostID = oldest.ID
		}
	}

	r.logger.Info("Participant left room",
		zap.String("roomID", r.ID),
		zap.String("participantID", participantID),
		zap.Int("participantCount", len(r.participants)),
	)

	if notify != nil {
		notify(r.othersLocked(participantID), newHostID)
	}

	return len(r.participants) == 0, true
}

func (r *Room) othersLocked(excludeID string) []*Participant {
	others := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		if p.ID != excludeID {
			others = append(others, p)
		}
	}
	return others
}

// AddRemote mirrors a member that another instance serves. A participant this
// instance already serves locally is never shadowed, and mirroring the same
// member twice is a no-op.
func (r *Room) AddRemote(p *Participant) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[p.ID]; ok {
		return false
	}
	if _, ok := r.remote[p.ID]; ok {
		return false
	}

	r.remote[p.ID] = p
	if p.Host {
		r.hostID = p.ID
	}

	r.logger.Info("Remote participant mirrored",
		zap.String("roomID", r.ID),
		zap.String("participantID", p.ID),
	)
	return true
}

// RemoveRemote drops a mirrored member. Locally served participants are
// untouched: a stale leave announcement for a participant that moved to this
// instance must not evict it.
func (r *Room) RemoveRemote(participantID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.remote[participantID]; !ok {
		return false
	}
	delete(r.remote, participantID)
	return true
}

// HasRemote reports whether a participant is mirrored from another instance.
func (r *Room) HasRemote(participantID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.remote[participantID]
	return ok
}

// SetHost moves the host flag to the given member, wherever it lives.
func (r *Room) SetHost(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.participants {
		p.Host = p.ID == participantID
	}
	for _, p := range r.remote {
		p.Host = p.ID == participantID
	}
	r.hostID = participantID
}

// Locals returns the participants served by this instance.
func (r *Room) Locals() []*Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	locals := make([]*Participant, 0, len(r.participants))
	for _, p := range r.participants {
		locals = append(locals, p)
	}
	return locals
}

// MemberInfo returns the wire-level view of a local participant.
func (r *Room) MemberInfo(participantID string) (signaling.ParticipantInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[participantID]
	if !ok {
		return signaling.ParticipantInfo{}, false
	}
	return signaling.ParticipantInfo{
		ID:          p.ID,
		DisplayName: p.DisplayName,
		Host:        p.Host,
		JoinedAt:    p.JoinedAt,
	}, true
}

// ClientIDOf resolves the hub connection serving a participant.
func (r *Room) ClientIDOf(participantID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.participants[participantID]
	if !ok {
		return "", false
	}
	return p.ClientID, true
}

// Snapshot returns the full roster, local and mirrored, ordered by join time
// for the room-state reply.
func (r *Room) Snapshot() []signaling.ParticipantInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]signaling.ParticipantInfo, 0, len(r.participants)+len(r.remote))
	for _, p := range r.participants {
		infos = append(infos, signaling.ParticipantInfo{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Host:        p.Host,
			JoinedAt:    p.JoinedAt,
		})
	}
	for _, p := range r.remote {
		infos = append(infos, signaling.ParticipantInfo{
			ID:          p.ID,
			DisplayName: p.DisplayName,
			Host:        p.Host,
			JoinedAt:    p.JoinedAt,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].JoinedAt.Equal(infos[j].JoinedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].JoinedAt.Before(infos[j].JoinedAt)
	})
	return infos
}

// Size counts every member of the room, local and mirrored.
func (r *Room) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) + len(r.remote)
}

// IsEmpty reports whether this instance serves anyone in the room. A room
// holding only mirrored members does not need local bookkeeping.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants) == 0
}
