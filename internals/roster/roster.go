package roster

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Participant is one entry in the locally observed roster. The local
// participant's media flags are authoritative; remote flags are advisory,
// derived from received state events.
type Participant struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName"`
	Host        bool      `json:"host"`
	JoinedAt    time.Time `json:"joinedAt"`

	AudioEnabled  bool `json:"audioEnabled"`
	VideoEnabled  bool `json:"videoEnabled"`
	ScreenSharing bool `json:"screenSharing"`
	Speaking      bool `json:"speaking"`

	// Degraded marks a participant whose peer connection failed terminally.
	// Only an explicit leave removes them from the roster.
	Degraded bool `json:"degraded"`
}

type EventKind string

const (
	EventJoined  EventKind = "joined"
	EventLeft    EventKind = "left"
	EventUpdated EventKind = "updated"
)

type Event struct {
	Kind        EventKind
	Participant Participant
}

// Roster reduces relay broadcasts, local actions, and connection state
// changes into one canonical participant list. It never performs I/O: every
// Apply* call works on already-received events, and OnChange fires
// synchronously from the applying goroutine.
type Roster struct {
	localID string

	mu   sync.RWMutex
	byID map[string]*Participant

	logger *zap.Logger

	OnChange func(Event)
}

func New(localID string, logger *zap.Logger) *Roster {
	return &Roster{
		localID: localID,
		byID:    make(map[string]*Participant),
		logger:  logger,
	}
}

// ApplyJoined inserts a participant with default flags. Duplicate events
// update the display name and host flag in place.
func (r *Roster) ApplyJoined(id, displayName string, host bool) {
	r.mu.Lock()
	p, exists := r.byID[id]
	if exists {
		p.DisplayName = displayName
		p.Host = host
	} else {
		p = &Participant{
			ID:           id,
			DisplayName:  displayName,
			Host:         host,
			JoinedAt:     time.Now(),
			AudioEnabled: true,
			VideoEnabled: true,
		}
		r.byID[id] = p
	}
	snapshot := *p
	r.mu.Unlock()

	kind := EventJoined
	if exists {
		kind = EventUpdated
	}
	r.emit(Event{Kind: kind, Participant: snapshot})
}

// ApplyLeft removes a participant and everything keyed by its ID. Removing an
// absent participant is a no-op: a late user-left for someone never seen (or
// already removed) must be harmless.
func (r *Roster) ApplyLeft(id string) {
	r.mu.Lock()
	p, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	snapshot := *p
	delete(r.byID, id)
	r.mu.Unlock()

	r.emit(Event{Kind: EventLeft, Participant: snapshot})
}

// ApplyHostChange transfers the host flag after the previous host left.
func (r *Roster) ApplyHostChange(newHostID string) {
	if newHostID == "" {
		return
	}
	r.mu.Lock()
	p, exists := r.byID[newHostID]
	if !exists {
		r.mu.Unlock()
		return
	}
	p.Host = true
	snapshot := *p
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Participant: snapshot})
}

// ApplyMediaState patches the named participant's media flags. Unknown IDs
// are ignored: the participant departed before the state event arrived.
func (r *Roster) ApplyMediaState(id string, audio, video, screen bool) {
	r.mu.Lock()
	p, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		r.logger.Debug("Ignoring media state for unknown participant",
			zap.String("participantID", id),
		)
		return
	}
	p.AudioEnabled = audio
	p.VideoEnabled = video
	p.ScreenSharing = screen
	snapshot := *p
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Participant: snapshot})
}

// ApplySpeaking patches the speaking flag; unknown IDs are ignored.
func (r *Roster) ApplySpeaking(id string, speaking bool) {
	r.mu.Lock()
	p, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	if p.Speaking == speaking {
		r.mu.Unlock()
		return
	}
	p.Speaking = speaking
	snapshot := *p
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Participant: snapshot})
}

// MarkDegraded flags a participant whose connection failed terminally.
func (r *Roster) MarkDegraded(id string, degraded bool) {
	r.mu.Lock()
	p, exists := r.byID[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	p.Degraded = degraded
	snapshot := *p
	r.mu.Unlock()

	r.emit(Event{Kind: EventUpdated, Participant: snapshot})
}

// Get returns a copy of one participant.
func (r *Roster) Get(id string) (Participant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Contains reports membership.
func (r *Roster) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byID[id]
	return ok
}

// Snapshot returns the roster ordered by join time (ID as tiebreak).
func (r *Roster) Snapshot() []Participant {
	r.mu.RLock()
	out := make([]Participant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// IDs returns the current participant ID set.
func (r *Roster) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Roster) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *Roster) LocalID() string {
	return r.localID
}

func (r *Roster) emit(ev Event) {
	if r.OnChange != nil {
		r.OnChange(ev)
	}
}
