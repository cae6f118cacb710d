// Package session provides the server-side registry of streaming
// sessions: an append-only event log per session with monotonic
// sequence numbers, a bounded retained buffer, and time-based eviction.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/arture/agentstream/internal/event"
	"github.com/arture/agentstream/internal/logging"
	"github.com/arture/agentstream/pkg/types"
)

var (
	// ErrNotFound is returned when a session id is unknown.
	ErrNotFound = errors.New("session not found")
	// ErrTerminal is returned for writes against a completed, errored,
	// or timed-out session.
	ErrTerminal = errors.New("session is terminal")
)

// entry is the mutable server-side state of one session. The embedded
// counter keeps assigning sequence numbers after the retained event
// buffer is trimmed.
type entry struct {
	session    types.Session
	eventCount int64
}

// Store is the in-memory session registry. One writer per session (the
// decode pipeline) mutates it; any number of readers (recovery, status
// polling) take consistent snapshots without blocking the writer for
// long, via copy-out under a read-write mutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	bus        *event.Bus
	bufferSize int
}

// NewStore creates a session store publishing appended events on bus.
// bufferSize bounds the retained event slice per session; zero or
// negative falls back to the default.
func NewStore(bus *event.Bus, bufferSize int) *Store {
	if bufferSize <= 0 {
		bufferSize = types.DefaultSessionConfig().BufferSize
	}
	return &Store{
		sessions:   make(map[string]*entry),
		bus:        bus,
		bufferSize: bufferSize,
	}
}

// GenerateSessionID returns a new sess_-prefixed ulid.
func GenerateSessionID() string {
	return "sess_" + ulid.Make().String()
}

// GenerateEventID returns a new evt_-prefixed ulid.
func GenerateEventID() string {
	return "evt_" + ulid.Make().String()
}

// touch bumps lastActivityAt, keeping it monotonically non-decreasing.
func touch(meta *types.SessionMetadata) {
	now := time.Now().UnixMilli()
	if now > meta.LastActivityAt {
		meta.LastActivityAt = now
	}
}

// Create registers a new session owned by userID, optionally correlated
// to a conversation and project.
func (s *Store) Create(userID, conversationID, projectID string) types.Session {
	now := time.Now().UnixMilli()
	sess := types.Session{
		ID:    GenerateSessionID(),
		State: types.SessionCreated,
		Metadata: types.SessionMetadata{
			UserID:         userID,
			ConversationID: conversationID,
			ProjectID:      projectID,
			StartedAt:      now,
			LastActivityAt: now,
		},
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &entry{session: sess}
	s.mu.Unlock()

	logging.Debug().Str("sessionId", sess.ID).Str("userId", userID).Msg("session created")
	return sess
}

// Get returns a consistent snapshot of a session.
func (s *Store) Get(id string) (types.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.sessions[id]
	if !ok {
		return types.Session{}, ErrNotFound
	}
	return cloneSession(&ent.session), nil
}

// SetState transitions a session. Transitions out of a terminal state
// are rejected; the optional error string is recorded on the session.
func (s *Store) SetState(id string, state types.SessionState, errMsg string) error {
	s.mu.Lock()
	ent, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if ent.session.State.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("set state %s: %w", state, ErrTerminal)
	}

	ent.session.State = state
	if errMsg != "" {
		ent.session.Error = errMsg
	}
	touch(&ent.session.Metadata)
	s.mu.Unlock()

	s.bus.Publish(event.Event{
		Type: event.SessionStateChanged,
		Data: event.SessionStateChangedData{SessionID: id, State: state, Error: errMsg},
	})
	return nil
}

// SetModel records the upstream model serving this session.
func (s *Store) SetModel(id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	ent.session.Metadata.Model = model
	touch(&ent.session.Metadata)
	return nil
}

// AppendEvent appends a typed event to the session log and publishes it
// on the bus. The assigned sequence equals the count of events ever
// appended, so sequences stay strictly increasing even after the
// retained buffer is trimmed.
func (s *Store) AppendEvent(id string, eventType types.EventType, data any) (types.StreamEvent, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return types.StreamEvent{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	s.mu.Lock()
	ent, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return types.StreamEvent{}, ErrNotFound
	}
	if ent.session.State.Terminal() {
		s.mu.Unlock()
		return types.StreamEvent{}, fmt.Errorf("append %s: %w", eventType, ErrTerminal)
	}

	evt := types.StreamEvent{
		ID:        GenerateEventID(),
		Type:      eventType,
		SessionID: id,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  ent.eventCount,
		Data:      payload,
	}
	ent.eventCount++
	ent.session.Events = append(ent.session.Events, evt)
	if len(ent.session.Events) > s.bufferSize {
		// Trim oldest; the logical counter is untouched.
		ent.session.Events = ent.session.Events[len(ent.session.Events)-s.bufferSize:]
	}
	touch(&ent.session.Metadata)
	s.mu.Unlock()

	s.bus.Publish(event.Event{
		Type: event.StreamAppended,
		Data: event.StreamAppendedData{Event: evt},
	})
	return evt, nil
}

// AppendMessage appends decoded message text to the session.
func (s *Store) AppendMessage(id, chunk string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if ent.session.State.Terminal() {
		return fmt.Errorf("append message: %w", ErrTerminal)
	}
	ent.session.CurrentMessage += chunk
	touch(&ent.session.Metadata)
	return nil
}

// SetMessage replaces the accumulated message. Used when the decode
// pipeline emits a non-partial (corrected) message.
func (s *Store) SetMessage(id, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if ent.session.State.Terminal() {
		return fmt.Errorf("set message: %w", ErrTerminal)
	}
	ent.session.CurrentMessage = message
	touch(&ent.session.Metadata)
	return nil
}

// AddAction appends an action, de-duplicated by id.
func (s *Store) AddAction(id string, action types.Action) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if ent.session.State.Terminal() {
		return fmt.Errorf("add action: %w", ErrTerminal)
	}
	for _, existing := range ent.session.Actions {
		if existing.ID == action.ID {
			return nil
		}
	}
	ent.session.Actions = append(ent.session.Actions, action)
	touch(&ent.session.Metadata)
	return nil
}

// UpdateActionStatus updates the status of a previously added action.
// The action's type never changes.
func (s *Store) UpdateActionStatus(id, actionID string, status types.ActionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	for i := range ent.session.Actions {
		if ent.session.Actions[i].ID == actionID {
			ent.session.Actions[i].Status = status
			touch(&ent.session.Metadata)
			return nil
		}
	}
	return fmt.Errorf("action %s: %w", actionID, ErrNotFound)
}

// EventsSince returns retained events with sequence > since, in order.
// gap reports that older events were trimmed away, i.e. the caller's
// next expected sequence is no longer retained and a delta replay would
// skip history; the caller should re-fetch the full snapshot instead.
func (s *Store) EventsSince(id string, since int64) (events []types.StreamEvent, gap bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.sessions[id]
	if !ok {
		return nil, false, ErrNotFound
	}

	if len(ent.session.Events) > 0 {
		oldest := ent.session.Events[0].Sequence
		if since+1 < oldest {
			gap = true
		}
	} else if ent.eventCount > 0 && since+1 < ent.eventCount {
		gap = true
	}

	for _, evt := range ent.session.Events {
		if evt.Sequence > since {
			events = append(events, evt)
		}
	}
	return events, gap, nil
}

// EvictStale removes sessions whose lastActivityAt is older than
// maxAge. Sessions being actively written are touched on every
// mutation, so the sweep never removes one mid-stream. Returns the
// number evicted.
func (s *Store) EvictStale(maxAge time.Duration) int {
	cutoff := time.Now().UnixMilli() - maxAge.Milliseconds()

	s.mu.Lock()
	var evicted []string
	for id, ent := range s.sessions {
		if ent.session.Metadata.LastActivityAt < cutoff {
			delete(s.sessions, id)
			evicted = append(evicted, id)
		}
	}
	s.mu.Unlock()

	for _, id := range evicted {
		s.bus.PublishAsync(event.Event{
			Type: event.SessionEvicted,
			Data: event.SessionEvictedData{SessionID: id},
		})
	}
	if len(evicted) > 0 {
		logging.Debug().Int("count", len(evicted)).Msg("evicted stale sessions")
	}
	return len(evicted)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// cloneSession deep-copies the slices so readers hold a stable snapshot
// while the writer keeps appending.
func cloneSession(sess *types.Session) types.Session {
	out := *sess
	out.Events = append([]types.StreamEvent(nil), sess.Events...)
	out.Actions = append([]types.Action(nil), sess.Actions...)
	return out
}
