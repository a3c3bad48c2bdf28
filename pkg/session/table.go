package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"speechrnt-accel/pkg/errors"
	"speechrnt-accel/pkg/model"
	"speechrnt-accel/pkg/stream"
)

// Info is a snapshot of one translation session.
type Info struct {
	ID           string    `json:"id"`
	Pair         string    `json:"pair"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	Translations uint64    `json:"translations"`
	Accumulated  string    `json:"accumulated"`
}

// Resources holds the handles a session owned, returned on teardown so the
// caller can give them back to their pools.
type Resources struct {
	ID     string
	Model  model.Handle
	Stream stream.Handle
}

type session struct {
	id           string
	pair         string
	mh           model.Handle
	sh           stream.Handle
	createdAt    time.Time
	lastActive   time.Time
	translations uint64
	accumulated  strings.Builder
}

// Table tracks live translation sessions. Each session pins one model and
// holds at most one leased stream for its lifetime.
type Table struct {
	logger *log.Logger

	mu       sync.Mutex
	sessions map[string]*session

	now func() time.Time
}

// NewTable returns an empty session table.
func NewTable(logger *log.Logger) *Table {
	return &Table{
		logger:   logger,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// Start registers a new session bound to the given model and stream.
func (t *Table) Start(id, pair string, mh model.Handle, sh stream.Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[id]; ok {
		return fmt.Errorf("session %s: %w", id, errors.ErrDuplicateSession)
	}

	now := t.now()
	t.sessions[id] = &session{
		id:         id,
		pair:       pair,
		mh:         mh,
		sh:         sh,
		createdAt:  now,
		lastActive: now,
	}

	t.logger.Debugf("Started session %s (%s)", id, pair)

	return nil
}

// Append records one translated utterance against the session and returns
// the updated accumulation together with the session's handles.
func (t *Table) Append(id, text string) (string, model.Handle, stream.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return "", model.Handle{}, stream.None, fmt.Errorf("session %s: %w", id, errors.ErrNoSuchSession)
	}

	// Chunks are appended verbatim; callers carry their own whitespace.
	s.accumulated.WriteString(text)
	s.lastActive = t.now()
	s.translations++

	return s.accumulated.String(), s.mh, s.sh, nil
}

// Handles returns the model and stream of a live session without mutating it.
func (t *Table) Handles(id string) (model.Handle, stream.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return model.Handle{}, stream.None, fmt.Errorf("session %s: %w", id, errors.ErrNoSuchSession)
	}

	return s.mh, s.sh, nil
}

// Touch bumps the session's last-active time.
func (t *Table) Touch(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sessions[id]; ok {
		s.lastActive = t.now()
	}
}

// Get returns a snapshot of the session.
func (t *Table) Get(id string) (Info, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("session %s: %w", id, errors.ErrNoSuchSession)
	}

	return snapshot(s), nil
}

// List returns snapshots of all live sessions.
func (t *Table) List() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Info, 0, len(t.sessions))
	for _, s := range t.sessions {
		out = append(out, snapshot(s))
	}

	return out
}

// End removes the session and returns its resources. Ending a session that
// does not exist is a no-op.
func (t *Table) End(id string) (Resources, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.sessions[id]
	if !ok {
		return Resources{}, false
	}

	delete(t.sessions, id)
	t.logger.Debugf("Ended session %s after %d translations", id, s.translations)

	return Resources{ID: id, Model: s.mh, Stream: s.sh}, true
}

// Sweep removes sessions idle longer than maxIdle and returns their
// resources for release.
func (t *Table) Sweep(maxIdle time.Duration) []Resources {
	cutoff := t.now().Add(-maxIdle)

	t.mu.Lock()
	var expired []Resources
	for id, s := range t.sessions {
		if !s.lastActive.After(cutoff) {
			expired = append(expired, Resources{ID: id, Model: s.mh, Stream: s.sh})
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, r := range expired {
		t.logger.Infof("Expired idle session %s", r.ID)
	}

	return expired
}

// InvalidateAll drops every session and returns their resources. Used by
// device reset, where the streams they reference no longer exist.
func (t *Table) InvalidateAll() []Resources {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Resources, 0, len(t.sessions))
	for id, s := range t.sessions {
		out = append(out, Resources{ID: id, Model: s.mh, Stream: s.sh})
		delete(t.sessions, id)
	}

	return out
}

// Count returns the number of live sessions.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.sessions)
}

func snapshot(s *session) Info {
	return Info{
		ID:           s.id,
		Pair:         s.pair,
		CreatedAt:    s.createdAt,
		LastActive:   s.lastActive,
		Translations: s.translations,
		Accumulated:  s.accumulated.String(),
	}
}
