// Package registry holds the pipes loaded by in-flight orchestrations.
//
// Every load happens inside a session. Sessions are isolated from each other:
// two sessions may hold the same pipe code, and removing a blueprint from one
// session never touches another. Mutations are serialized by a single
// RWMutex; no lock is held while callers parse, validate or execute.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/Pipelex/pipelex-api/internal/core/domain"
	"github.com/Pipelex/pipelex-api/internal/core/ports"
)

const (
	// DefaultClosedRetention is how long a closed session is remembered so
	// late callers get SessionClosedError rather than NotFoundError.
	DefaultClosedRetention = 10 * time.Minute
)

var _ ports.PipeRegistry = (*Registry)(nil)

// Registry is a concurrency-safe, session-scoped pipe registry.
type Registry struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*session
	seq      uint64

	closed      *gocache.Cache
	maxSessions int
	now         func() time.Time
	logger      *slog.Logger
}

type session struct {
	id       domain.SessionID
	openedAt time.Time
	pipes    map[string]*entry
}

type entry struct {
	pipe   *domain.Pipe
	source *domain.Blueprint
	seq    uint64
}

// Option configures a Registry.
type Option func(*Registry)

// WithMaxSessions caps the number of simultaneously open sessions. Zero means
// unlimited.
func WithMaxSessions(n int) Option {
	return func(r *Registry) { r.maxSessions = n }
}

// WithClosedRetention sets how long closed sessions are remembered.
// Non-positive values keep the default.
func WithClosedRetention(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.closed = gocache.New(d, 2*d)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[domain.SessionID]*session),
		closed:   gocache.New(DefaultClosedRetention, 2*DefaultClosedRetention),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// OpenSession creates a new isolated session.
func (r *Registry) OpenSession() (domain.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return "", domain.Errorf(domain.KindRegistration, "open_session",
			"session limit reached (%d open)", len(r.sessions))
	}

	id := domain.SessionID(uuid.NewString())
	r.sessions[id] = &session{
		id:       id,
		openedAt: r.now(),
		pipes:    make(map[string]*entry),
	}

	r.logger.Debug("session opened", slog.String("session_id", id.String()))
	return id, nil
}

// Load registers every pipe of bp into the session. The load is atomic: on a
// code collision nothing is registered. Returned pipes are unvalidated copies
// in definition order.
func (r *Registry) Load(id domain.SessionID, bp *domain.Blueprint) ([]*domain.Pipe, error) {
	if bp == nil {
		return nil, domain.Errorf(domain.KindRegistration, "load", "nil blueprint")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.sessionLocked("load", id)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(bp.Pipes))
	for _, def := range bp.Pipes {
		if _, dup := seen[def.Code]; dup {
			return nil, domain.Errorf(domain.KindRegistration, "load",
				"pipe code defined twice in blueprint").WithPipe(def.Code).WithSession(id)
		}
		seen[def.Code] = struct{}{}
		if _, exists := s.pipes[def.Code]; exists {
			return nil, domain.Errorf(domain.KindRegistration, "load",
				"pipe code already registered in session").WithPipe(def.Code).WithSession(id)
		}
	}

	loadedAt := r.now()
	out := make([]*domain.Pipe, 0, len(bp.Pipes))
	for _, def := range bp.Pipes {
		r.seq++
		p := &domain.Pipe{
			Code:       def.Code,
			SessionID:  id,
			Domain:     bp.Domain,
			Definition: def,
			Concepts:   bp.Concepts,
			State:      domain.Unvalidated,
			LoadedAt:   loadedAt,
		}
		p = p.Clone()
		s.pipes[def.Code] = &entry{pipe: p, source: bp, seq: r.seq}
		out = append(out, p.Clone())
	}

	r.logger.Debug("blueprint loaded",
		slog.String("session_id", id.String()),
		slog.Int("pipes", len(out)))
	return out, nil
}

// Remove unregisters exactly the pipes bp contributed to the session. Calling
// it again, or for a blueprint that was never loaded, is a no-op.
func (r *Registry) Remove(id domain.SessionID, bp *domain.Blueprint) error {
	if bp == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.sessionLocked("remove", id)
	if err != nil {
		return err
	}

	removed := 0
	for _, def := range bp.Pipes {
		e, ok := s.pipes[def.Code]
		if !ok || e.source != bp {
			continue
		}
		delete(s.pipes, def.Code)
		removed++
	}

	if removed > 0 {
		r.logger.Debug("blueprint removed",
			slog.String("session_id", id.String()),
			slog.Int("pipes", removed))
	}
	return nil
}

// CloseSession forgets the session's pipes and marks it closed. Closing an
// already closed session is a no-op.
func (r *Registry) CloseSession(id domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		if _, closed := r.closed.Get(string(id)); closed {
			return nil
		}
		return domain.Errorf(domain.KindNotFound, "close_session", "unknown session %s", id)
	}

	delete(r.sessions, id)
	closedAt := r.now()
	r.closed.SetDefault(string(id), domain.SessionInfo{
		ID:        id,
		Status:    domain.SessionClosed,
		PipeCodes: []string{},
		OpenedAt:  s.openedAt,
		ClosedAt:  &closedAt,
	})

	r.logger.Debug("session closed",
		slog.String("session_id", id.String()),
		slog.Int("dropped_pipes", len(s.pipes)))
	return nil
}

// GetRequired resolves code across all open sessions. When several sessions
// hold the code, the most recently loaded instance wins.
func (r *Registry) GetRequired(code string) (*domain.Pipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *entry
	for _, s := range r.sessions {
		if e, ok := s.pipes[code]; ok && (best == nil || e.seq > best.seq) {
			best = e
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound(code)
	}
	return best.pipe.Clone(), nil
}

// Lookup resolves code inside one session.
func (r *Registry) Lookup(id domain.SessionID, code string) (*domain.Pipe, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.sessionLocked("lookup", id)
	if err != nil {
		return nil, err
	}
	e, ok := s.pipes[code]
	if !ok {
		return nil, domain.ErrNotFound(code).WithSession(id)
	}
	return e.pipe.Clone(), nil
}

// SetState records the validation outcome of a pipe.
func (r *Registry) SetState(id domain.SessionID, code string, state domain.ValidationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.sessionLocked("set_state", id)
	if err != nil {
		return err
	}
	e, ok := s.pipes[code]
	if !ok {
		return domain.ErrNotFound(code).WithSession(id)
	}
	e.pipe.State = state
	return nil
}

// PipeCodes returns the sorted codes registered in the session.
func (r *Registry) PipeCodes(id domain.SessionID) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.sessionLocked("pipe_codes", id)
	if err != nil {
		return nil, err
	}
	return s.codes(), nil
}

// Session returns a view of one session, open or recently closed.
func (r *Registry) Session(id domain.SessionID) (domain.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s, ok := r.sessions[id]; ok {
		return s.info(), nil
	}
	if v, ok := r.closed.Get(string(id)); ok {
		return v.(domain.SessionInfo), nil
	}
	return domain.SessionInfo{}, domain.Errorf(domain.KindNotFound, "session", "unknown session %s", id)
}

// Snapshot returns every open session, oldest first.
func (r *Registry) Snapshot() []domain.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Stats summarizes registry occupancy.
type Stats struct {
	OpenSessions int    `json:"open_sessions"`
	Pipes        int    `json:"pipes"`
	Loads        uint64 `json:"loads"`
}

// Stats returns current occupancy counters.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{OpenSessions: len(r.sessions), Loads: r.seq}
	for _, s := range r.sessions {
		st.Pipes += len(s.pipes)
	}
	return st
}

func (r *Registry) sessionLocked(op string, id domain.SessionID) (*session, error) {
	if s, ok := r.sessions[id]; ok {
		return s, nil
	}
	if _, closed := r.closed.Get(string(id)); closed {
		return nil, domain.ErrSessionClosed(op, id)
	}
	return nil, domain.NewError(domain.KindNotFound, op, fmt.Errorf("unknown session %s", id)).WithSession(id)
}

func (s *session) codes() []string {
	codes := make([]string, 0, len(s.pipes))
	for code := range s.pipes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (s *session) info() domain.SessionInfo {
	return domain.SessionInfo{
		ID:        s.id,
		Status:    domain.SessionOpen,
		PipeCodes: s.codes(),
		OpenedAt:  s.openedAt,
	}
}
