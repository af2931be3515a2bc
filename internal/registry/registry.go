// Package registry is the single source of truth for live PTY sessions:
// a process-wide map keyed by output-project id, enforcing at most one
// live session per project, with replay buffering, idle eviction, and
// bound-connection routing.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentbridge/agentbridge/internal/ptyproc"
)

// ErrAlreadyExists is returned by Create when a live session already
// exists for the given project.
var ErrAlreadyExists = errors.New("registry: session already exists")

// ErrNotFound is returned by lookup-only operations.
var ErrNotFound = errors.New("registry: no live session")

// CommandSpec describes how to spawn the agent for a project, supplied
// by the milestone-coupling layer on first connect.
type CommandSpec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Rows    uint16
	Cols    uint16
}

// OutputSink receives output chunks for a bound connection. Implemented
// by the terminal orchestrator; kept minimal so registry never imports
// the websocket package (session owns the process, connection borrows).
type OutputSink interface {
	SessionOutput(chunk []byte)
}

// Session is one live child process + pty pair, registered under a
// single output_project_id. Replay buffers and the bound-connection
// pointer are owned here, never by the connection.
type Session struct {
	InternalID      string
	OutputProjectID string

	proc *ptyproc.Process

	mu             sync.Mutex
	replay         *ringBuffer
	lastActivityAt time.Time
	bound          OutputSink
	agentSessionID string

	taps []chan []byte

	fanoutDone chan struct{}
}

// Tap returns a channel fed a copy of each output chunk for the
// lifetime of the session, closed when the process's output ends. A
// chunk is dropped for a tap whose 64-chunk buffer is full, so the
// fanout never blocks on a slow or finished reader. Used by C3
// (session-id capture) and C7 (notification detection), each of which
// needs its own independent read of the same byte stream the replay
// buffer and bound connection already see.
func (s *Session) Tap() <-chan []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan []byte, 64)
	s.taps = append(s.taps, ch)
	return ch
}

// Process returns the underlying pty process for this session.
func (s *Session) Process() *ptyproc.Process { return s.proc }

// AgentSessionID returns the in-memory mirror of the persisted agent
// conversation id, or "" if none has been captured yet.
func (s *Session) AgentSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

// LastActivity returns the last time this session observed inbound or
// outbound traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// HasBoundConnection reports whether a connection is currently bound.
func (s *Session) HasBoundConnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound != nil
}

func (s *Session) touchLocked() {
	s.lastActivityAt = time.Now()
}

// fanout drains the process's output, appending every chunk to the
// replay buffer and, while a connection is bound, forwarding it there
// too. This runs once per session for its whole lifetime.
func (s *Session) fanout() {
	defer close(s.fanoutDone)
	for chunk := range s.proc.Output() {
		s.mu.Lock()
		s.replay.Push(chunk)
		s.touchLocked()
		sink := s.bound
		taps := s.taps
		s.mu.Unlock()

		if sink != nil {
			sink.SessionOutput(chunk)
		}
		for _, tap := range taps {
			select {
			case tap <- chunk:
			default:
			}
		}
	}

	s.mu.Lock()
	taps := s.taps
	s.taps = nil
	s.mu.Unlock()
	for _, tap := range taps {
		close(tap)
	}
}

// Registry holds live sessions under a single lock, per spec.md §9
// ("Global mutable state -> registry object").
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session

	idleTimeout time.Duration
	replayCap   int
	logger      *slog.Logger

	ticker      *time.Ticker
	janitorStop chan struct{}
	janitorDone chan struct{}
}

// New creates a registry. idleTimeout and replayCap come from
// internal/config; ctx bounds the janitor goroutine's lifetime.
func New(ctx context.Context, idleTimeout time.Duration, replayCap int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		sessions:    make(map[string]*Session),
		idleTimeout: idleTimeout,
		replayCap:   replayCap,
		logger:      logger,
		ticker:      time.NewTicker(idleTimeout / 4),
		janitorStop: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	go r.janitor(ctx)
	return r
}

// SetIdleTimeout updates the idle-eviction threshold on a live registry,
// reached from internal/config's fsnotify watcher so an on-disk edit
// takes effect without a restart. Already-ticking eviction scans pick up
// the new threshold on their next run; the ticker itself is rescheduled
// to match.
func (r *Registry) SetIdleTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleTimeout = d
	r.ticker.Reset(d / 4)
}

// SetReplayCap updates the replay-buffer capacity applied to sessions
// created from this point on. Sessions already live keep the buffer
// size they were created with — resizing a ring buffer in place would
// discard or reorder its backlog, which spec.md never asks for.
func (r *Registry) SetReplayCap(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replayCap = n
}

// GetByProject is a pure lookup; does not spawn.
func (r *Registry) GetByProject(projectID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[projectID]
	return s, ok
}

// Create spawns a new session for projectID via ptyproc. Fails with
// ErrAlreadyExists if one is already live.
func (r *Registry) Create(projectID string, spec CommandSpec) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(projectID, spec)
}

func (r *Registry) createLocked(projectID string, spec CommandSpec) (*Session, error) {
	if _, exists := r.sessions[projectID]; exists {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrAlreadyExists)
	}

	proc, err := ptyproc.Start(ptyproc.Spec{
		Command: spec.Command,
		Args:    spec.Args,
		Dir:     spec.Dir,
		Env:     spec.Env,
		Rows:    spec.Rows,
		Cols:    spec.Cols,
	}, r.logger)
	if err != nil {
		return nil, err
	}

	s := &Session{
		InternalID:      newInternalID(),
		OutputProjectID: projectID,
		proc:            proc,
		replay:          newRingBuffer(r.replayCap),
		lastActivityAt:  time.Now(),
		fanoutDone:      make(chan struct{}),
	}

	r.sessions[projectID] = s
	go s.fanout()
	go r.reapOnExit(s)

	return s, nil
}

// GetOrCreate atomically performs lookup-then-spawn under one critical
// section, so concurrent WebSocket connects for the same project never
// cause a double-spawn.
func (r *Registry) GetOrCreate(projectID string, spec CommandSpec) (sess *Session, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[projectID]; ok {
		return s, false, nil
	}

	s, err := r.createLocked(projectID, spec)
	if err != nil {
		return nil, false, err
	}
	return s, true, nil
}

// Replay returns the current contents of the replay buffer. Used once
// on reconnect before live streaming resumes.
func (r *Registry) Replay(projectID string) ([]byte, error) {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replay.Snapshot(), nil
}

// BindConnection registers sink as the live consumer of a session's
// output. Unbind with UnbindConnection on disconnect; the session
// itself persists.
func (r *Registry) BindConnection(s *Session, sink OutputSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound = sink
}

// UnbindConnection clears the bound sink if it is still the given one,
// so a stale unbind from a superseded connection can't clobber a newer bind.
func (r *Registry) UnbindConnection(s *Session, sink OutputSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound == sink {
		s.bound = nil
	}
}

// Touch updates last_activity_at. Called on every inbound or outbound byte.
func (r *Registry) Touch(projectID string) {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	s.touchLocked()
	s.mu.Unlock()
}

// RecordAgentSessionID stores id into the session's in-memory mirror.
// Returns true if this is the first id ever recorded for the session
// (callers use this to decide whether to advance status to "active").
func (r *Registry) RecordAgentSessionID(projectID, id string) (firstCapture bool, err error) {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agentSessionID != "" {
		return false, nil
	}
	s.agentSessionID = id
	return true, nil
}

// Shutdown closes the session via ptyproc and removes it from the registry.
func (r *Registry) Shutdown(projectID string) error {
	r.mu.Lock()
	s, ok := r.sessions[projectID]
	if ok {
		delete(r.sessions, projectID)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("project %s: %w", projectID, ErrNotFound)
	}
	return s.proc.Close()
}

// reapOnExit removes a session from the registry once its child exits,
// whether from natural exit or an explicit Shutdown-triggered Close.
func (r *Registry) reapOnExit(s *Session) {
	<-s.proc.Exited()
	<-s.fanoutDone

	r.mu.Lock()
	if cur, ok := r.sessions[s.OutputProjectID]; ok && cur == s {
		delete(r.sessions, s.OutputProjectID)
	}
	r.mu.Unlock()
}

// janitor periodically evicts sessions idle past idleTimeout with no
// bound connection.
func (r *Registry) janitor(ctx context.Context) {
	defer close(r.janitorDone)
	defer r.ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.janitorStop:
			return
		case <-r.ticker.C:
			r.evictIdle()
		}
	}
}

func (r *Registry) evictIdle() {
	now := time.Now()

	r.mu.Lock()
	idleTimeout := r.idleTimeout
	var stale []*Session
	for _, s := range r.sessions {
		s.mu.Lock()
		idle := s.bound == nil && now.Sub(s.lastActivityAt) >= idleTimeout
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.logger.Info("evicting idle session", "output_project_id", s.OutputProjectID)
		if err := r.Shutdown(s.OutputProjectID); err != nil && !errors.Is(err, ErrNotFound) {
			r.logger.Warn("idle eviction close failed", "output_project_id", s.OutputProjectID, "error", err)
		}
	}
}

// SessionSnapshot is a point-in-time view of one live session, for
// introspection endpoints that should not leak the underlying process
// handle.
type SessionSnapshot struct {
	OutputProjectID string
	IdleSeconds     float64
	BoundConnection bool
	ReplayTail      []byte
}

// Snapshot returns a point-in-time view of every live session. ReplayTail
// is the same bytes Replay would return for that project — the ops
// dashboard (cmd/agentbridgectl) feeds it through internal/vt100 to
// render a scrollback preview without opening a WebSocket of its own.
func (r *Registry) Snapshot() []SessionSnapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	now := time.Now()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, SessionSnapshot{
			OutputProjectID: s.OutputProjectID,
			IdleSeconds:     now.Sub(s.lastActivityAt).Seconds(),
			BoundConnection: s.bound != nil,
			ReplayTail:      s.replay.Snapshot(),
		})
		s.mu.Unlock()
	}
	return out
}

// Close stops the janitor goroutine. Live sessions are left running.
func (r *Registry) Close() {
	close(r.janitorStop)
	<-r.janitorDone
}
