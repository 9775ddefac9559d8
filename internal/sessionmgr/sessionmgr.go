// Package sessionmgr implements the Session Manager: session lifecycle,
// tunnel fan-out, idle reaping, and traffic-counter synchronisation.
package sessionmgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tunnelcore/tunnelcore/internal/model"
	"github.com/tunnelcore/tunnelcore/internal/sessionevents"
	"github.com/tunnelcore/tunnelcore/internal/tunnelengine"
	"github.com/tunnelcore/tunnelcore/internal/xerrors"
)

// defaultReapInterval is the idle reaper's cadence; tests override it via
// NewWithReapInterval to avoid a 60-second wait.
const defaultReapInterval = 60 * time.Second

// Transport is the subset of the SSH Transport Adapter the session manager
// itself needs, beyond what the Tunnel Engine already requires.
type Transport interface {
	tunnelengine.Transport
	Disconnect() error
}

// Session is the live state behind one authenticated transport: the
// definition it was created from, its tunnel handles, and its aggregate
// traffic counters. Mutated only by the Manager.
type Session struct {
	ID            string
	Definition    model.ConnectionDefinition
	CreatedAt     time.Time
	LastActivity  time.Time
	BytesSent     int64
	BytesReceived int64

	transport Transport
	engine    *tunnelengine.Engine
	tunnels   []*tunnelengine.Handle

	lastSyncTotal int64 // sum of all tunnel totals as of the previous sync, for implicit-activity detection
}

// Manager owns the session table behind a single reader-writer lock, plus
// the background idle reaper.
type Manager struct {
	mu           sync.RWMutex
	sessions     map[string]*Session
	events       *sessionevents.Recorder
	reapInterval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a manager with the default 60-second reap cadence and starts
// its background reaper immediately.
func New(events *sessionevents.Recorder) *Manager {
	return NewWithReapInterval(events, defaultReapInterval)
}

// NewWithReapInterval is New with an overridable reaper cadence, for tests
// that need the idle reap scenario to resolve in well under 60 seconds.
func NewWithReapInterval(events *sessionevents.Recorder, interval time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		sessions:     make(map[string]*Session),
		events:       events,
		reapInterval: interval,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go m.reapLoop(ctx)
	return m
}

// Shutdown stops the idle reaper. It does not disconnect any live session;
// callers that want a clean shutdown should also call Disconnect on every
// remaining session id.
func (m *Manager) Shutdown() {
	m.cancel()
	<-m.done
}

// CreateSession mints a session id for def and transport, and inserts it
// into the session table. The returned session has no tunnels yet; call
// SetupTunnels to instantiate def's forwarding rules.
func (m *Manager) CreateSession(def model.ConnectionDefinition, transport Transport, engine *tunnelengine.Engine) *Session {
	now := time.Now()
	s := &Session{
		ID:           model.NewID(),
		Definition:   def,
		CreatedAt:    now,
		LastActivity: now,
		transport:    transport,
		engine:       engine,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.events.Record(sessionevents.SessionCreated, s.ID, def.Name)
	return s
}

// SetupTunnels instantiates def's forwarding rules in declaration order. An
// earlier failure prevents later setups; tunnels already created for prior
// rules stay running. Returns the index of the failed rule and its error,
// or ok=false if every rule succeeded.
func (m *Manager) SetupTunnels(sessionID string) (failedIndex int, err error, ok bool) {
	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return 0, xerrors.New(xerrors.SessionNotFound, sessionID), true
	}

	for i, rule := range s.Definition.ForwardingConfigs {
		handle, startErr := s.engine.Start(context.Background(), rule)
		if startErr != nil {
			m.mu.Unlock()
			m.events.Record(sessionevents.TunnelFailed, sessionID, startErr.Error())
			return i, startErr, true
		}
		s.tunnels = append(s.tunnels, handle)
	}
	s.LastActivity = time.Now()
	m.mu.Unlock()

	m.events.Record(sessionevents.TunnelsReady, sessionID, "")
	return 0, nil, false
}

// Disconnect removes the session from the table, aborts every tunnel task,
// then disconnects the transport. Fails with SessionNotFound if the id is
// unknown or was already disconnected.
func (m *Manager) Disconnect(sessionID string) error {
	m.mu.Lock()
	s, exists := m.sessions[sessionID]
	if !exists {
		m.mu.Unlock()
		return xerrors.New(xerrors.SessionNotFound, sessionID)
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	abortTunnels(s)

	if err := s.transport.Disconnect(); err != nil {
		slog.Warn("session disconnect: transport close failed", "session_id", sessionID, "error", err)
	}
	m.events.Record(sessionevents.SessionDisconnected, sessionID, "")
	return nil
}

// abortTunnels closes every tunnel handle concurrently and waits for all of
// them, matching the teacher's fan-in-errors idiom even though Close itself
// never returns an error (an aborted tunnel task is not a failure mode).
func abortTunnels(s *Session) {
	var g errgroup.Group
	for _, h := range s.tunnels {
		h := h
		g.Go(func() error {
			h.Close()
			return nil
		})
	}
	_ = g.Wait()
	s.tunnels = nil
}

// Touch updates last_activity to now.
func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return xerrors.New(xerrors.SessionNotFound, sessionID)
	}
	s.LastActivity = time.Now()
	return nil
}

// Get returns a snapshot of one session after syncing its traffic counters.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, exists := m.sessions[sessionID]
	if !exists {
		return Session{}, xerrors.New(xerrors.SessionNotFound, sessionID)
	}
	syncCounters(s)
	return *s, nil
}

// List returns a snapshot of every live session after syncing traffic
// counters.
func (m *Manager) List() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		syncCounters(s)
		out = append(out, *s)
	}
	return out
}

// HasSession reports whether id names a live session.
func (m *Manager) HasSession(sessionID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionID]
	return ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// syncCounters is the Traffic sync of §4.2.5: session-level totals are
// derived, never authoritative. The caller must hold the write lock.
func syncCounters(s *Session) {
	var sent, received int64
	for _, h := range s.tunnels {
		tSent, tReceived := h.Traffic.Snapshot()
		sent += tSent
		received += tReceived
	}
	s.BytesSent = sent
	s.BytesReceived = received

	total := sent + received
	if total != s.lastSyncTotal {
		s.LastActivity = time.Now()
		s.lastSyncTotal = total
	}
}

// reapLoop wakes every reapInterval, syncs every session's counters, then
// removes and disconnects every session whose last_activity predates its
// configured idle timeout.
func (m *Manager) reapLoop(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce()
		}
	}
}

func (m *Manager) reapOnce() {
	now := time.Now()

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		syncCounters(s)
		timeout := time.Duration(s.Definition.IdleTimeoutSeconds) * time.Second
		if timeout <= 0 {
			continue
		}
		if now.Sub(s.LastActivity) > timeout {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		abortTunnels(s)
		if err := s.transport.Disconnect(); err != nil {
			slog.Warn("idle reap: transport close failed", "session_id", s.ID, "error", err)
		}
		m.events.Record(sessionevents.SessionReaped, s.ID, "")
	}
}
