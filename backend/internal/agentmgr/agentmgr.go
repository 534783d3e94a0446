package agentmgr

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/jacky-htg/hospital-voice-bridge/backend/internal/bridge"
	"github.com/jacky-htg/hospital-voice-bridge/libs/store"
)

// Manager tracks the live call sessions of the process. It is a light-weight
// in-memory registry: a session registers when its telephony leg connects
// and removes itself when its actor returns.
type Manager struct {
	mu sync.Mutex
	// map callID -> session
	sessions map[string]*bridge.Session
	wg       sync.WaitGroup

	cfg  bridge.Config
	deps bridge.Deps
	log  *zap.Logger
}

// New creates a Manager. Every session it spawns shares cfg and deps.
func New(cfg bridge.Config, deps bridge.Deps) *Manager {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		sessions: make(map[string]*bridge.Session),
		cfg:      cfg,
		deps:     deps,
		log:      log,
	}
}

// Spawn creates a session writing to out and starts its actor.
func (m *Manager) Spawn(ctx context.Context, out bridge.Transport) *bridge.Session {
	s := bridge.New(ctx, m.cfg, m.deps, out)

	m.mu.Lock()
	m.sessions[s.ID()] = s
	n := len(m.sessions)
	m.mu.Unlock()
	m.log.Debug("session spawned", zap.String("call_id", s.ID()), zap.Int("active", n))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		s.Run()
		m.mu.Lock()
		delete(m.sessions, s.ID())
		m.mu.Unlock()
	}()
	return s
}

// Get returns the live session for callID.
func (m *Manager) Get(callID string) (*bridge.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// Stop ends the session for callID as if the carrier had sent stop.
func (m *Manager) Stop(callID string) error {
	s, ok := m.Get(callID)
	if !ok {
		return fmt.Errorf("session %s: %w", callID, store.ErrNotFound)
	}
	s.Stop()
	return nil
}

// Count is the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopAll stops every session and waits for them to finish or ctx to expire.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*bridge.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Stop()
	}
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop sessions: %w", ctx.Err())
	}
}
