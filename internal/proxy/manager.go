package proxy

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// SessionManager owns all live sessions and drives them from one worker.
// Safe for concurrent use: the accept loop adds sessions, the worker updates and removes them.
type SessionManager struct {
	sessions sync.Map // map[uint64]*Session
	tick     time.Duration
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	ID           uint64
	RemoteAddr   net.Addr
	DisplayName  string
	State        SessionState
	ClientState  LinkState
	BackendState LinkState
	CreatedAt    time.Time
}

// NewSessionManager creates a manager with the given interval between cycles.
func NewSessionManager(tick time.Duration) *SessionManager {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return &SessionManager{tick: tick}
}

// Add registers s.
func (sm *SessionManager) Add(s *Session) {
	sm.sessions.Store(s.ID(), s)
}

// Get returns the session with id.
func (sm *SessionManager) Get(id uint64) (*Session, bool) {
	v, ok := sm.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	count := 0
	sm.sessions.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// Sessions returns a snapshot ordered by id.
func (sm *SessionManager) Sessions() []SessionInfo {
	var out []SessionInfo
	sm.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		info := SessionInfo{
			ID:           s.ID(),
			RemoteAddr:   s.RemoteAddr(),
			State:        s.State(),
			ClientState:  s.ClientState(),
			BackendState: s.BackendState(),
			CreatedAt:    s.CreatedAt(),
		}
		if id := s.Identity(); id != nil {
			info.DisplayName = id.DisplayName
		}
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Update runs one relay cycle on every session and forgets closed ones.
func (sm *SessionManager) Update() {
	sm.sessions.Range(func(k, v any) bool {
		s := v.(*Session)
		s.Update()
		if s.Closed() {
			sm.sessions.Delete(k)
		}
		return true
	})
}

// CloseAll closes every session with reason.
func (sm *SessionManager) CloseAll(reason string) {
	sm.sessions.Range(func(k, v any) bool {
		v.(*Session).Close(reason)
		sm.sessions.Delete(k)
		return true
	})
}

// Run drives all sessions until ctx is done, then closes them.
func (sm *SessionManager) Run(ctx context.Context) {
	ticker := time.NewTicker(sm.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sm.CloseAll(ReasonShutdown)
			return
		case <-ticker.C:
			sm.Update()
		}
	}
}
