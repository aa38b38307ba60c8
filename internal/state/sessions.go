package state

import (
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// MaxSessions caps the call-session table. Exceeding it surfaces as a
// 503 to the caller.
const MaxSessions = 64

// ErrSessionTableFull is returned when no free session slot exists.
var ErrSessionTableFull = errors.New("call session table full")

// ErrSessionExists is returned when a Call-ID is already tracked.
var ErrSessionExists = errors.New("call session already exists")

// SessionState is the lifecycle position of a call session.
type SessionState int

const (
	StateFree SessionState = iota
	StateInviteSent
	StateRinging
	StateEstablished
	StateTerminating
)

func (s SessionState) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateInviteSent:
		return "INVITE_SENT"
	case StateRinging:
		return "RINGING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateTerminating:
		return "TERMINATING"
	}
	return "UNKNOWN"
}

// Session is one active or pending call, keyed by Call-ID.
type Session struct {
	CallID     string
	State      SessionState
	CallerID   string
	CalleeID   string
	CallerAddr netip.AddrPort
	CalleeAddr netip.AddrPort
	FromTag    string
	ToTag      string
	CreatedAt  time.Time
}

// SessionTable tracks call sessions under a single mutex. Lookups return
// copies; mutation goes through keyed setters so no slot pointer crosses
// the lock boundary.
type SessionTable struct {
	mu       sync.Mutex
	sessions map[string]*Session
	log      *slog.Logger
}

// NewSessionTable returns an empty table.
func NewSessionTable(log *slog.Logger) *SessionTable {
	return &SessionTable{
		sessions: make(map[string]*Session),
		log:      log.With("component", "sessions"),
	}
}

// Create allocates a session in INVITE_SENT for the given Call-ID.
func (t *SessionTable) Create(callID, callerID, calleeID string, callerAddr, calleeAddr netip.AddrPort, fromTag string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.sessions[callID]; ok {
		return ErrSessionExists
	}
	if len(t.sessions) >= MaxSessions {
		t.log.Warn("session table full", "call_id", callID)
		return ErrSessionTableFull
	}
	t.sessions[callID] = &Session{
		CallID:     callID,
		State:      StateInviteSent,
		CallerID:   callerID,
		CalleeID:   calleeID,
		CallerAddr: callerAddr,
		CalleeAddr: calleeAddr,
		FromTag:    fromTag,
		CreatedAt:  time.Now(),
	}
	t.log.Info("call session created", "call_id", callID, "caller", callerID, "callee", calleeID)
	return nil
}

// Lookup returns a copy of the session for callID.
func (t *SessionTable) Lookup(callID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetState transitions the session, capturing the To tag when the dialog
// is confirmed.
func (t *SessionTable) SetState(callID string, state SessionState, toTag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[callID]
	if !ok {
		return false
	}
	prev := s.State
	s.State = state
	if toTag != "" {
		s.ToTag = toTag
	}
	t.log.Debug("call session state change",
		"call_id", callID, "from", prev.String(), "to", state.String())
	return true
}

// Free removes the session.
func (t *SessionTable) Free(callID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[callID]; !ok {
		return false
	}
	delete(t.sessions, callID)
	t.log.Info("call session freed", "call_id", callID)
	return true
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}
