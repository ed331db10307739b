package hub

import "sync"

// Session is one participant's binding to a room. It is bound exactly
// once and lives until its room detaches it.
type Session struct {
	ID string

	mu       sync.Mutex
	room     *Room
	role     Role
	detached bool
	reason   string

	// Outbound messages. Written and closed only by the owning room loop.
	dataQ chan []byte
}

// Messages returns the session's outbound queue. It is closed when the
// session is detached.
func (s *Session) Messages() <-chan []byte {
	return s.dataQ
}

// Room returns the room the session is bound to, or nil.
func (s *Session) Room() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// Role returns the role granted at join.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// CloseReason returns why the session was detached. Only meaningful once
// Messages() is closed.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Detached reports whether the session has been detached from its room.
func (s *Session) Detached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detached
}

func (s *Session) bind(r *Room, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room != nil || s.detached {
		return ErrAlreadyJoined
	}
	s.room = r
	s.role = role
	return nil
}

// send queues b without blocking. It reports false if the queue is full.
func (s *Session) send(b []byte) bool {
	select {
	case s.dataQ <- b:
		return true
	default:
		return false
	}
}

func (s *Session) close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.detached {
		return
	}
	s.detached = true
	s.reason = reason
	close(s.dataQ)
}
