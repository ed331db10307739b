package hub

// CreateRoom registers a room and grants its creator the admin role, so
// the creator can join without repeating the password.
func (h *Hub) CreateRoom(id, adminSecret, viewerSecret string) (*Room, Grant, error) {
	r, err := h.AddRoom(id, adminSecret, viewerSecret)
	if err != nil {
		return nil, Grant{}, err
	}
	g, err := h.grants.issue(Grant{RoomID: r.ID, Epoch: r.epoch, Role: RoleAdmin})
	if err != nil {
		return r, Grant{}, err
	}
	return r, g, nil
}

// Login authorizes role in a room and issues a grant token for it.
func (h *Hub) Login(roomID string, role Role, password string) (Grant, error) {
	r, err := h.GetRoom(roomID)
	if err != nil {
		return Grant{}, err
	}
	g, err := Authorize(r, role, password)
	if err != nil {
		return Grant{}, err
	}
	return h.grants.issue(g)
}

// JoinRoom authorizes role in a room and attaches s to it. The session
// receives init_scores before any other event.
func (h *Hub) JoinRoom(s *Session, roomID string, role Role, password string) error {
	r, err := h.GetRoom(roomID)
	if err != nil {
		return err
	}
	g, err := Authorize(r, role, password)
	if err != nil {
		return err
	}
	return r.attach(s, g.Role)
}

// Join attaches s to a room using a previously issued grant token. Without
// a valid grant for the room, s joins as a viewer, which only succeeds
// when viewers need no password.
func (h *Hub) Join(s *Session, roomID, token string) error {
	r, err := h.GetRoom(roomID)
	if err != nil {
		return err
	}
	if g, err := h.grants.check(token); err == nil && g.validFor(r) {
		return r.attach(s, g.Role)
	}
	return h.JoinRoom(s, roomID, RoleViewer, "")
}

// RequesterRole resolves the role of a caller that presents token for r.
// Rooms without an admin secret treat every caller as admin, since anyone
// could obtain an admin grant for them. A grant only ever raises the role,
// so a spectator grant in such a room still acts as admin.
func (h *Hub) RequesterRole(r *Room, token string) Role {
	role := RoleViewer
	if r.adminSecret == "" {
		role = RoleAdmin
	}
	if g, err := h.grants.check(token); err == nil && g.validFor(r) && g.Role > role {
		return g.Role
	}
	return role
}

// SubmitScore sets a team's score. Only admins may mutate; the check
// happens before any state changes.
func (h *Hub) SubmitScore(roomID string, t Team, role Role, value int) (Scores, error) {
	r, err := h.GetRoom(roomID)
	if err != nil {
		return Scores{}, err
	}
	if !role.CanMutate() {
		return Scores{}, ErrForbidden
	}
	return r.setScore(t, value)
}

// ResetScores zeroes both scores of a room.
func (h *Hub) ResetScores(roomID string, role Role) (Scores, error) {
	r, err := h.GetRoom(roomID)
	if err != nil {
		return Scores{}, err
	}
	if !role.CanMutate() {
		return Scores{}, ErrForbidden
	}
	return r.resetScores()
}

// LeaveRoom detaches s from its room. It is safe to call more than once.
func (h *Hub) LeaveRoom(s *Session) {
	if r := s.Room(); r != nil {
		r.detach(s)
	}
}
