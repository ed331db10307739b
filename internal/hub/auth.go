package hub

import (
	"crypto/subtle"
	"strings"
)

// Role is the capability a participant acts with inside a room.
type Role int

// Roles.
const (
	RoleViewer Role = iota + 1
	RoleAdmin
)

// ParseRole parses an externally facing role name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "admin":
		return RoleAdmin, nil
	case "spectator", "viewer":
		return RoleViewer, nil
	}
	return 0, ErrInvalidRole
}

// String returns the externally facing role name.
func (r Role) String() string {
	switch r {
	case RoleAdmin:
		return "admin"
	case RoleViewer:
		return "spectator"
	}
	return "unknown"
}

// CanMutate reports whether the role may change or reset scores.
func (r Role) CanMutate() bool {
	return r == RoleAdmin
}

// Authorize checks password against the room's secret for role. A role
// without a secret accepts any password. Only the requested role's secret
// is consulted.
func Authorize(r *Room, role Role, password string) (Grant, error) {
	var secret string
	switch role {
	case RoleAdmin:
		secret = r.adminSecret
	case RoleViewer:
		secret = r.viewerSecret
	default:
		return Grant{}, ErrInvalidRole
	}

	if secret != "" && subtle.ConstantTimeCompare([]byte(secret), []byte(password)) != 1 {
		return Grant{}, ErrDenied
	}
	return Grant{RoomID: r.ID, Epoch: r.epoch, Role: role}, nil
}
