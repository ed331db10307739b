package hub

import (
	"encoding/json"
	"time"

	"github.com/knadh/tally/store"
	"github.com/pkg/errors"
)

const grantPrefix = "grant:"

// Grant is the outcome of a successful authorization: the role a holder
// may act as inside one incarnation of a room.
type Grant struct {
	Token  string `json:"-"`
	RoomID string `json:"room_id"`
	Epoch  string `json:"epoch"`
	Role   Role   `json:"role"`
}

// validFor reports whether the grant was issued for r. A room recreated
// under the same id does not honour grants of its predecessor.
func (g Grant) validFor(r *Room) bool {
	return g.RoomID == r.ID && g.Epoch == r.epoch
}

// grantStore issues grant tokens and resolves them back to grants.
type grantStore struct {
	store store.Store
	ttl   time.Duration
}

// issue stores g under a new random token.
func (t *grantStore) issue(g Grant) (Grant, error) {
	tok, err := GenerateGUID(32)
	if err != nil {
		return Grant{}, errors.Wrap(err, "error generating grant token")
	}
	b, err := json.Marshal(g)
	if err != nil {
		return Grant{}, err
	}
	if err := t.store.Set(grantPrefix+tok, b, t.ttl); err != nil {
		return Grant{}, errors.Wrap(err, "error storing grant")
	}
	g.Token = tok
	return g, nil
}

// check resolves a token. Unknown, expired and malformed tokens yield
// ErrNoGrant.
func (t *grantStore) check(tok string) (Grant, error) {
	if tok == "" {
		return Grant{}, ErrNoGrant
	}
	b, err := t.store.Get(grantPrefix + tok)
	if err != nil {
		return Grant{}, ErrNoGrant
	}
	var g Grant
	if err := json.Unmarshal(b, &g); err != nil {
		return Grant{}, ErrNoGrant
	}
	g.Token = tok
	return g, nil
}
