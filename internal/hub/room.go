package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/knadh/tally/internal/metrics"
)

// Team identifies one of the two competing scores.
type Team int

// Teams.
const (
	TeamA Team = iota
	TeamB
)

func (t Team) valid() bool { return t == TeamA || t == TeamB }

// Scores is a snapshot of a room's two scores.
type Scores struct {
	A int
	B int
}

func (s *Scores) set(t Team, v int) {
	if t == TeamA {
		s.A = v
	} else {
		s.B = v
	}
}

// Room is a scoring context. Its scores and session set are owned by the
// goroutine running run(); everything else reaches them through op.
type Room struct {
	ID         string
	Predefined bool

	epoch        string
	seq          uint64
	adminSecret  string
	viewerSecret string

	hub *Hub

	// Owned by the room loop.
	scores Scores
	peers  map[*Session]struct{}
	grace  clockwork.Timer

	// Mirror of len(peers) for lock free listing.
	count atomic.Int32

	op         chan func()
	disposeSig chan struct{}
	done       chan struct{}
}

func newRoom(id, adminSecret, viewerSecret, epoch string, seq uint64, predefined bool, h *Hub) *Room {
	r := &Room{
		ID:           id,
		Predefined:   predefined,
		epoch:        epoch,
		seq:          seq,
		adminSecret:  adminSecret,
		viewerSecret: viewerSecret,
		hub:          h,
		peers:        make(map[*Session]struct{}),
		op:           make(chan func()),
		disposeSig:   make(chan struct{}),
		done:         make(chan struct{}),
	}

	// A fresh room is empty, so its grace period starts right away.
	r.armGrace()
	return r
}

// HasPassword reports whether either role is protected.
func (r *Room) HasPassword() bool {
	return r.adminSecret != "" || r.viewerSecret != ""
}

// Count returns the number of attached sessions.
func (r *Room) Count() int {
	return int(r.count.Load())
}

// Scores returns the current scores.
func (r *Room) Scores() (Scores, error) {
	var s Scores
	err := r.do(func() { s = r.scores })
	return s, err
}

// Sessions returns the sessions attached at the time of the call.
func (r *Room) Sessions() ([]*Session, error) {
	var out []*Session
	err := r.do(func() {
		out = make([]*Session, 0, len(r.peers))
		for s := range r.peers {
			out = append(out, s)
		}
	})
	return out, err
}

// Dispose stops the room, closing every attached session.
func (r *Room) Dispose() {
	select {
	case r.disposeSig <- struct{}{}:
	case <-r.done:
	}
}

// do runs fn on the room loop and waits for it. It fails with
// ErrRoomNotFound once the room has stopped.
func (r *Room) do(fn func()) error {
	var wg sync.WaitGroup
	wg.Add(1)
	select {
	case r.op <- func() {
		defer wg.Done()
		fn()
	}:
	case <-r.done:
		return ErrRoomNotFound
	}
	wg.Wait()
	return nil
}

// run is a blocking function that starts the main event loop for a room.
// All mutations of a room are serialized here, so the order in which
// events are published is the order in which they were applied. This
// should be invoked as a goroutine.
func (r *Room) run() {
loop:
	for {
		var graceC <-chan time.Time
		if r.grace != nil {
			graceC = r.grace.Chan()
		}

		select {
		case op := <-r.op:
			op()

		case <-r.disposeSig:
			r.hub.removeRoom(r)
			break loop

		// Reap the room after it sat empty for the grace period.
		case <-graceC:
			r.grace = nil
			if len(r.peers) > 0 {
				continue
			}
			if r.hub.removeRoom(r) {
				metrics.Reaped.Inc()
				break loop
			}
		}
	}

	r.remove()
	r.hub.log.Info().Str("room", r.ID).Msg("stopped room")
}

// remove detaches every session and marks the room as gone.
func (r *Room) remove() {
	r.stopGrace()
	for s := range r.peers {
		r.removePeer(s, TypeRoomDispose)
	}
	close(r.done)
}

// armGrace (re)starts the grace timer. Predefined rooms and a zero grace
// period never expire.
func (r *Room) armGrace() {
	r.stopGrace()
	if r.Predefined || r.hub.cfg.RoomGrace <= 0 {
		return
	}
	r.grace = r.hub.clock.NewTimer(r.hub.cfg.RoomGrace)
}

func (r *Room) stopGrace() {
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
}

// extendTTL restarts the grace period of an empty room on activity.
func (r *Room) extendTTL() {
	if len(r.peers) == 0 {
		r.armGrace()
	}
}

// attach registers s and sends it the current scores before it can see
// any other event.
func (r *Room) attach(s *Session, role Role) error {
	var err error
	if e := r.do(func() {
		if err = s.bind(r, role); err != nil {
			return
		}
		r.peers[s] = struct{}{}
		r.count.Store(int32(len(r.peers)))
		metrics.Sessions.Inc()
		r.stopGrace()

		s.send(encode(InitScores{Scores: r.scores, Participants: len(r.peers)}))
		r.publish(Participants{Count: len(r.peers)})
	}); e != nil {
		return e
	}
	if err == nil {
		r.hub.log.Debug().Str("room", r.ID).Str("session", s.ID).Str("role", role.String()).Msg("session attached")
	}
	return err
}

// detach removes s from the room. Detaching twice is a no-op.
func (r *Room) detach(s *Session) {
	r.do(func() {
		if _, ok := r.peers[s]; !ok {
			return
		}
		r.removePeer(s, "")
		r.publish(Participants{Count: len(r.peers)})
		r.extendTTL()
	})
}

// removePeer drops s from the session set and closes its queue. Must be
// called on the room loop.
func (r *Room) removePeer(s *Session, reason string) {
	delete(r.peers, s)
	r.count.Store(int32(len(r.peers)))
	metrics.Sessions.Dec()
	s.close(reason)
	r.hub.log.Debug().Str("room", r.ID).Str("session", s.ID).Str("reason", reason).Msg("session detached")
}

// setScore stores value for team, floored at zero, and broadcasts it.
func (r *Room) setScore(t Team, value int) (Scores, error) {
	if !t.valid() {
		return Scores{}, ErrInvalidTeam
	}
	if value < 0 {
		value = 0
	}

	var out Scores
	err := r.do(func() {
		r.scores.set(t, value)
		out = r.scores
		r.publish(ScoreUpdated{Team: t, Value: value})
		r.extendTTL()
	})
	return out, err
}

// resetScores zeroes both scores and broadcasts the reset.
func (r *Room) resetScores() (Scores, error) {
	var out Scores
	err := r.do(func() {
		r.scores = Scores{}
		out = r.scores
		r.publish(ScoresReset{Scores: r.scores})
		r.extendTTL()
	})
	return out, err
}

// notify queues ev for a single attached session.
func (r *Room) notify(s *Session, ev Event) {
	r.do(func() {
		if _, ok := r.peers[s]; !ok {
			return
		}
		if !s.send(encode(ev)) {
			metrics.DroppedDeliveries.Inc()
			r.removePeer(s, TypeSlowConsumer)
			r.publish(Participants{Count: len(r.peers)})
			r.extendTTL()
		}
	})
}

// publish delivers ev to every attached session. Sessions whose queue is
// full are detached; delivery to the others is unaffected. Must be called
// on the room loop.
func (r *Room) publish(ev Event) {
	b := encode(ev)
	metrics.Events.WithLabelValues(ev.eventType()).Inc()

	var dead []*Session
	for s := range r.peers {
		if !s.send(b) {
			dead = append(dead, s)
		}
	}
	if len(dead) == 0 {
		return
	}

	for _, s := range dead {
		metrics.DroppedDeliveries.Inc()
		r.removePeer(s, TypeSlowConsumer)
	}
	r.publish(Participants{Count: len(r.peers)})
	r.extendTTL()
}
