package hub

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/knadh/tally/store/fs"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateRoom(t *testing.T) {
	h, _ := newTestHub(t)

	r, g, err := h.CreateRoom("final", "adm", "watch")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, g.Role)
	assert.Equal(t, "final", g.RoomID)
	assert.NotEmpty(t, g.Token)
	assert.True(t, r.HasPassword())

	// The creator's grant joins as admin without the password.
	s := h.NewSession()
	require.NoError(t, h.Join(s, "final", g.Token))
	assert.Equal(t, RoleAdmin, s.Role())

	m := next(t, s)
	require.Equal(t, TypeInitScores, m.Type)
	sc := scoresOf(t, m)
	assert.Equal(t, 0, sc.Score1)
	assert.Equal(t, 0, sc.Score2)
	require.NotNil(t, sc.Participants)
	assert.Equal(t, 1, *sc.Participants)

	_, _, err = h.CreateRoom("final", "", "")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestJoinRoom(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.AddRoom("final", "adm", "watch")
	require.NoError(t, err)

	s := h.NewSession()
	assert.ErrorIs(t, h.JoinRoom(s, "final", RoleAdmin, "watch"), ErrDenied)
	assert.ErrorIs(t, h.JoinRoom(s, "final", RoleViewer, "adm"), ErrDenied)
	assert.ErrorIs(t, h.JoinRoom(s, "missing", RoleViewer, ""), ErrRoomNotFound)
	assert.ErrorIs(t, h.JoinRoom(s, "final", Role(9), ""), ErrInvalidRole)
	assert.Nil(t, s.Room())

	require.NoError(t, h.JoinRoom(s, "final", RoleViewer, "watch"))
	assert.Equal(t, RoleViewer, s.Role())

	// A session joins once.
	_, err = h.AddRoom("other", "", "")
	require.NoError(t, err)
	assert.ErrorIs(t, h.JoinRoom(s, "other", RoleViewer, ""), ErrAlreadyJoined)
}

func TestJoinWithoutGrant(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.AddRoom("open", "adm", "")
	require.NoError(t, err)
	_, err = h.AddRoom("closed", "adm", "watch")
	require.NoError(t, err)

	s := h.NewSession()
	require.NoError(t, h.Join(s, "open", "bogus"))
	assert.Equal(t, RoleViewer, s.Role())

	assert.ErrorIs(t, h.Join(h.NewSession(), "closed", ""), ErrDenied)

	// A grant for another room is ignored.
	g, err := h.Login("open", RoleAdmin, "adm")
	require.NoError(t, err)
	assert.ErrorIs(t, h.Join(h.NewSession(), "closed", g.Token), ErrDenied)
}

func TestRecreatedRoomRejectsOldGrant(t *testing.T) {
	h, _ := newTestHub(t)

	r, g, err := h.CreateRoom("final", "adm", "")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, h.RequesterRole(r, g.Token))

	r.Dispose()
	require.Eventually(t, func() bool {
		_, err := h.GetRoom("final")
		return err == ErrRoomNotFound
	}, time.Second, 5*time.Millisecond)

	r2, _, err := h.CreateRoom("final", "other", "")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, h.RequesterRole(r2, g.Token))

	s := h.NewSession()
	require.NoError(t, h.Join(s, "final", g.Token))
	assert.Equal(t, RoleViewer, s.Role())
}

// Grants persisted by one process must not unlock a room of the same id
// created by the next.
func TestRestartRejectsOldGrant(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grants.json")
	cfg := func() *Config {
		return &Config{RoomGrace: grace, MaxMessageQueue: 64, GrantTTL: time.Hour}
	}

	st, err := fs.New(fs.Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	h := NewHub(cfg(), st, clockwork.NewFakeClock(), zerolog.Nop())
	_, g, err := h.CreateRoom("final", "a", "")
	require.NoError(t, err)
	h.Shutdown()
	require.NoError(t, st.Close())

	st, err = fs.New(fs.Config{Path: path}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	h = NewHub(cfg(), st, clockwork.NewFakeClock(), zerolog.Nop())
	t.Cleanup(h.Shutdown)

	// The grant itself survived the restart.
	kept, err := h.grants.check(g.Token)
	require.NoError(t, err)
	assert.Equal(t, "final", kept.RoomID)

	r, _, err := h.CreateRoom("final", "bob-only", "")
	require.NoError(t, err)
	role := h.RequesterRole(r, g.Token)
	assert.Equal(t, RoleViewer, role)

	_, err = h.ResetScores("final", role)
	assert.ErrorIs(t, err, ErrForbidden)

	s := h.NewSession()
	require.NoError(t, h.Join(s, "final", g.Token))
	assert.Equal(t, RoleViewer, s.Role())
}

func TestSubmitScore(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	a, b := h.NewSession(), h.NewSession()
	require.NoError(t, h.JoinRoom(a, "final", RoleAdmin, ""))
	require.NoError(t, h.JoinRoom(b, "final", RoleViewer, ""))
	drain(a)
	drain(b)

	sc, err := h.SubmitScore("final", TeamA, RoleAdmin, 5)
	require.NoError(t, err)
	assert.Equal(t, Scores{A: 5}, sc)

	for _, s := range []*Session{a, b} {
		u := updateOf(t, nextEvent(t, s))
		assert.Equal(t, updateScoreMsg{Team: 1, Score: 5}, u)
	}

	// Negative values are floored.
	sc, err = h.SubmitScore("final", TeamB, RoleAdmin, -4)
	require.NoError(t, err)
	assert.Equal(t, Scores{A: 5, B: 0}, sc)
	assert.Equal(t, updateScoreMsg{Team: 2, Score: 0}, updateOf(t, nextEvent(t, b)))

	_, err = h.SubmitScore("final", Team(7), RoleAdmin, 1)
	assert.ErrorIs(t, err, ErrInvalidTeam)
	_, err = h.SubmitScore("missing", TeamA, RoleAdmin, 1)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestViewerCannotMutate(t *testing.T) {
	h, _ := newTestHub(t)
	r, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	_, err = h.SubmitScore("final", TeamA, RoleAdmin, 3)
	require.NoError(t, err)

	s := h.NewSession()
	require.NoError(t, h.JoinRoom(s, "final", RoleViewer, ""))
	drain(s)

	_, err = h.SubmitScore("final", TeamA, RoleViewer, 10)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = h.ResetScores("final", RoleViewer)
	assert.ErrorIs(t, err, ErrForbidden)

	sc, err := r.Scores()
	require.NoError(t, err)
	assert.Equal(t, Scores{A: 3}, sc)
	assert.Empty(t, pending(s))
}

func TestResetScores(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	_, err = h.SubmitScore("final", TeamA, RoleAdmin, 3)
	require.NoError(t, err)
	_, err = h.SubmitScore("final", TeamB, RoleAdmin, 4)
	require.NoError(t, err)

	s := h.NewSession()
	require.NoError(t, h.JoinRoom(s, "final", RoleViewer, ""))
	drain(s)

	sc, err := h.ResetScores("final", RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, Scores{}, sc)

	m := nextEvent(t, s)
	require.Equal(t, TypeResetScores, m.Type)
	got := scoresOf(t, m)
	assert.Equal(t, 0, got.Score1)
	assert.Equal(t, 0, got.Score2)
	assert.Nil(t, got.Participants)

	_, err = h.ResetScores("missing", RoleAdmin)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestJoinAfterMutations(t *testing.T) {
	h, _ := newTestHub(t)
	_, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		_, err := h.SubmitScore("final", TeamA, RoleAdmin, i)
		require.NoError(t, err)
	}
	_, err = h.SubmitScore("final", TeamB, RoleAdmin, 9)
	require.NoError(t, err)

	s := h.NewSession()
	require.NoError(t, h.JoinRoom(s, "final", RoleViewer, ""))

	// The baseline is first and reflects every earlier mutation.
	m := next(t, s)
	require.Equal(t, TypeInitScores, m.Type)
	sc := scoresOf(t, m)
	assert.Equal(t, 3, sc.Score1)
	assert.Equal(t, 9, sc.Score2)

	_, err = h.SubmitScore("final", TeamA, RoleAdmin, 4)
	require.NoError(t, err)
	assert.Equal(t, updateScoreMsg{Team: 1, Score: 4}, updateOf(t, nextEvent(t, s)))
	assert.Empty(t, pending(s))
}

func TestConcurrentSubmitOrder(t *testing.T) {
	const n = 100
	h, _ := newTestHub(t, func(c *Config) { c.MaxMessageQueue = 4 * n })
	r, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	a, b := h.NewSession(), h.NewSession()
	require.NoError(t, h.JoinRoom(a, "final", RoleViewer, ""))
	require.NoError(t, h.JoinRoom(b, "final", RoleViewer, ""))
	drain(a)
	drain(b)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_, err := h.SubmitScore("final", TeamA, RoleAdmin, v)
			assert.NoError(t, err)
		}(i + 1)
	}
	wg.Wait()

	seqA, seqB := pending(a), pending(b)
	require.Len(t, seqA, n)
	assert.Equal(t, seqA, seqB)

	sc, err := r.Scores()
	require.NoError(t, err)
	assert.Equal(t, sc.A, updateOf(t, seqA[n-1]).Score)
}

// Sessions joining while updates stream in see a baseline followed by
// every later update exactly once.
func TestJoinDuringSubmits(t *testing.T) {
	const (
		updates = 200
		viewers = 50
	)
	h, _ := newTestHub(t, func(c *Config) { c.MaxMessageQueue = 1024 })
	_, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for v := 1; v <= updates; v++ {
			_, err := h.SubmitScore("final", TeamA, RoleAdmin, v)
			assert.NoError(t, err)
		}
	}()

	sess := make([]*Session, viewers)
	for i := range sess {
		sess[i] = h.NewSession()
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			assert.NoError(t, h.JoinRoom(s, "final", RoleViewer, ""))
		}(sess[i])
	}
	wg.Wait()

	for i, s := range sess {
		msgs := pending(s)
		require.NotEmpty(t, msgs, "session %d", i)
		require.Equal(t, TypeInitScores, msgs[0].Type, "session %d", i)

		base := scoresOf(t, msgs[0]).Score1
		require.Len(t, msgs, 1+updates-base, "session %d", i)
		for j, m := range msgs[1:] {
			assert.Equal(t, updateScoreMsg{Team: 1, Score: base + j + 1}, updateOf(t, m), "session %d", i)
		}
		assert.False(t, s.Detached())
	}
}

func TestSlowConsumerDetached(t *testing.T) {
	h, _ := newTestHub(t, func(c *Config) { c.MaxMessageQueue = 4 })
	r, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	// slow never reads: init_scores, participants(1), participants(2).
	slow, fast := h.NewSession(), h.NewSession()
	require.NoError(t, h.JoinRoom(slow, "final", RoleViewer, ""))
	require.NoError(t, h.JoinRoom(fast, "final", RoleViewer, ""))
	drain(fast)

	_, err = h.SubmitScore("final", TeamA, RoleAdmin, 1)
	require.NoError(t, err)
	assert.False(t, slow.Detached())

	_, err = h.SubmitScore("final", TeamA, RoleAdmin, 2)
	require.NoError(t, err)
	assert.True(t, slow.Detached())
	assert.Equal(t, TypeSlowConsumer, slow.CloseReason())
	assert.Equal(t, 1, r.Count())

	assert.Equal(t, 1, updateOf(t, next(t, fast)).Score)
	assert.Equal(t, 2, updateOf(t, next(t, fast)).Score)
	m := next(t, fast)
	assert.Equal(t, TypeParticipants, m.Type)
	assert.JSONEq(t, `{"participants":1}`, string(m.Data))
}

func TestLeaveRoom(t *testing.T) {
	h, _ := newTestHub(t)
	r, err := h.AddRoom("final", "", "")
	require.NoError(t, err)

	a, b := h.NewSession(), h.NewSession()
	require.NoError(t, h.JoinRoom(a, "final", RoleViewer, ""))
	require.NoError(t, h.JoinRoom(b, "final", RoleViewer, ""))
	drain(b)

	ss, err := r.Sessions()
	require.NoError(t, err)
	assert.ElementsMatch(t, []*Session{a, b}, ss)

	h.LeaveRoom(a)
	h.LeaveRoom(a)
	assert.True(t, a.Detached())
	assert.Equal(t, 1, r.Count())

	ss, err = r.Sessions()
	require.NoError(t, err)
	assert.Equal(t, []*Session{b}, ss)

	m := next(t, b)
	assert.Equal(t, TypeParticipants, m.Type)
	assert.JSONEq(t, `{"participants":1}`, string(m.Data))

	// Unbound sessions are ignored.
	h.LeaveRoom(h.NewSession())

	// A detached session cannot be reused.
	assert.ErrorIs(t, h.JoinRoom(a, "final", RoleViewer, ""), ErrAlreadyJoined)
}

// An admin and a spectator share a password protected room.
func TestScoringScenario(t *testing.T) {
	h, _ := newTestHub(t)

	_, g, err := h.CreateRoom("final", "a-secret", "s-secret")
	require.NoError(t, err)

	admin := h.NewSession()
	require.NoError(t, h.Join(admin, "final", g.Token))

	assert.ErrorIs(t, h.JoinRoom(h.NewSession(), "final", RoleViewer, "nope"), ErrDenied)

	vg, err := h.Login("final", RoleViewer, "s-secret")
	require.NoError(t, err)
	assert.Equal(t, RoleViewer, vg.Role)

	viewer := h.NewSession()
	require.NoError(t, h.Join(viewer, "final", vg.Token))
	assert.Equal(t, TypeInitScores, next(t, viewer).Type)
	drain(admin)
	drain(viewer)

	_, err = h.SubmitScore("final", TeamA, admin.Role(), 3)
	require.NoError(t, err)
	_, err = h.SubmitScore("final", TeamB, admin.Role(), 1)
	require.NoError(t, err)
	_, err = h.SubmitScore("final", TeamA, viewer.Role(), 99)
	assert.ErrorIs(t, err, ErrForbidden)

	for _, s := range []*Session{admin, viewer} {
		assert.Equal(t, updateScoreMsg{Team: 1, Score: 3}, updateOf(t, nextEvent(t, s)))
		assert.Equal(t, updateScoreMsg{Team: 2, Score: 1}, updateOf(t, nextEvent(t, s)))
	}

	_, err = h.ResetScores("final", admin.Role())
	require.NoError(t, err)
	assert.Equal(t, TypeResetScores, nextEvent(t, viewer).Type)

	assert.Equal(t, []RoomInfo{{ID: "final", Participants: 2, HasPassword: true}}, h.ListRooms())
}
