package hub

import (
	"encoding/json"
)

// Types of messages exchanged with peers.
const (
	TypeJoin         = "join"
	TypeLeave        = "leave"
	TypeInitScores   = "init_scores"
	TypeUpdateScore  = "update_score"
	TypeResetScores  = "reset_scores"
	TypeParticipants = "participants"
	TypeError        = "error"

	// Close reasons.
	TypeRoomDispose  = "room.dispose"
	TypeSlowConsumer = "peer.slow"
)

// Event is a state change delivered to the sessions of a room.
type Event interface {
	eventType() string
	payload() interface{}
}

// InitScores is the baseline a session receives right after joining.
type InitScores struct {
	Scores       Scores
	Participants int
}

// ScoreUpdated reports a new value for one team.
type ScoreUpdated struct {
	Team  Team
	Value int
}

// ScoresReset reports both scores after a reset.
type ScoresReset struct {
	Scores Scores
}

// Participants reports the number of sessions attached to the room.
type Participants struct {
	Count int
}

// ErrorEvent reports a failed request back to the session that made it.
type ErrorEvent struct {
	Err error
}

// Msg is the envelope of every message on the wire.
type Msg struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type scoresMsg struct {
	Score1       int  `json:"score1"`
	Score2       int  `json:"score2"`
	Participants *int `json:"participants,omitempty"`
}

type updateScoreMsg struct {
	Team  int `json:"team"`
	Score int `json:"score"`
}

type participantsMsg struct {
	Participants int `json:"participants"`
}

type errorMsg struct {
	Error string `json:"error"`
}

func (e InitScores) eventType() string { return TypeInitScores }
func (e InitScores) payload() interface{} {
	n := e.Participants
	return scoresMsg{Score1: e.Scores.A, Score2: e.Scores.B, Participants: &n}
}

func (e ScoreUpdated) eventType() string { return TypeUpdateScore }
func (e ScoreUpdated) payload() interface{} {
	return updateScoreMsg{Team: e.Team.Wire(), Score: e.Value}
}

func (e ScoresReset) eventType() string { return TypeResetScores }
func (e ScoresReset) payload() interface{} {
	return scoresMsg{Score1: e.Scores.A, Score2: e.Scores.B}
}

func (e Participants) eventType() string { return TypeParticipants }
func (e Participants) payload() interface{} {
	return participantsMsg{Participants: e.Count}
}

func (e ErrorEvent) eventType() string { return TypeError }
func (e ErrorEvent) payload() interface{} {
	return errorMsg{Error: e.Err.Error()}
}

// encode data json.
func encode(ev Event) []byte {
	b, _ := json.Marshal(Msg{Type: ev.eventType(), Data: ev.payload()})
	return b
}

// TeamFromWire maps the external team number (1 or 2) to a Team.
func TeamFromWire(n int) (Team, error) {
	switch n {
	case 1:
		return TeamA, nil
	case 2:
		return TeamB, nil
	}
	return 0, ErrInvalidTeam
}

// Wire returns the external team number.
func (t Team) Wire() int {
	return int(t) + 1
}

// inMsg is a message received from a peer. Data is decoded according to
// Type.
type inMsg struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data"`
	RoomID string          `json:"room_id"`
}

type joinReq struct {
	RoomID string `json:"room_id"`
	Token  string `json:"token"`
}

type updateScoreReq struct {
	Team  int `json:"team"`
	Score int `json:"score"`
}
