package hub

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Peer represents an individual websocket connection. It carries no room
// until the client sends a join message.
type Peer struct {
	ws  *websocket.Conn
	hub *Hub

	// Grant token taken from the upgrade request, if any.
	token string

	// Set once by the listener goroutine.
	sess *Session

	log zerolog.Logger
}

// NewPeer wraps an upgraded websocket connection.
func (h *Hub) NewPeer(ws *websocket.Conn, token string) *Peer {
	return &Peer{
		ws:    ws,
		hub:   h,
		token: token,
		log:   h.log.With().Str("remote", ws.RemoteAddr().String()).Logger(),
	}
}

// RunListener is a blocking function that reads incoming messages from a peer's
// WS connection until its dropped or there's an error. This should be invoked
// as a goroutine.
func (p *Peer) RunListener() {
	var (
		cfg = p.hub.cfg
		rl  = rate.NewLimiter(rate.Inf, 0)
	)
	if cfg.RateLimitInterval > 0 && cfg.RateLimitMessages > 0 {
		rl = rate.NewLimiter(rate.Every(cfg.RateLimitInterval/time.Duration(cfg.RateLimitMessages)), cfg.RateLimitMessages)
	}
	if cfg.MaxMessageLen > 0 {
		p.ws.SetReadLimit(int64(cfg.MaxMessageLen))
	}
	p.extendReadDeadline()
	p.ws.SetPongHandler(func(string) error {
		p.extendReadDeadline()
		return nil
	})

	for {
		_, m, err := p.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.log.Debug().Err(err).Msg("websocket closed")
			}
			break
		}
		p.extendReadDeadline()
		if len(m) < 1 {
			continue
		}
		if rl.Allow() {
			p.processMessage(m)
		}
	}

	// WS connection is closed.
	p.ws.Close()
	if p.sess != nil {
		p.hub.LeaveRoom(p.sess)
	}
}

// runWriter is a blocking function that writes messages in the session's
// queue to the peer's WS connection and keeps the connection alive with
// pings. It returns once the session is detached.
func (p *Peer) runWriter(s *Session) {
	ping := time.NewTicker(p.pingInterval())
	defer func() {
		ping.Stop()
		p.ws.Close()
	}()

	for {
		select {
		case message, ok := <-s.Messages():
			if !ok {
				p.writeWSControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, s.CloseReason()))
				return
			}
			if err := p.writeWSData(websocket.TextMessage, message); err != nil {
				p.log.Debug().Err(err).Str("session", s.ID).Msg("error writing to websocket")
				return
			}

		case <-ping.C:
			if err := p.writeWSControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage processes incoming messages from peers.
func (p *Peer) processMessage(b []byte) {
	var m inMsg
	if err := json.Unmarshal(b, &m); err != nil {
		p.reply(errors.New("invalid message"))
		return
	}

	// The bare {"room_id": ...} form is a join.
	if m.Type == "" && m.RoomID != "" {
		m.Type = TypeJoin
	}

	switch m.Type {
	case TypeJoin:
		req := joinReq{RoomID: m.RoomID}
		if len(m.Data) > 0 {
			if err := json.Unmarshal(m.Data, &req); err != nil {
				p.reply(errors.New("invalid join message"))
				return
			}
		}
		p.join(req)

	case TypeUpdateScore:
		if !p.active() {
			p.reply(ErrRoomNotFound)
			return
		}
		var req updateScoreReq
		if err := json.Unmarshal(m.Data, &req); err != nil {
			p.reply(errors.New("invalid update_score message"))
			return
		}
		t, err := TeamFromWire(req.Team)
		if err != nil {
			p.reply(err)
			return
		}
		if _, err := p.hub.SubmitScore(p.sess.Room().ID, t, p.sess.Role(), req.Score); err != nil {
			p.reply(err)
		}

	case TypeResetScores:
		if !p.active() {
			p.reply(ErrRoomNotFound)
			return
		}
		if _, err := p.hub.ResetScores(p.sess.Room().ID, p.sess.Role()); err != nil {
			p.reply(err)
		}

	case TypeLeave:
		if p.active() {
			p.hub.LeaveRoom(p.sess)
		}

	default:
		p.log.Debug().Str("type", m.Type).Msg("invalid message type")
	}
}

// active reports whether the peer is bound to a room it has not left.
func (p *Peer) active() bool {
	return p.sess != nil && !p.sess.Detached()
}

// join binds the connection to a room and starts the writer.
func (p *Peer) join(req joinReq) {
	if p.sess != nil {
		p.reply(ErrAlreadyJoined)
		return
	}

	token := req.Token
	if token == "" {
		token = p.token
	}

	s := p.hub.NewSession()
	if err := p.hub.Join(s, req.RoomID, token); err != nil {
		p.reply(err)
		return
	}
	p.sess = s
	go p.runWriter(s)
	p.log.Info().Str("room", req.RoomID).Str("session", s.ID).Str("role", s.Role().String()).Msg("peer joined")
}

// reply reports err to the peer. Before a join the listener owns the
// connection and writes directly; afterwards replies go through the room
// so they are ordered with the room's events.
func (p *Peer) reply(err error) {
	if p.sess == nil {
		p.writeWSData(websocket.TextMessage, encode(ErrorEvent{Err: err}))
		return
	}
	if r := p.sess.Room(); r != nil {
		r.notify(p.sess, ErrorEvent{Err: err})
	}
}

// writeWSData writes the given payload to the peer's WS connection.
func (p *Peer) writeWSData(msgType int, payload []byte) error {
	p.ws.SetWriteDeadline(p.deadline())
	return p.ws.WriteMessage(msgType, payload)
}

// writeWSControl writes the given control payload to the peer's WS connection.
func (p *Peer) writeWSControl(control int, payload []byte) error {
	return p.ws.WriteControl(control, payload, p.deadline())
}

// deadline returns the write deadline for the next frame. A zero
// websocket_timeout means no deadline.
func (p *Peer) deadline() time.Time {
	if p.hub.cfg.WSTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(p.hub.cfg.WSTimeout)
}

func (p *Peer) extendReadDeadline() {
	p.ws.SetReadDeadline(p.deadline())
}

func (p *Peer) pingInterval() time.Duration {
	if p.hub.cfg.WSTimeout <= 0 {
		return 30 * time.Second
	}
	return p.hub.cfg.WSTimeout * 9 / 10
}
