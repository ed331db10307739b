package main

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"
	"github.com/knadh/tally/internal/hub"
	"github.com/knadh/tally/internal/metrics"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	qrcode "github.com/skip2/go-qrcode"
	"golang.org/x/time/rate"
)

const (
	hasAuth = 1 << iota
	hasRoom
)

// grantHeader carries a grant token. It takes precedence over the cookie.
const grantHeader = "X-Tally-Grant"

var (
	errBadRequest      = errors.New("error parsing JSON request")
	errInvalidScore    = errors.New("score must be an integer")
	errTooManyRequests = errors.New("too many requests, try again later")
)

type ctxKey struct{}

// reqCtx is the context injected into every request.
type reqCtx struct {
	app   *App
	room  *hub.Room
	token string
}

// errResp is the body of every failed API response.
type errResp struct {
	Error string `json:"error"`
}

type reqCreateRoom struct {
	RoomID        string `json:"room_id"`
	AdminPass     string `json:"admin_pass"`
	SpectatorPass string `json:"spectator_pass"`
}

type reqJoinRoom struct {
	RoomID   string `json:"room_id"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

// grantResp is returned when a grant is issued.
type grantResp struct {
	Message string `json:"message"`
	RoomID  string `json:"room_id"`
	Role    string `json:"role"`
	Token   string `json:"token"`
}

type scoresResp struct {
	Score1 int `json:"score1"`
	Score2 int `json:"score2"`
}

// newRouter registers the HTTP routes.
func newRouter(app *App) http.Handler {
	r := chi.NewRouter()

	// API.
	r.Get("/api/rooms", wrap(handleListRooms, app, 0))
	r.Post("/api/create_room", wrap(handleCreateRoom, app, 0))
	r.Post("/api/join_room", wrap(handleJoinRoom, app, 0))
	r.Post("/api/reset/{roomID}", wrap(handleReset, app, hasAuth|hasRoom))
	r.Post("/api/score/{roomID}/{team}/{value}", wrap(handleScore, app, hasAuth|hasRoom))
	r.Get("/api/qr/{roomID}", wrap(handleQR, app, hasRoom))

	// Persistent channel.
	r.Get("/ws", wrap(handleWS, app, hasAuth))

	r.Get("/health", wrap(handleHealth, app, 0))
	r.Handle("/metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   app.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

// handleListRooms lists the active rooms.
func handleListRooms(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	respondJSON(w, struct {
		Rooms []hub.RoomInfo `json:"rooms"`
	}{app.hub.ListRooms()}, http.StatusOK)
}

// handleCreateRoom handles the creation of a new room. The creator gets
// an admin grant.
func handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	if !app.createLimiter.allow(clientIP(r)) {
		respondErr(w, errTooManyRequests)
		return
	}

	var req reqCreateRoom
	if err := readJSONReq(r, &req); err != nil {
		respondErr(w, errBadRequest)
		return
	}

	room, g, err := app.hub.CreateRoom(req.RoomID, req.AdminPass, req.SpectatorPass)
	if err != nil {
		respondErr(w, err)
		return
	}
	setGrantCookie(w, app, g.Token)

	respondJSON(w, grantResp{
		Message: "room created",
		RoomID:  room.ID,
		Role:    g.Role.String(),
		Token:   g.Token,
	}, http.StatusCreated)
}

// handleJoinRoom authorizes a role in a room and issues a grant for the
// realtime join.
func handleJoinRoom(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	var req reqJoinRoom
	if err := readJSONReq(r, &req); err != nil {
		respondErr(w, errBadRequest)
		return
	}

	role, err := hub.ParseRole(req.Role)
	if err != nil {
		respondErr(w, err)
		return
	}

	g, err := app.hub.Login(req.RoomID, role, req.Password)
	if err != nil {
		respondErr(w, err)
		return
	}
	setGrantCookie(w, app, g.Token)

	respondJSON(w, grantResp{
		Message: "joined as " + g.Role.String(),
		RoomID:  g.RoomID,
		Role:    g.Role.String(),
		Token:   g.Token,
	}, http.StatusOK)
}

// handleReset zeroes a room's scores.
func handleReset(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value(ctxKey{}).(*reqCtx)
		app  = ctx.app
		role = app.hub.RequesterRole(ctx.room, ctx.token)
	)

	sc, err := app.hub.ResetScores(ctx.room.ID, role)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, scoresResp{Score1: sc.A, Score2: sc.B}, http.StatusOK)
}

// handleScore sets one team's score.
func handleScore(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context().Value(ctxKey{}).(*reqCtx)
		app  = ctx.app
		role = app.hub.RequesterRole(ctx.room, ctx.token)
	)

	n, err := strconv.Atoi(chi.URLParam(r, "team"))
	if err != nil {
		respondErr(w, hub.ErrInvalidTeam)
		return
	}
	team, err := hub.TeamFromWire(n)
	if err != nil {
		respondErr(w, err)
		return
	}
	value, err := strconv.Atoi(chi.URLParam(r, "value"))
	if err != nil {
		respondErr(w, errInvalidScore)
		return
	}

	sc, err := app.hub.SubmitScore(ctx.room.ID, team, role, value)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, scoresResp{Score1: sc.A, Score2: sc.B}, http.StatusOK)
}

// handleQR renders a QR code of the spectator link to a room.
func handleQR(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	link := strings.TrimRight(app.cfg.RootURL, "/") + "/?room=" + url.QueryEscape(ctx.room.ID)
	png, err := qrcode.Encode(link, app.qrConfig.level(), app.qrConfig.size())
	if err != nil {
		app.log.Error().Err(err).Str("room", ctx.room.ID).Msg("error generating QR code")
		respondErr(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// handleWS upgrades the connection. The peer joins a room with its first
// join message.
func handleWS(w http.ResponseWriter, r *http.Request) {
	var (
		ctx = r.Context().Value(ctxKey{}).(*reqCtx)
		app = ctx.app
	)

	ws, err := app.upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}
	app.hub.NewPeer(ws, ctx.token).RunListener()
}

// handleHealth reports liveness.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxKey{}).(*reqCtx).app

	respondJSON(w, struct {
		Status string `json:"status"`
		Rooms  int    `json:"rooms"`
	}{"ok", len(app.hub.ListRooms())}, http.StatusOK)
}

// wrap is a middleware that handles auth and room check for various HTTP handlers.
// It attaches the app and room contexts to handlers.
func wrap(next http.HandlerFunc, app *App, opts uint8) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := &reqCtx{app: app}

		// Check if the room is valid and active.
		if opts&hasRoom != 0 {
			room, err := app.hub.GetRoom(chi.URLParam(r, "roomID"))
			if err != nil {
				respondErr(w, err)
				return
			}
			req.room = room
		}

		// Pick up the grant token, if any. Its validity is checked where
		// it is used.
		if opts&hasAuth != 0 {
			req.token = grantToken(r, app.cfg.SessionCookie)
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, req)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// grantToken returns the grant token presented with a request.
func grantToken(r *http.Request, cookie string) string {
	if t := r.Header.Get(grantHeader); t != "" {
		return t
	}
	if cookie == "" {
		return ""
	}
	if ck, err := r.Cookie(cookie); err == nil {
		return ck.Value
	}
	return ""
}

func setGrantCookie(w http.ResponseWriter, app *App, token string) {
	if app.cfg.SessionCookie == "" {
		return
	}
	ck := &http.Cookie{
		Name:     app.cfg.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if app.cfg.GrantTTL > 0 {
		ck.MaxAge = int(app.cfg.GrantTTL / time.Second)
	}
	http.SetCookie(w, ck)
}

// errStatus maps an error to the HTTP status it is reported with.
func errStatus(err error) int {
	switch {
	case errors.Is(err, hub.ErrInvalidID),
		errors.Is(err, hub.ErrInvalidRole),
		errors.Is(err, hub.ErrInvalidTeam),
		errors.Is(err, errBadRequest),
		errors.Is(err, errInvalidScore):
		return http.StatusBadRequest
	case errors.Is(err, hub.ErrNoGrant):
		return http.StatusUnauthorized
	case errors.Is(err, hub.ErrDenied), errors.Is(err, hub.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, hub.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, errTooManyRequests):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// respondErr responds with {"error": msg} and the status mapped from err.
func respondErr(w http.ResponseWriter, err error) {
	code := errStatus(err)
	if code == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
	}
	respondJSON(w, errResp{Error: err.Error()}, code)
}

// respondJSON responds to an HTTP request with a JSON payload.
func respondJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	b, err := json.Marshal(data)
	if err != nil {
		logger.Error().Err(err).Msg("error marshalling JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	w.Write(b)
}

// readJSONReq reads the JSON body from a request and unmarshals it to the given target.
func readJSONReq(r *http.Request, o interface{}) error {
	defer r.Body.Close()
	b, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, o)
}

// checkOrigin accepts websocket upgrades from the configured CORS origins.
func checkOrigin(origins []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		o := r.Header.Get("Origin")
		if o == "" {
			return true
		}
		for _, a := range origins {
			if a == "*" || strings.EqualFold(a, o) {
				return true
			}
		}
		return false
	}
}

func clientIP(r *http.Request) string {
	h, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return h
}

// ipLimiter rate limits requests per client IP. A nil limiter allows
// everything.
type ipLimiter struct {
	every  rate.Limit
	burst  int
	mu     sync.Mutex
	pruned time.Time
	ips    map[string]*ipEntry
}

type ipEntry struct {
	limiter *rate.Limiter
	expire  time.Time
}

const ipLimiterIdle = 10 * time.Minute

func newIPLimiter(interval time.Duration, burst int) *ipLimiter {
	if interval <= 0 || burst <= 0 {
		return nil
	}
	return &ipLimiter{
		every:  rate.Every(interval / time.Duration(burst)),
		burst:  burst,
		pruned: time.Now(),
		ips:    make(map[string]*ipEntry),
	}
}

func (l *ipLimiter) allow(ip string) bool {
	if l == nil {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	// Forget idle clients.
	if now.Sub(l.pruned) > ipLimiterIdle {
		for k, e := range l.ips {
			if e.expire.Before(now) {
				delete(l.ips, k)
			}
		}
		l.pruned = now
	}

	e, ok := l.ips[ip]
	if !ok {
		e = &ipEntry{limiter: rate.NewLimiter(l.every, l.burst)}
		l.ips[ip] = e
	}
	e.expire = now.Add(ipLimiterIdle)
	return e.limiter.Allow()
}

// qrConfig is the [qr] configuration section.
type qrConfig struct {
	Level string `koanf:"level"`
	Size  int    `koanf:"size"`
}

func (q qrConfig) level() qrcode.RecoveryLevel {
	switch strings.ToLower(q.Level) {
	case "low":
		return qrcode.Low
	case "high":
		return qrcode.High
	case "highest":
		return qrcode.Highest
	}
	return qrcode.Medium
}

func (q qrConfig) size() int {
	if q.Size <= 0 {
		return 256
	}
	return q.Size
}

// newUpgrader returns the websocket upgrader for the configured origins.
func newUpgrader(cfg *hub.Config) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: checkOrigin(cfg.CORSOrigins),
	}
}
