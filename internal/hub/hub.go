package hub

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/knadh/tally/internal/metrics"
	"github.com/knadh/tally/store"
	"github.com/rs/zerolog"
)

// Config represents the app configuration.
type Config struct {
	Address string `koanf:"address"`
	RootURL string `koanf:"root_url"`

	Name               string        `koanf:"name"`
	RoomIDMaxLen       int           `koanf:"room_id_max_length"`
	RoomGrace          time.Duration `koanf:"room_grace"`
	MaxMessageLen      int           `koanf:"max_message_length"`
	WSTimeout          time.Duration `koanf:"websocket_timeout"`
	MaxMessageQueue    int           `koanf:"max_message_queue"`
	RateLimitInterval  time.Duration `koanf:"rate_limit_interval"`
	RateLimitMessages  int           `koanf:"rate_limit_messages"`
	CreateRateInterval time.Duration `koanf:"create_rate_interval"`
	CreateRateBurst    int           `koanf:"create_rate_burst"`
	GrantTTL           time.Duration `koanf:"grant_ttl"`
	SessionCookie      string        `koanf:"session_cookie"`
	Storage            string        `koanf:"storage"`
	CORSOrigins        []string      `koanf:"cors_origins"`
	LogLevel           string        `koanf:"log_level"`

	Rooms []PredefinedRoom `koanf:"rooms"`
}

// PredefinedRoom are static rooms declared in the configuration file.
type PredefinedRoom struct {
	ID                string `koanf:"id"`
	AdminPassword     string `koanf:"admin_password"`
	SpectatorPassword string `koanf:"spectator_password"`
}

const (
	defaultRoomIDMaxLen    = 50
	defaultMaxMessageQueue = 64
)

// Predefined common errors.
var (
	ErrInvalidID     = errors.New("room ID must be alphanumeric with dashes/underscores")
	ErrAlreadyExists = errors.New("room already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrDenied        = errors.New("incorrect password")
	ErrForbidden     = errors.New("admin role required")
	ErrInvalidRole   = errors.New("invalid role")
	ErrInvalidTeam   = errors.New("invalid team number")
	ErrNoGrant       = errors.New("missing or expired grant")
	ErrAlreadyJoined = errors.New("session already joined a room")
)

var reRoomID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RoomInfo is the public listing of a room.
type RoomInfo struct {
	ID           string `json:"id"`
	Participants int    `json:"participants"`
	HasPassword  bool   `json:"hasPassword"`
}

// Hub acts as the controller and container for all rooms.
type Hub struct {
	rooms map[string]*Room

	// seq numbers rooms in creation order for listing.
	seq uint64

	cfg    *Config
	grants *grantStore
	clock  clockwork.Clock
	mut    sync.RWMutex
	log    zerolog.Logger
}

// NewHub returns a new instance of Hub. Grants are kept in st.
func NewHub(cfg *Config, st store.Store, clock clockwork.Clock, l zerolog.Logger) *Hub {
	if cfg.RoomIDMaxLen <= 0 {
		cfg.RoomIDMaxLen = defaultRoomIDMaxLen
	}
	if cfg.MaxMessageQueue <= 0 {
		cfg.MaxMessageQueue = defaultMaxMessageQueue
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Hub{
		rooms:  make(map[string]*Room),
		cfg:    cfg,
		grants: &grantStore{store: st, ttl: cfg.GrantTTL},
		clock:  clock,
		log:    l,
	}
}

// ValidateRoomID checks the format of a room id.
func (h *Hub) ValidateRoomID(id string) error {
	if id == "" || len(id) > h.cfg.RoomIDMaxLen || !reRoomID.MatchString(id) {
		return fmt.Errorf("%w, max %d chars", ErrInvalidID, h.cfg.RoomIDMaxLen)
	}
	return nil
}

// AddRoom registers a new room and starts its loop. Empty secrets leave
// the corresponding role open.
func (h *Hub) AddRoom(id, adminSecret, viewerSecret string) (*Room, error) {
	return h.addRoom(id, adminSecret, viewerSecret, false)
}

// AddPredefinedRoom registers a room that is never reaped.
func (h *Hub) AddPredefinedRoom(id, adminSecret, viewerSecret string) (*Room, error) {
	return h.addRoom(id, adminSecret, viewerSecret, true)
}

func (h *Hub) addRoom(id, adminSecret, viewerSecret string, predefined bool) (*Room, error) {
	if err := h.ValidateRoomID(id); err != nil {
		return nil, err
	}

	h.mut.Lock()
	defer h.mut.Unlock()
	if _, ok := h.rooms[id]; ok {
		return nil, ErrAlreadyExists
	}

	// Grants outlive the process in persistent stores, so the epoch that
	// ties them to this incarnation of the id must not repeat across restarts.
	h.seq++
	r := newRoom(id, adminSecret, viewerSecret, uuid.NewString(), h.seq, predefined, h)
	h.rooms[id] = r
	metrics.Rooms.Inc()

	go r.run()
	h.log.Info().Str("room", id).Bool("predefined", predefined).Msg("room created")
	return r, nil
}

// GetRoom retrieves an active room from the hub.
func (h *Hub) GetRoom(id string) (*Room, error) {
	h.mut.RLock()
	r, ok := h.rooms[id]
	h.mut.RUnlock()
	if !ok {
		return nil, ErrRoomNotFound
	}
	return r, nil
}

// ListRooms returns the active rooms in creation order.
func (h *Hub) ListRooms() []RoomInfo {
	rooms := h.getRooms()
	out := make([]RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, RoomInfo{
			ID:           r.ID,
			Participants: r.Count(),
			HasPassword:  r.HasPassword(),
		})
	}
	return out
}

// getRooms returns the list of active rooms ordered by creation.
func (h *Hub) getRooms() []*Room {
	h.mut.RLock()
	out := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		out = append(out, r)
	}
	h.mut.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// removeRoom drops r from the registry if it is still the room registered
// under its id.
func (h *Hub) removeRoom(r *Room) bool {
	h.mut.Lock()
	defer h.mut.Unlock()
	if cur, ok := h.rooms[r.ID]; !ok || cur != r {
		return false
	}
	delete(h.rooms, r.ID)
	metrics.Rooms.Dec()
	return true
}

// Shutdown disposes every room, closing all attached channels.
func (h *Hub) Shutdown() {
	for _, r := range h.getRooms() {
		r.Dispose()
	}
}

// NewSession returns an unattached session with the configured queue size.
func (h *Hub) NewSession() *Session {
	return &Session{
		ID:    uuid.NewString(),
		dataQ: make(chan []byte, h.cfg.MaxMessageQueue),
	}
}

// GenerateGUID generates a cryptographically random, alphanumeric string of length n.
func GenerateGUID(n int) (string, error) {
	const dictionary = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	var bytes = make([]byte, n)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	for k, v := range bytes {
		bytes[k] = dictionary[v%byte(len(dictionary))]
	}
	return string(bytes), nil
}
