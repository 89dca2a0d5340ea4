package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-chessroom/internal/obslog"
)

const directoryTimeout = 2 * time.Second

var (
	ErrRoomExists   = errors.New("room already exists")
	ErrInvalidRules = errors.New("invalid game rules")
	ErrInvalidHost  = errors.New("host identity required")
)

// ProfileResolver enriches a connecting identity (avatar, stored profile).
type ProfileResolver interface {
	Resolve(ctx context.Context, user User) (User, error)
}

// Directory mirrors live rooms into an external index.
type Directory interface {
	Register(ctx context.Context, snap Snapshot) error
	MarkStatus(ctx context.Context, id string, status Status) error
	Remove(ctx context.Context, id string) error
}

// ManagerOptions configure a Manager. Room is the template for every room;
// its callbacks are owned by the manager.
type ManagerOptions struct {
	Room       Options
	FakeRoomID string
	Resolver   ProfileResolver
	Directory  Directory
	Logger     *zap.Logger
}

// Manager owns the set of live rooms and routes connections into them.
type Manager struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	opts   ManagerOptions
	logger *zap.Logger
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = obslog.L()
	}
	if opts.Room.Logger == nil {
		opts.Room.Logger = logger
	}
	return &Manager{rooms: make(map[string]*Room), opts: opts, logger: logger}
}

// Validate checks rules supplied by a room creator.
func (g GameRules) Validate() error {
	if g.HostPreferredColor != "" && !g.HostPreferredColor.Valid() {
		return fmt.Errorf("%w: color %q", ErrInvalidRules, g.HostPreferredColor)
	}
	if g.Timer && g.InitialTime <= 0 {
		return fmt.Errorf("%w: initial time must be positive", ErrInvalidRules)
	}
	if g.TimerIncrement < 0 {
		return fmt.Errorf("%w: negative increment", ErrInvalidRules)
	}
	return nil
}

// CreateRoom registers a new room. An empty id generates one.
func (m *Manager) CreateRoom(host User, gr GameRules, id string) (*Room, error) {
	if host.ID == "" {
		return nil, ErrInvalidHost
	}
	if err := gr.Validate(); err != nil {
		return nil, err
	}
	if id == "" {
		id = NewID()
	}

	m.mu.Lock()
	if _, ok := m.rooms[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrRoomExists, id)
	}
	ro := m.opts.Room
	ro.Fake = m.opts.FakeRoomID != "" && id == m.opts.FakeRoomID
	ro.OnDestroy = m.handleDestroy
	ro.OnStatusChange = m.handleStatusChange
	r := NewRoom(id, host, gr, ro)
	m.rooms[id] = r
	m.mu.Unlock()

	if d := m.opts.Directory; d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := d.Register(ctx, r.Snapshot()); err != nil {
			m.logger.Warn("room_directory_register_error", zap.String("room", id), zap.Error(err))
		}
	}
	return r, nil
}

// RouteConnection resolves the target room and hands the connection over.
// Errors are sent to conn (which is then disconnected) and returned.
func (m *Manager) RouteConnection(ctx context.Context, conn Conn, user User, roomID string) error {
	if err := m.route(ctx, conn, user, roomID); err != nil {
		Reject(conn, err)
		return err
	}
	return nil
}

func (m *Manager) route(ctx context.Context, conn Conn, user User, roomID string) error {
	if user.ID == "" {
		return NewError(KindAuth, "Missing user identity")
	}
	if roomID == "" {
		return NewError(KindAuth, "Missing room id")
	}
	if m.Room(roomID) == nil {
		return NewError(KindRoomNotFound, "Room "+roomID+" not found")
	}

	if res := m.opts.Resolver; res != nil {
		resolved, err := res.Resolve(ctx, user)
		if err != nil {
			m.logger.Warn("room_profile_resolve_error", zap.String("user", user.ID), zap.Error(err))
		} else {
			resolved.ID = user.ID
			user = resolved
		}
	}
	if !conn.Connected() {
		m.logger.Debug("room_route_dropped", zap.String("room", roomID), zap.String("user", user.ID))
		return nil
	}

	// 해석 도중 방이 사라졌을 수 있음
	r := m.Room(roomID)
	if r == nil {
		return NewError(KindRoomNotFound, "Room "+roomID+" not found")
	}
	return r.AcceptConnection(conn, user)
}

// Room returns the live room or nil.
func (m *Manager) Room(id string) *Room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

func (m *Manager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// Lobby lists rooms still waiting for an opponent, oldest first.
func (m *Manager) Lobby() []Snapshot {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()

	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt().Before(rooms[j].CreatedAt()) })
	out := make([]Snapshot, 0, len(rooms))
	for _, r := range rooms {
		if snap := r.Snapshot(); snap.GameState.Status == StatusNotStarted {
			out = append(out, snap)
		}
	}
	return out
}

// Close stops every room's clocks and waits for pending persistence.
func (m *Manager) Close() {
	m.mu.RLock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.RUnlock()
	for _, r := range rooms {
		r.Close()
	}
}

func (m *Manager) handleDestroy(id string) {
	m.mu.Lock()
	delete(m.rooms, id)
	m.mu.Unlock()

	if d := m.opts.Directory; d != nil {
		ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
		defer cancel()
		if err := d.Remove(ctx, id); err != nil {
			m.logger.Warn("room_directory_remove_error", zap.String("room", id), zap.Error(err))
		}
	}
}

func (m *Manager) handleStatusChange(id string, st Status) {
	d := m.opts.Directory
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), directoryTimeout)
	defer cancel()
	if err := d.MarkStatus(ctx, id, st); err != nil {
		m.logger.Warn("room_directory_status_error", zap.String("room", id), zap.Error(err))
	}
}
