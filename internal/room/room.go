// Package room implements the multiplayer match orchestrator: who is in a
// room, who plays which side, the per-side clocks and how a match ends.
//
// Every handler of a Room (connection events, player actions and clock
// callbacks) runs under the room's mutex. Notifications produced while the
// lock is held are queued and delivered in order after it is released.
package room

import (
	"context"
	"crypto/rand"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/cheese-chessroom/internal/clock"
	"github.com/park285/cheese-chessroom/internal/obslog"
	"github.com/park285/cheese-chessroom/internal/rules"
)

const (
	DefaultInactivityTimeout = 180 * time.Second
	DefaultDisconnectTimeout = 60 * time.Second

	persistTimeout = 10 * time.Second
	idLength       = 24
)

// GameRecorder stores completed matches.
type GameRecorder interface {
	SaveGame(ctx context.Context, g FinishedGame) error
}

// Options configure a Room. Zero values fall back to defaults.
type Options struct {
	InactivityTimeout time.Duration
	DisconnectTimeout time.Duration
	NewEngine         rules.Factory
	Recorder          GameRecorder
	// Fake rooms are never persisted.
	Fake bool

	OnDestroy      func(id string)
	OnStatusChange func(id string, status Status)

	Logger *zap.Logger
}

// Room is one match session: two players plus any number of spectators.
type Room struct {
	id        string
	hostID    string
	createdAt time.Time
	rules     GameRules
	opts      Options
	logger    *zap.Logger

	mu      sync.Mutex
	pending batch
	out     outbox

	status     Status
	resolution Resolution
	winnerID   string
	reg        *registry
	engine     rules.Engine
	players    map[Color]string
	clocks     map[Color]*clock.Clock
	inactivity *clock.Clock
	destroyed  bool
	closed     bool

	persist sync.WaitGroup
}

// NewID returns a fresh opaque room id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:idLength]
}

// NewRoom creates a room whose host is registered as a disconnected player.
// An empty id generates one. The inactivity clock starts immediately so a
// room nobody ever joins is reaped.
func NewRoom(id string, host User, gr GameRules, opts Options) *Room {
	if id == "" {
		id = NewID()
	}
	if opts.InactivityTimeout <= 0 {
		opts.InactivityTimeout = DefaultInactivityTimeout
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.NewEngine == nil {
		opts.NewEngine = rules.New
	}
	logger := opts.Logger
	if logger == nil {
		logger = obslog.L()
	}

	hostColor := gr.HostPreferredColor
	if !hostColor.Valid() {
		hostColor = randomColor()
	}

	r := &Room{
		id:        id,
		hostID:    host.ID,
		createdAt: time.Now(),
		rules:     gr,
		opts:      opts,
		logger:    logger,
		status:    StatusNotStarted,
		reg:       newRegistry(),
		engine:    opts.NewEngine(),
		players:   map[Color]string{hostColor: host.ID},
		clocks:    make(map[Color]*clock.Clock, 2),
	}
	r.reg.add(&session{
		member: Member{User: host, State: MemberState{IsPlayer: true, Color: hostColor}},
		joined: r.createdAt,
	})
	if gr.Timer {
		for _, side := range []Color{White, Black} {
			r.clocks[side] = clock.New(r.guard("clock", func() { r.handleClockExpire(side) }), gr.initial())
		}
	}
	r.inactivity = clock.New(r.guard("inactivity", r.handleInactivity), opts.InactivityTimeout)
	r.inactivity.Start()

	logger.Info("room_create",
		zap.String("room", id),
		zap.String("host", host.ID),
		zap.String("host_color", string(hostColor)),
		zap.Bool("timer", gr.Timer),
		zap.Int("initial", gr.InitialTime),
		zap.Int("increment", gr.TimerIncrement),
		zap.Bool("fake", opts.Fake),
	)
	return r
}

func randomColor() Color {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil || n.Int64() == 0 {
		return White
	}
	return Black
}

// AcceptConnection registers a new participant or reconnects a known one,
// and starts the match once the host and a second participant are present.
func (r *Room) AcceptConnection(conn Conn, user User) error {
	if conn == nil || user.ID == "" {
		return NewError(KindAuth, "missing identity")
	}
	r.lock()
	defer r.unlock()

	if r.destroyed || r.closed {
		return NewError(KindRoomNotFound, "Room not found")
	}
	s := r.reg.get(user.ID)
	if s != nil && s.connected() {
		return NewError(KindAlreadyConnected, "You are already connected to this room")
	}

	r.inactivity.Stop()

	if s != nil {
		s.member.User = mergeUser(s.member.User, user)
		s.conn = conn
		s.member.State.Connected = true
		s.stopGrace()
		r.send(conn, initEvent(r.snapshotLocked(), user.ID))
		r.broadcastExcept(user.ID, memberUpdateEvent(user.ID, s.member.State))
		r.logger.Info("room_member_reconnect", zap.String("room", r.id), zap.String("user", user.ID))
	} else {
		s = &session{
			member: Member{User: user, State: MemberState{Connected: true}},
			conn:   conn,
			joined: time.Now(),
		}
		r.reg.add(s)
		r.send(conn, initEvent(r.snapshotLocked(), user.ID))
		r.broadcastExcept(user.ID, memberJoinEvent(s.member))
		r.logger.Info("room_member_join", zap.String("room", r.id), zap.String("user", user.ID))
	}

	switch r.status {
	case StatusNotStarted:
		r.startGameLocked()
	case StatusInProgress:
		if s.member.State.IsPlayer {
			s.subscribed = true
		}
	}
	return nil
}

// Disconnect handles a dropped connection. A notification for a handle that
// was already replaced by a reconnect is ignored; a nil conn matches any.
func (r *Room) Disconnect(userID string, conn Conn) {
	r.lock()
	defer r.unlock()

	if r.destroyed {
		return
	}
	s := r.reg.get(userID)
	if s == nil || !s.connected() || (conn != nil && s.conn != conn) {
		return
	}

	if s.member.State.IsPlayer {
		s.conn = nil
		s.subscribed = false
		s.member.State.Connected = false
		r.broadcast(memberUpdateEvent(userID, s.member.State))
		if r.status == StatusInProgress {
			s.stopGrace()
			var gc *clock.Clock
			gc = clock.New(r.guard("grace", func() { r.handleGraceExpire(userID, gc) }), r.opts.DisconnectTimeout)
			s.grace = gc
			gc.Start()
		}
	} else {
		r.reg.remove(userID)
		r.broadcast(memberLeaveEvent(userID))
	}
	r.logger.Info("room_member_leave",
		zap.String("room", r.id),
		zap.String("user", userID),
		zap.Bool("player", s.member.State.IsPlayer),
	)
	r.checkInactivityLocked()
}

// MakeMove applies a move from a subscribed player connection. Rejected
// moves send an error to conn and disconnect it.
func (r *Room) MakeMove(conn Conn, mv Move) error {
	r.lock()
	defer r.unlock()

	s := r.reg.byConn(conn)
	if s == nil || !s.subscribed || !s.member.State.IsPlayer {
		return nil
	}
	if r.status != StatusInProgress {
		return r.rejectLocked(conn, NewError(KindIllegalMove, "Game is not in progress"))
	}
	side := s.member.State.Color
	if r.engine.Turn() != side {
		return r.rejectLocked(conn, NewError(KindIllegalMove, "This was not your turn"))
	}

	var mover, next *clock.Clock
	if r.rules.Timer {
		mover, next = r.clocks[side], r.clocks[side.Opposite()]
		// 플래그가 이미 떨어졌는데 만료 콜백이 아직 락을 못 잡은 경우
		if !mover.Running() && mover.Remaining() == 0 {
			r.finishLocked(ResolutionOutOfTime, r.players[side.Opposite()])
			return nil
		}
	}
	if err := r.engine.ApplyMove(mv); err != nil {
		return r.rejectLocked(conn, NewError(KindIllegalMove, "Illegal move: "+mv.UCI()))
	}
	if r.rules.Timer {
		mover.Pause()
		mover.AddTime(r.rules.increment())
		next.Start()
	}

	r.broadcast(moveEvent(mv, r.clockSnapshotLocked()))
	r.logger.Debug("room_move",
		zap.String("room", r.id),
		zap.String("user", s.id()),
		zap.String("uci", mv.UCI()),
	)
	r.checkGameEndLocked()
	return nil
}

// GiveUp resigns on behalf of a subscribed player. No-op unless in progress.
func (r *Room) GiveUp(conn Conn) error {
	r.lock()
	defer r.unlock()

	s := r.reg.byConn(conn)
	if s == nil || !s.subscribed || !s.member.State.IsPlayer {
		return nil
	}
	if r.status != StatusInProgress {
		return nil
	}
	r.finishLocked(ResolutionGiveUp, r.players[s.member.State.Color.Opposite()])
	return nil
}

// Close cancels every clock without destroying the room and waits for
// pending persistence. Used on shutdown.
func (r *Room) Close() {
	r.lock()
	r.closed = true
	r.inactivity.Stop()
	for _, c := range r.clocks {
		c.Pause()
	}
	r.reg.stopGraceClocks()
	r.unlock()
	r.persist.Wait()
}

func (r *Room) startGameLocked() {
	host := r.reg.get(r.hostID)
	if host == nil || !host.connected() || r.reg.connectedCount() < 2 {
		return
	}
	opp := r.reg.earliestSpectator()
	if opp == nil {
		return
	}
	side := host.member.State.Color.Opposite()
	opp.member.State.IsPlayer = true
	opp.member.State.Color = side
	r.players[side] = opp.id()
	r.broadcast(memberUpdateEvent(opp.id(), opp.member.State))

	r.status = StatusInProgress
	host.subscribed = true
	opp.subscribed = true
	if r.rules.Timer {
		r.clocks[White].Start()
	}
	r.broadcast(Event{Name: EventGameStart})
	r.notifyStatusLocked()
	r.logger.Info("room_game_start",
		zap.String("room", r.id),
		zap.String("white", r.players[White]),
		zap.String("black", r.players[Black]),
	)
}

func (r *Room) checkGameEndLocked() {
	switch {
	case r.engine.IsCheckmate():
		r.finishLocked(ResolutionCheckmate, r.players[r.engine.Turn().Opposite()])
	case r.engine.IsStalemate():
		r.finishLocked(ResolutionStalemate, "")
	case r.engine.IsDraw():
		r.finishLocked(ResolutionDraw, "")
	}
}

func (r *Room) finishLocked(res Resolution, winnerID string) {
	r.status = StatusFinished
	r.resolution = res
	r.winnerID = winnerID
	for _, c := range r.clocks {
		c.Pause()
	}
	r.reg.stopGraceClocks()

	r.broadcast(gameEndEvent(res, winnerID, r.clockSnapshotLocked()))
	r.notifyStatusLocked()
	r.logger.Info("room_game_end",
		zap.String("room", r.id),
		zap.String("resolution", string(res)),
		zap.String("winner", winnerID),
	)
	r.checkInactivityLocked()
	r.persistLocked()
}

func (r *Room) persistLocked() {
	rec := r.opts.Recorder
	if r.opts.Fake || rec == nil {
		return
	}
	g := FinishedGame{
		ID:            r.id,
		Rules:         r.rules,
		PGN:           r.engine.PGN(),
		Resolution:    r.resolution,
		Winner:        r.colorOf(r.winnerID),
		WhitePlayerID: r.players[White],
		BlackPlayerID: r.players[Black],
		CreatedAt:     r.createdAt,
		FinishedAt:    time.Now(),
	}
	r.persist.Add(1)
	go func() {
		defer r.persist.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := rec.SaveGame(ctx, g); err != nil {
			r.logger.Error("game_record_persist_error", zap.String("room", g.ID), zap.Error(err))
			return
		}
		r.logger.Debug("game_record_saved", zap.String("room", g.ID))
	}()
}

func (r *Room) checkInactivityLocked() {
	if r.destroyed || r.closed || r.reg.connectedCount() > 0 {
		return
	}
	switch r.status {
	case StatusNotStarted:
		if !r.inactivity.Running() {
			r.inactivity.Start(r.opts.InactivityTimeout)
		}
	case StatusFinished:
		r.destroyLocked("finished")
	}
}

func (r *Room) destroyLocked(reason string) {
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.inactivity.Stop()
	for _, c := range r.clocks {
		c.Pause()
	}
	r.reg.stopGraceClocks()
	r.logger.Info("room_destroy", zap.String("room", r.id), zap.String("reason", reason))
	if fn := r.opts.OnDestroy; fn != nil {
		id := r.id
		r.later(func() { fn(id) })
	}
}

func (r *Room) handleInactivity() {
	r.lock()
	defer r.unlock()
	if r.destroyed || r.closed || r.status != StatusNotStarted || r.reg.connectedCount() > 0 {
		return
	}
	r.destroyLocked("inactive")
}

func (r *Room) handleClockExpire(side Color) {
	r.lock()
	defer r.unlock()
	if r.status != StatusInProgress || r.closed {
		return
	}
	c := r.clocks[side]
	if c == nil || c.Running() || c.Remaining() > 0 {
		return
	}
	r.finishLocked(ResolutionOutOfTime, r.players[side.Opposite()])
}

func (r *Room) handleGraceExpire(userID string, gc *clock.Clock) {
	r.lock()
	defer r.unlock()
	if r.status != StatusInProgress || r.closed {
		return
	}
	s := r.reg.get(userID)
	if s == nil || s.grace != gc || s.connected() {
		return
	}
	s.grace = nil
	r.finishLocked(ResolutionPlayerQuit, r.players[s.member.State.Color.Opposite()])
}

// guard recovers a panicking timer callback so it cannot take the process down.
func (r *Room) guard(name string, fn func()) func() {
	return func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("room_callback_panic",
					zap.String("room", r.id),
					zap.String("callback", name),
					zap.Any("panic", rec),
				)
			}
		}()
		fn()
	}
}

func (r *Room) rejectLocked(conn Conn, err error) error {
	r.send(conn, errorEvent(err))
	r.later(conn.Disconnect)
	r.logger.Debug("room_reject", zap.String("room", r.id), zap.Error(err))
	return err
}

func (r *Room) notifyStatusLocked() {
	fn := r.opts.OnStatusChange
	if fn == nil {
		return
	}
	id, st := r.id, r.status
	r.later(func() { fn(id, st) })
}

func (r *Room) colorOf(userID string) Color {
	if userID == "" {
		return ""
	}
	for side, id := range r.players {
		if id == userID {
			return side
		}
	}
	return ""
}

func mergeUser(prev, next User) User {
	if next.AvatarURL == "" {
		next.AvatarURL = prev.AvatarURL
	}
	if next.FullName == "" {
		next.FullName = prev.FullName
	}
	return next
}

// --- locking and delivery ---

func (r *Room) lock() { r.mu.Lock() }

// unlock releases the state lock and queues whatever the handler produced
// behind every earlier handler's batch. If no delivery is in progress the
// caller drains the queue itself.
func (r *Room) unlock() {
	b := r.pending
	r.pending = batch{}
	if b.empty() {
		r.mu.Unlock()
		return
	}
	drain := r.out.push(b)
	r.mu.Unlock()
	if drain {
		r.out.drain(r.logger, r.id)
	}
}

func (r *Room) send(conn Conn, ev Event) {
	if conn == nil {
		return
	}
	r.pending.sends = append(r.pending.sends, delivery{conn: conn, ev: ev})
}

func (r *Room) broadcast(ev Event) {
	for _, s := range r.reg.all() {
		r.send(s.conn, ev)
	}
}

func (r *Room) broadcastExcept(userID string, ev Event) {
	for _, s := range r.reg.all() {
		if s.id() != userID {
			r.send(s.conn, ev)
		}
	}
}

func (r *Room) later(fn func()) { r.pending.after = append(r.pending.after, fn) }

// --- views ---

func (r *Room) snapshotLocked() Snapshot {
	return Snapshot{
		ID:               r.id,
		Members:          r.reg.members(),
		HostID:           r.hostID,
		CreatedTimestamp: r.createdAt.Unix(),
		GameRules:        r.rules,
		GameState:        r.gameStateLocked(),
	}
}

func (r *Room) gameStateLocked() GameState {
	return GameState{
		Status:     r.status,
		PGN:        r.engine.PGN(),
		Turn:       r.engine.Turn(),
		Timer:      r.clockSnapshotLocked(),
		Resolution: r.resolution,
		WinnerID:   r.winnerID,
	}
}

func (r *Room) clockSnapshotLocked() *ClockSnapshot {
	if !r.rules.Timer || len(r.clocks) == 0 {
		return nil
	}
	return &ClockSnapshot{
		WhiteTimeLeft: r.clocks[White].Remaining().Milliseconds(),
		BlackTimeLeft: r.clocks[Black].Remaining().Milliseconds(),
	}
}

func (r *Room) ID() string           { return r.id }
func (r *Room) HostID() string       { return r.hostID }
func (r *Room) CreatedAt() time.Time { return r.createdAt }
func (r *Room) Rules() GameRules     { return r.rules }

func (r *Room) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Room) GameState() GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gameStateLocked()
}

func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Room) Members() []Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.members()
}

func (r *Room) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.connectedCount()
}

func (r *Room) IsUserPresent(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reg.get(userID) != nil
}

func (r *Room) IsUserConnected(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.reg.get(userID)
	return s != nil && s.connected()
}

// Destroyed reports whether the room has signalled its owner to forget it.
func (r *Room) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}
