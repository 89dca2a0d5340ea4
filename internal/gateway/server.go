// Package gateway exposes rooms over HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/park285/cheese-chessroom/internal/auth"
	"github.com/park285/cheese-chessroom/internal/gamemode"
	"github.com/park285/cheese-chessroom/internal/obslog"
	"github.com/park285/cheese-chessroom/internal/record"
	"github.com/park285/cheese-chessroom/internal/room"
	"github.com/park285/cheese-chessroom/internal/roomdir"
)

const (
	eventMakeMove = "makeMove"
	eventGiveUp   = "giveUp"

	requestTimeout = 5 * time.Second
	maxFrameBytes  = 4096
)

// inbound is a client-to-server frame.
type inbound struct {
	Event string     `json:"event"`
	Move  *room.Move `json:"move,omitempty"`
}

type LobbyLister interface {
	ListLobby(ctx context.Context) ([]*roomdir.Entry, error)
}

type StatsSource interface {
	Stats(ctx context.Context, userID string) (record.Stats, error)
}

type Options struct {
	BotToken         string
	ValidateInitData bool
	AllowedOrigins   []string
	MsgRate          float64
	MsgBurst         int

	Manager *room.Manager
	Modes   *gamemode.Catalog
	Lobby   LobbyLister
	Stats   StatsSource
	Logger  *zap.Logger
}

type Server struct {
	opts   Options
	logger *zap.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = obslog.L()
	}
	if opts.MsgRate <= 0 {
		opts.MsgRate = 5
	}
	if opts.MsgBurst <= 0 {
		opts.MsgBurst = 10
	}
	return &Server{opts: opts, logger: opts.Logger}
}

// Handler mounts /ws on a plain mux ahead of the gin engine; the
// WebSocket upgrade needs the raw ResponseWriter.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.Handle("/", s.engine())
	return mux
}

// HTTPServer returns a server whose request contexts derive from ctx.
// Hijacked WebSocket connections are not canceled by Shutdown, so cancel
// ctx before calling it.
func (s *Server) HTTPServer(ctx context.Context, addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func (s *Server) engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": s.opts.Manager.RoomCount()})
	})

	api := r.Group("/api")
	api.GET("/modes", s.handleModes)
	api.GET("/rooms", s.handleLobby)
	api.POST("/rooms", s.handleCreateRoom)
	api.GET("/rooms/:id", s.handleRoom)
	api.GET("/users/:id/stats", s.handleStats)
	return r
}

// initDataFrom reads initData from "Authorization: tma <raw>" or the
// initData query parameter.
func initDataFrom(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		if raw, ok := strings.CutPrefix(h, "tma "); ok {
			return strings.TrimSpace(raw)
		}
	}
	return r.URL.Query().Get("initData")
}

func (s *Server) parseInitData(r *http.Request) (*auth.InitData, error) {
	raw := initDataFrom(r)
	if raw == "" {
		return nil, room.NewError(room.KindAuth, "initData is required")
	}
	return auth.ParseInitData(raw, s.opts.BotToken, s.opts.ValidateInitData)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	data, authErr := s.parseInitData(r)

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  s.opts.AllowedOrigins,
		CompressionMode: websocket.CompressionNoContextTakeover,
	})
	if err != nil {
		s.logger.Debug("ws_accept_error", zap.Error(err))
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := newWSConn(ws, s.logger)
	go conn.run(ctx)
	defer func() {
		conn.Disconnect()
		conn.wait()
	}()

	// routing (profile lookup) is abandoned once the peer goes away
	routeCtx, leave := context.WithCancel(ctx)
	defer leave()
	go conn.readPump(ctx, leave)

	var (
		user   room.User
		roomID string
	)
	if authErr == nil {
		user, roomID, authErr = data.Identity()
	}
	if authErr != nil {
		s.logger.Info("ws_auth_rejected", zap.Error(authErr))
		room.Reject(conn, authErr)
		return
	}

	if err := s.opts.Manager.RouteConnection(routeCtx, conn, user, roomID); err != nil {
		s.logger.Info("ws_route_rejected", zap.String("room", roomID), zap.String("user", user.ID), zap.Error(err))
		return
	}
	if !conn.Connected() {
		s.logger.Debug("ws_left_before_accept", zap.String("room", roomID), zap.String("user", user.ID))
		return
	}
	s.logger.Debug("ws_connected", zap.String("room", roomID), zap.String("user", user.ID))

	s.dispatch(conn, roomID)

	if rm := s.opts.Manager.Room(roomID); rm != nil {
		rm.Disconnect(user.ID, conn)
	}
	s.logger.Debug("ws_disconnected", zap.String("room", roomID), zap.String("user", user.ID))
}

// dispatch applies buffered and live frames until the read pump ends.
func (s *Server) dispatch(conn *wsConn, roomID string) {
	limiter := rate.NewLimiter(rate.Limit(s.opts.MsgRate), s.opts.MsgBurst)
	for msg := range conn.inbox {
		if !limiter.Allow() {
			s.logger.Debug("ws_rate_limited", zap.String("room", roomID))
			continue
		}
		rm := s.opts.Manager.Room(roomID)
		if rm == nil {
			continue
		}
		switch msg.Event {
		case eventMakeMove:
			if msg.Move == nil {
				continue
			}
			if err := rm.MakeMove(conn, *msg.Move); err != nil {
				s.logger.Debug("ws_move_rejected", zap.String("room", roomID), zap.Error(err))
			}
		case eventGiveUp:
			_ = rm.GiveUp(conn)
		}
	}
}

func (s *Server) handleModes(c *gin.Context) {
	if s.opts.Modes == nil {
		c.JSON(http.StatusOK, []gamemode.Mode{})
		return
	}
	c.JSON(http.StatusOK, s.opts.Modes.List())
}

func (s *Server) handleLobby(c *gin.Context) {
	if s.opts.Lobby != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		entries, err := s.opts.Lobby.ListLobby(ctx)
		if err == nil {
			c.JSON(http.StatusOK, entries)
			return
		}
		s.logger.Warn("lobby_directory_error", zap.Error(err))
	}
	snaps := s.opts.Manager.Lobby()
	out := make([]*roomdir.Entry, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, roomdir.EntryFromSnapshot(snap))
	}
	c.JSON(http.StatusOK, out)
}

type createRoomRequest struct {
	Query string `json:"query"`
	Mode  string `json:"mode"`
}

func (s *Server) handleCreateRoom(c *gin.Context) {
	data, err := s.parseInitData(c.Request)
	if err != nil {
		writeError(c, http.StatusUnauthorized, err)
		return
	}
	if data.User == nil || data.User.ID == 0 {
		writeError(c, http.StatusUnauthorized, room.NewError(room.KindAuth, "information about the user was not provided"))
		return
	}

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	rules, err := s.rulesFor(req)
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}

	rm, err := s.opts.Manager.CreateRoom(data.User.RoomUser(), rules, "")
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, room.ErrInvalidRules) || errors.Is(err, room.ErrInvalidHost) {
			status = http.StatusBadRequest
		}
		writeError(c, status, err)
		return
	}
	c.JSON(http.StatusCreated, rm.Snapshot())
}

func (s *Server) rulesFor(req createRoomRequest) (room.GameRules, error) {
	q := strings.TrimSpace(req.Query)
	if q == "" {
		q = strings.TrimSpace(req.Mode)
	}
	if q == "" {
		return room.GameRules{}, gamemode.ErrInvalidQuery
	}
	if s.opts.Modes == nil {
		return gamemode.ParseRulesQuery(q)
	}
	return s.opts.Modes.Rules(q)
}

func (s *Server) handleRoom(c *gin.Context) {
	rm := s.opts.Manager.Room(c.Param("id"))
	if rm == nil {
		writeError(c, http.StatusNotFound, room.NewError(room.KindRoomNotFound, "Room "+c.Param("id")+" not found"))
		return
	}
	c.JSON(http.StatusOK, rm.Snapshot())
}

func (s *Server) handleStats(c *gin.Context) {
	if s.opts.Stats == nil {
		c.JSON(http.StatusOK, record.Stats{})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()
	st, err := s.opts.Stats.Stats(ctx, c.Param("id"))
	if err != nil {
		s.logger.Warn("stats_query_error", zap.String("user", c.Param("id")), zap.Error(err))
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func writeError(c *gin.Context, status int, err error) {
	name := "Error"
	var re *room.Error
	if errors.As(err, &re) {
		name = string(re.Kind)
	}
	c.JSON(status, gin.H{"name": name, "message": err.Error()})
}
