package room

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-chessroom/internal/rules"
)

var (
	hostUser    = User{ID: "host", FullName: "Host User"}
	guestUser   = User{ID: "guest", FullName: "Guest User"}
	watcherUser = User{ID: "watcher", FullName: "Watcher"}
)

type fakeConn struct {
	mu          sync.Mutex
	events      []Event
	closed      bool
	disconnects int
	onSend      func(Event)
}

func newConn() *fakeConn { return &fakeConn{} }

func (c *fakeConn) Send(ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	fn := c.onSend
	c.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
	return nil
}

func (c *fakeConn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.disconnects++
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *fakeConn) names() []EventName {
	var out []EventName
	for _, ev := range c.Events() {
		out = append(out, ev.Name)
	}
	return out
}

func (c *fakeConn) count(name EventName) int {
	n := 0
	for _, ev := range c.Events() {
		if ev.Name == name {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(name EventName) (Event, bool) {
	evs := c.Events()
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Name == name {
			return evs[i], true
		}
	}
	return Event{}, false
}

// fakeEngine accepts every move unless reject is set and alternates turns.
type fakeEngine struct {
	mu     sync.Mutex
	turn   Color
	moves  []Move
	mate   bool
	stale  bool
	draw   bool
	reject bool
}

func newFakeEngine() *fakeEngine { return &fakeEngine{turn: White} }

func (e *fakeEngine) set(fn func(*fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e)
}

func (e *fakeEngine) ApplyMove(mv Move) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.reject {
		return rules.ErrIllegalMove
	}
	e.moves = append(e.moves, mv)
	e.turn = e.turn.Opposite()
	return nil
}

func (e *fakeEngine) Turn() Color {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turn
}

func (e *fakeEngine) IsCheckmate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mate
}

func (e *fakeEngine) IsStalemate() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stale
}

func (e *fakeEngine) IsDraw() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draw
}

func (e *fakeEngine) PGN() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	parts := make([]string, 0, len(e.moves))
	for _, mv := range e.moves {
		parts = append(parts, mv.UCI())
	}
	return strings.Join(parts, " ")
}

func (e *fakeEngine) FEN() string { return "" }

type fakeRecorder struct {
	mu    sync.Mutex
	games []FinishedGame
	err   error
	saved chan FinishedGame
}

func newFakeRecorder() *fakeRecorder { return &fakeRecorder{saved: make(chan FinishedGame, 8)} }

func (f *fakeRecorder) SaveGame(_ context.Context, g FinishedGame) error {
	f.mu.Lock()
	f.games = append(f.games, g)
	err := f.err
	f.mu.Unlock()
	f.saved <- g
	return err
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.games)
}

func newTestRoom(t *testing.T, gr GameRules, opts Options) *Room {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InactivityTimeout == 0 {
		opts.InactivityTimeout = time.Hour
	}
	if opts.DisconnectTimeout == 0 {
		opts.DisconnectTimeout = time.Hour
	}
	r := NewRoom("", hostUser, gr, opts)
	t.Cleanup(r.Close)
	return r
}

func withEngine(e rules.Engine) rules.Factory {
	return func() rules.Engine { return e }
}

// startedRoom returns an in-progress room where the host plays white and
// the guest black.
func startedRoom(t *testing.T, gr GameRules, opts Options) (*Room, *fakeConn, *fakeConn) {
	t.Helper()
	gr.HostPreferredColor = White
	r := newTestRoom(t, gr, opts)
	hc, gc := newConn(), newConn()
	mustAccept(t, r, hc, hostUser)
	mustAccept(t, r, gc, guestUser)
	if st := r.Status(); st != StatusInProgress {
		t.Fatalf("status = %s, want in-progress", st)
	}
	return r, hc, gc
}

func mustAccept(t *testing.T, r *Room, c Conn, u User) {
	t.Helper()
	if err := r.AcceptConnection(c, u); err != nil {
		t.Fatalf("accept %s: %v", u.ID, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func memberOf(t *testing.T, r *Room, id string) Member {
	t.Helper()
	for _, m := range r.Members() {
		if m.User.ID == id {
			return m
		}
	}
	t.Fatalf("member %s not found", id)
	return Member{}
}
