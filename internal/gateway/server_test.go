package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-chessroom/internal/auth"
	"github.com/park285/cheese-chessroom/internal/gamemode"
	"github.com/park285/cheese-chessroom/internal/record"
	"github.com/park285/cheese-chessroom/internal/room"
)

const testToken = "42:test-token"

type fixture struct {
	srv     *httptest.Server
	manager *room.Manager
	repo    *record.MemoryRepository
	// stop cancels the server lifetime context.
	stop context.CancelFunc
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, resolver room.ProfileResolver) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := record.NewMemory()
	m := room.NewManager(room.ManagerOptions{
		Room: room.Options{
			InactivityTimeout: time.Hour,
			DisconnectTimeout: time.Hour,
			Recorder:          repo,
		},
		Resolver: resolver,
		Logger:   zap.NewNop(),
	})
	modes, err := gamemode.New("")
	if err != nil {
		t.Fatalf("modes: %v", err)
	}
	s := New(Options{
		BotToken:         testToken,
		ValidateInitData: true,
		MsgRate:          100,
		MsgBurst:         100,
		Manager:          m,
		Modes:            modes,
		Stats:            repo,
		Logger:           zap.NewNop(),
	})
	ctx, stop := context.WithCancel(context.Background())
	srv := httptest.NewUnstartedServer(nil)
	srv.Config = s.HTTPServer(ctx, "")
	srv.Start()
	t.Cleanup(func() {
		stop()
		srv.Close()
		m.Close()
	})
	return &fixture{srv: srv, manager: m, repo: repo, stop: stop}
}

func initData(id int64, name, roomID string) string {
	v := url.Values{
		"auth_date": {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":      {`{"id":` + strconv.FormatInt(id, 10) + `,"first_name":"` + name + `"}`},
	}
	if roomID != "" {
		v.Set("start_param", roomID)
	}
	v.Set("hash", auth.Sign(v, testToken))
	return v.Encode()
}

func (f *fixture) dial(t *testing.T, raw string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws?initData=" + url.QueryEscape(raw)
	c, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close(websocket.StatusNormalClosure, "") })
	return c
}

// readUntil returns the first event with the given name.
func readUntil(t *testing.T, c *websocket.Conn, name room.EventName) room.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var ev room.Event
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			t.Fatalf("waiting for %s: %v", name, err)
		}
		if ev.Name == name {
			return ev
		}
	}
}

func createRoom(t *testing.T, f *fixture, rules room.GameRules) string {
	t.Helper()
	r, err := f.manager.CreateRoom(room.User{ID: "1", FullName: "Host"}, rules, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r.ID()
}

func TestWS_PlayFlow(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{HostPreferredColor: room.White})

	host := f.dial(t, initData(1, "Host", id))
	first := readUntil(t, host, room.EventInit)
	if first.UserID != "1" || first.Room == nil || first.Room.ID != id {
		t.Fatalf("init = %+v", first)
	}

	guest := f.dial(t, initData(2, "Guest", id))
	readUntil(t, guest, room.EventInit)
	readUntil(t, guest, room.EventGameStart)
	readUntil(t, host, room.EventGameStart)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, host, inbound{Event: eventMakeMove, Move: &room.Move{From: "e2", To: "e4"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	mv := readUntil(t, guest, room.EventMove)
	if mv.Move == nil || mv.Move.From != "e2" || mv.Move.To != "e4" {
		t.Fatalf("move = %+v", mv)
	}

	if err := wsjson.Write(ctx, guest, inbound{Event: eventGiveUp}); err != nil {
		t.Fatalf("write: %v", err)
	}
	end := readUntil(t, host, room.EventGameEnd)
	if end.Resolution != room.ResolutionGiveUp || end.WinnerID != "1" {
		t.Fatalf("gameEnd = %+v", end)
	}
}

func TestWS_IllegalMoveRejects(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{HostPreferredColor: room.White})
	host := f.dial(t, initData(1, "Host", id))
	readUntil(t, host, room.EventInit)
	guest := f.dial(t, initData(2, "Guest", id))
	readUntil(t, guest, room.EventGameStart)
	readUntil(t, host, room.EventGameStart)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, host, inbound{Event: eventMakeMove, Move: &room.Move{From: "e2", To: "e5"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	ev := readUntil(t, host, room.EventError)
	if ev.ErrorName != string(room.KindIllegalMove) {
		t.Fatalf("error = %+v", ev)
	}
	update := readUntil(t, guest, room.EventMemberUpdate)
	if update.UserID != "1" || update.State == nil || update.State.Connected {
		t.Fatalf("memberUpdate = %+v", update)
	}
}

func TestWS_AuthFailure(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{})

	v, _ := url.ParseQuery(initData(7, "Mallory", id))
	v.Set("start_param", "elsewhere")
	c := f.dial(t, v.Encode())
	ev := readUntil(t, c, room.EventError)
	if ev.ErrorName != string(room.KindAuth) {
		t.Fatalf("error = %+v", ev)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var next room.Event
	if err := wsjson.Read(ctx, c, &next); websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("close err = %v", err)
	}
}

func TestWS_UnknownRoom(t *testing.T) {
	f := newFixture(t)
	c := f.dial(t, initData(3, "Lost", "missing"))
	ev := readUntil(t, c, room.EventError)
	if ev.ErrorName != string(room.KindRoomNotFound) {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWS_DisconnectReachesRoom(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{})
	host := f.dial(t, initData(1, "Host", id))
	readUntil(t, host, room.EventInit)

	rm := f.manager.Room(id)
	if !rm.IsUserConnected("1") {
		t.Fatalf("host not connected")
	}
	_ = host.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(3 * time.Second)
	for rm.IsUserConnected("1") {
		if time.Now().After(deadline) {
			t.Fatalf("disconnect never reached the room")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !rm.IsUserPresent("1") {
		t.Fatalf("host session dropped")
	}
}

// slowResolver holds guest lookups until the request context ends.
type slowResolver struct {
	hold    string
	entered chan struct{}
	left    chan struct{}
}

func (r *slowResolver) Resolve(ctx context.Context, u room.User) (room.User, error) {
	if u.ID != r.hold {
		return u, nil
	}
	close(r.entered)
	defer close(r.left)
	<-ctx.Done()
	return u, ctx.Err()
}

func TestWS_GuestLeavesDuringProfileLookup(t *testing.T) {
	res := &slowResolver{hold: "2", entered: make(chan struct{}), left: make(chan struct{})}
	f := newFixtureWith(t, res)
	id := createRoom(t, f, room.GameRules{HostPreferredColor: room.White})
	host := f.dial(t, initData(1, "Host", id))
	readUntil(t, host, room.EventInit)

	guest := f.dial(t, initData(2, "Guest", id))
	select {
	case <-res.entered:
	case <-time.After(3 * time.Second):
		t.Fatalf("guest lookup never started")
	}
	_ = guest.Close(websocket.StatusNormalClosure, "gone")

	select {
	case <-res.left:
	case <-time.After(3 * time.Second):
		t.Fatalf("lookup not abandoned after the guest closed")
	}
	time.Sleep(50 * time.Millisecond)

	rm := f.manager.Room(id)
	if rm.IsUserPresent("2") {
		t.Fatalf("departed guest was admitted")
	}
	if rm.Status() != room.StatusNotStarted {
		t.Fatalf("status = %v", rm.Status())
	}
}

func TestWS_FramesBeforeAcceptAreKept(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{HostPreferredColor: room.White})
	host := f.dial(t, initData(1, "Host", id))

	// sent before reading init, so it may arrive while routing is in flight
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, host, inbound{Event: eventMakeMove, Move: &room.Move{From: "e2", To: "e4"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, host, room.EventInit)
	ev := readUntil(t, host, room.EventError)
	if ev.ErrorName != string(room.KindIllegalMove) || ev.Message != "Game is not in progress" {
		t.Fatalf("error = %+v", ev)
	}
}

func TestWS_ServerStopClosesSessions(t *testing.T) {
	f := newFixture(t)
	id := createRoom(t, f, room.GameRules{})
	host := f.dial(t, initData(1, "Host", id))
	readUntil(t, host, room.EventInit)
	rm := f.manager.Room(id)

	f.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		var ev room.Event
		if err := wsjson.Read(ctx, host, &ev); err != nil {
			if ctx.Err() != nil {
				t.Fatalf("session outlived the server context")
			}
			break
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for rm.IsUserConnected("1") {
		if time.Now().After(deadline) {
			t.Fatalf("room still sees the host connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_RoutesAPIThroughEngine(t *testing.T) {
	f := newFixture(t)
	resp, body := doJSON(t, http.MethodGet, f.srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz = %d %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodGet, f.srv.URL+"/ws", "", nil)
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("plain GET /ws upgraded")
	}
}

func doJSON(t *testing.T, method, u, authHeader string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, u, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, u, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestAPI_CreateRoomAndLobby(t *testing.T) {
	f := newFixture(t)
	tma := "tma " + initData(9, "Creator", "")

	resp, body := doJSON(t, http.MethodPost, f.srv.URL+"/api/rooms", tma, createRoomRequest{Mode: "blitz"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d body = %v", resp.StatusCode, body)
	}
	id, _ := body["id"].(string)
	if len(id) != 24 || body["hostID"] != "9" {
		t.Fatalf("snapshot = %v", body)
	}
	rules, _ := body["gameRules"].(map[string]any)
	if rules["initialTime"] != float64(180) {
		t.Fatalf("rules = %v", rules)
	}

	resp, body = doJSON(t, http.MethodPost, f.srv.URL+"/api/rooms", tma, createRoomRequest{Query: "$1:0:0:w"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid rules status = %d body = %v", resp.StatusCode, body)
	}
	resp, _ = doJSON(t, http.MethodPost, f.srv.URL+"/api/rooms", "", createRoomRequest{Mode: "blitz"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	lr, err := http.Get(f.srv.URL + "/api/rooms")
	if err != nil {
		t.Fatalf("lobby: %v", err)
	}
	defer lr.Body.Close()
	var lobby []map[string]any
	if err := json.NewDecoder(lr.Body).Decode(&lobby); err != nil {
		t.Fatalf("decode lobby: %v", err)
	}
	if len(lobby) != 1 || lobby[0]["id"] != id || lobby[0]["hostName"] != "Creator" {
		t.Fatalf("lobby = %v", lobby)
	}

	resp, body = doJSON(t, http.MethodGet, f.srv.URL+"/api/rooms/nope", "", nil)
	if resp.StatusCode != http.StatusNotFound || body["name"] != string(room.KindRoomNotFound) {
		t.Fatalf("missing room = %d %v", resp.StatusCode, body)
	}
}

func TestAPI_Stats(t *testing.T) {
	f := newFixture(t)
	_ = f.repo.SaveGame(context.Background(), room.FinishedGame{
		ID: "g", WhitePlayerID: "5", BlackPlayerID: "6", Winner: room.White, Resolution: room.ResolutionCheckmate,
	})
	resp, body := doJSON(t, http.MethodGet, f.srv.URL+"/api/users/5/stats", "", nil)
	if resp.StatusCode != http.StatusOK || body["gamesPlayed"] != float64(1) || body["gamesWon"] != float64(1) {
		t.Fatalf("stats = %d %v", resp.StatusCode, body)
	}
}

func TestInitDataFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?initData=q", nil)
	if got := initDataFrom(r); got != "q" {
		t.Fatalf("query initData = %q", got)
	}
	r.Header.Set("Authorization", "tma h")
	if got := initDataFrom(r); got != "h" {
		t.Fatalf("header initData = %q", got)
	}
}
