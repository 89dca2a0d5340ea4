// roomcheck connects to a running server as a signed WebApp user and prints
// the room events it receives.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/cheese-chessroom/internal/auth"
	"github.com/park285/cheese-chessroom/internal/room"
)

func main() {
	wsURL := os.Getenv("ROOM_WS_URL")
	roomID := os.Getenv("ROOM_ID")
	token := os.Getenv("BOT_TOKEN")
	userID := getenvDefault("CHECK_USER_ID", "1000001")
	name := getenvDefault("CHECK_USER_NAME", "roomcheck")

	if wsURL == "" || roomID == "" {
		log.Fatal("ROOM_WS_URL and ROOM_ID are required")
	}
	if _, err := strconv.ParseInt(userID, 10, 64); err != nil {
		log.Fatalf("CHECK_USER_ID must be numeric: %v", err)
	}

	v := url.Values{
		"auth_date":   {strconv.FormatInt(time.Now().Unix(), 10)},
		"user":        {fmt.Sprintf(`{"id":%s,"first_name":%q}`, userID, name)},
		"start_param": {roomID},
	}
	v.Set("hash", auth.Sign(v, token))

	dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer dcancel()
	conn, _, err := websocket.Dial(dctx, wsURL+"?initData="+url.QueryEscape(v.Encode()), nil)
	if err != nil {
		log.Fatalf("WS connect error: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// Observe for a short window
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var ev room.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				log.Println("observation window elapsed")
				return
			}
			log.Printf("WS closed: %v", err)
			return
		}
		switch ev.Name {
		case room.EventInit:
			fmt.Printf("init room=%s members=%d status=%s\n", ev.Room.ID, len(ev.Room.Members), ev.Room.GameState.Status)
		case room.EventError:
			fmt.Printf("error %s: %s\n", ev.ErrorName, ev.Message)
		default:
			fmt.Printf("event %s user=%s\n", ev.Name, ev.UserID)
		}
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
