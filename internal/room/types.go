package room

import (
	"time"

	"github.com/park285/cheese-chessroom/internal/rules"
)

// Color aliases the rules side so callers need only one import.
type Color = rules.Color

const (
	White = rules.White
	Black = rules.Black
)

// Move aliases the rules move request.
type Move = rules.Move

// User is a participant profile.
type User struct {
	ID        string `json:"id"`
	FullName  string `json:"fullName"`
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarURL,omitempty"`
	// LanguageCode is kept for profile storage only.
	LanguageCode string `json:"-"`
}

// MemberState is the per-participant presence and role.
type MemberState struct {
	Connected bool  `json:"connected"`
	IsPlayer  bool  `json:"isPlayer"`
	Color     Color `json:"color,omitempty"`
}

// Member pairs a profile with its state.
type Member struct {
	User  User        `json:"user"`
	State MemberState `json:"state"`
}

// GameRules are fixed at room creation. Times are in seconds.
type GameRules struct {
	// HostPreferredColor empty means a random side.
	HostPreferredColor Color `json:"hostPreferredColor,omitempty"`
	Timer              bool  `json:"timer"`
	InitialTime        int   `json:"initialTime,omitempty"`
	TimerIncrement     int   `json:"timerIncrement,omitempty"`
}

func (g GameRules) initial() time.Duration   { return time.Duration(g.InitialTime) * time.Second }
func (g GameRules) increment() time.Duration { return time.Duration(g.TimerIncrement) * time.Second }

// Status is the room lifecycle state.
type Status string

const (
	StatusNotStarted Status = "not-started"
	StatusInProgress Status = "in-progress"
	StatusFinished   Status = "finished"
)

// Resolution is the reason a match ended.
type Resolution string

const (
	ResolutionCheckmate  Resolution = "checkmate"
	ResolutionOutOfTime  Resolution = "out-of-time"
	ResolutionPlayerQuit Resolution = "player-quit"
	ResolutionGiveUp     Resolution = "give-up"
	ResolutionStalemate  Resolution = "stalemate"
	ResolutionDraw       Resolution = "draw"
)

// ClockSnapshot carries both sides' remaining time in milliseconds.
type ClockSnapshot struct {
	WhiteTimeLeft int64 `json:"whiteTimeLeft"`
	BlackTimeLeft int64 `json:"blackTimeLeft"`
}

// GameState is derived on every request from the engine and the clocks.
type GameState struct {
	Status     Status         `json:"status"`
	PGN        string         `json:"pgn"`
	Turn       Color          `json:"turn"`
	Timer      *ClockSnapshot `json:"timer,omitempty"`
	Resolution Resolution     `json:"resolution,omitempty"`
	WinnerID   string         `json:"winnerID,omitempty"`
}

// Snapshot is the full room view sent on init.
type Snapshot struct {
	ID               string    `json:"id"`
	Members          []Member  `json:"members"`
	HostID           string    `json:"hostID"`
	CreatedTimestamp int64     `json:"createdTimestamp"`
	GameRules        GameRules `json:"gameRules"`
	GameState        GameState `json:"gameState"`
}

// FinishedGame is handed to the recorder once a match ends.
type FinishedGame struct {
	ID            string
	Rules         GameRules
	PGN           string
	Resolution    Resolution
	Winner        Color // empty on draw
	WhitePlayerID string
	BlackPlayerID string
	CreatedAt     time.Time
	FinishedAt    time.Time
}
