// Package record stores completed games and participant profiles.
package record

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-chessroom/internal/room"
)

var ErrInvalidProfile = errors.New("profile id required")

// PlayedGame is a stored match result.
type PlayedGame struct {
	ID             string
	TimerEnabled   bool
	TimerInit      int
	TimerIncrement int
	PGN            string
	Resolution     room.Resolution
	Winner         room.Color // empty on draw
	WhitePlayerID  string
	BlackPlayerID  string
	StartedAt      time.Time
	EndedAt        time.Time
}

type UserProfile struct {
	ID           string
	FullName     string
	Username     string
	LanguageCode string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Stats struct {
	GamesPlayed int `json:"gamesPlayed"`
	GamesWon    int `json:"gamesWon"`
	GamesDrawn  int `json:"gamesDrawn"`
}

// Repository is the persistence boundary used by the server.
type Repository interface {
	room.GameRecorder
	Game(ctx context.Context, id string) (*PlayedGame, error)
	UpsertProfile(ctx context.Context, p UserProfile) error
	Profile(ctx context.Context, id string) (*UserProfile, error)
	Stats(ctx context.Context, userID string) (Stats, error)
	Close() error
}

func fromFinished(g room.FinishedGame) PlayedGame {
	return PlayedGame{
		ID:             g.ID,
		TimerEnabled:   g.Rules.Timer,
		TimerInit:      g.Rules.InitialTime,
		TimerIncrement: g.Rules.TimerIncrement,
		PGN:            decoratePGN(g),
		Resolution:     g.Resolution,
		Winner:         g.Winner,
		WhitePlayerID:  g.WhitePlayerID,
		BlackPlayerID:  g.BlackPlayerID,
		StartedAt:      g.CreatedAt,
		EndedAt:        g.FinishedAt,
	}
}

func mapResultToPGN(winner room.Color) string {
	switch winner {
	case room.White:
		return "1-0"
	case room.Black:
		return "0-1"
	default:
		return "1/2-1/2"
	}
}

// decoratePGN prepends the tag section when the engine export has none.
func decoratePGN(g room.FinishedGame) string {
	body := strings.TrimSpace(g.PGN)
	if strings.HasPrefix(body, "[") {
		return body
	}
	date := g.FinishedAt
	if date.IsZero() {
		date = time.Now()
	}
	result := mapResultToPGN(g.Winner)
	for _, tok := range []string{"*", "1-0", "0-1", "1/2-1/2"} {
		if strings.HasSuffix(body, tok) {
			body = strings.TrimSpace(strings.TrimSuffix(body, tok))
			break
		}
	}

	var b strings.Builder
	b.WriteString("[Event \"Chess Room\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(g.WhitePlayerID)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(g.BlackPlayerID)))
	if g.Rules.Timer {
		b.WriteString(fmt.Sprintf("[TimeControl \"%d+%d\"]\n", g.Rules.InitialTime, g.Rules.TimerIncrement))
	}
	b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", sanitizePGN(string(g.Resolution))))
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))
	if body != "" {
		b.WriteString(body)
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
