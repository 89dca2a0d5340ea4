// Package rules adapts a chess rules engine for the room orchestrator.
// The room only needs move validation, side to move, terminal detection and
// PGN/FEN export; everything else stays inside the engine.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	nchess "github.com/corentings/chess/v2"
)

// Color is a side of the board, encoded the way clients send it.
type Color string

const (
	White Color = "w"
	Black Color = "b"
)

// Opposite returns the other side.
func (c Color) Opposite() Color {
	if c == White {
		return Black
	}
	return White
}

// Valid reports whether c is one of the two sides.
func (c Color) Valid() bool { return c == White || c == Black }

// Move is a client move request in coordinate form.
type Move struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

var squareRe = regexp.MustCompile(`^[a-h][1-8]$`)

// UCI renders the move as a UCI string ("e7e8q").
func (m Move) UCI() string {
	return strings.ToLower(m.From) + strings.ToLower(m.To) + strings.ToLower(m.Promotion)
}

// ErrIllegalMove is returned when the engine refuses a move.
var ErrIllegalMove = errors.New("illegal move")

// Engine is the rules collaborator used by a room.
type Engine interface {
	ApplyMove(mv Move) error
	Turn() Color
	IsCheckmate() bool
	IsStalemate() bool
	IsDraw() bool
	PGN() string
	FEN() string
}

// Factory creates a fresh engine at the starting position.
type Factory func() Engine

type chessEngine struct {
	game *nchess.Game
}

// New returns an engine at the standard starting position.
func New() Engine {
	return &chessEngine{game: nchess.NewGame()}
}

// NewFromFEN returns an engine starting from the given position.
func NewFromFEN(fen string) (Engine, error) {
	opt, err := nchess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parse fen: %w", err)
	}
	return &chessEngine{game: nchess.NewGame(opt)}, nil
}

func (e *chessEngine) ApplyMove(mv Move) error {
	from, to := strings.ToLower(mv.From), strings.ToLower(mv.To)
	if !squareRe.MatchString(from) || !squareRe.MatchString(to) {
		return fmt.Errorf("%w: bad square %q-%q", ErrIllegalMove, mv.From, mv.To)
	}
	switch strings.ToLower(mv.Promotion) {
	case "", "q", "r", "b", "n":
	default:
		return fmt.Errorf("%w: bad promotion %q", ErrIllegalMove, mv.Promotion)
	}
	if e.game.Outcome() != nchess.NoOutcome {
		return fmt.Errorf("%w: game is over", ErrIllegalMove)
	}
	uci := mv.UCI()
	decoded, err := nchess.UCINotation{}.Decode(e.game.Position(), uci)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	if err := e.game.Move(decoded, nil); err != nil {
		return fmt.Errorf("%w: %s", ErrIllegalMove, uci)
	}
	return nil
}

func (e *chessEngine) Turn() Color {
	if e.game.Position().Turn() == nchess.Black {
		return Black
	}
	return White
}

func (e *chessEngine) IsCheckmate() bool { return e.game.Method() == nchess.Checkmate }

func (e *chessEngine) IsStalemate() bool { return e.game.Method() == nchess.Stalemate }

// IsDraw covers automatic draws (insufficient material, fivefold, 75 moves)
// plus the claimable threefold repetition and fifty-move rule.
func (e *chessEngine) IsDraw() bool {
	if e.game.Outcome() == nchess.Draw {
		return true
	}
	for _, m := range e.game.EligibleDraws() {
		if m == nchess.ThreefoldRepetition || m == nchess.FiftyMoveRule {
			return true
		}
	}
	return false
}

func (e *chessEngine) PGN() string { return e.game.String() }

func (e *chessEngine) FEN() string { return e.game.FEN() }
