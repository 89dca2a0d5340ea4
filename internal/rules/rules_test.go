package rules

import (
	"errors"
	"strings"
	"testing"
)

func play(t *testing.T, e Engine, moves ...string) {
	t.Helper()
	for _, uci := range moves {
		mv := Move{From: uci[0:2], To: uci[2:4]}
		if len(uci) > 4 {
			mv.Promotion = uci[4:]
		}
		if err := e.ApplyMove(mv); err != nil {
			t.Fatalf("move %s: %v", uci, err)
		}
	}
}

func TestEngine_TurnAlternates(t *testing.T) {
	e := New()
	if e.Turn() != White {
		t.Fatalf("initial turn = %s", e.Turn())
	}
	play(t, e, "e2e4")
	if e.Turn() != Black {
		t.Fatalf("turn after e4 = %s", e.Turn())
	}
	if !strings.Contains(e.FEN(), " b ") {
		t.Fatalf("fen does not show black to move: %s", e.FEN())
	}
}

func TestEngine_RejectsIllegal(t *testing.T) {
	e := New()
	cases := []Move{
		{From: "e2", To: "e5"},
		{From: "e7", To: "e5"},
		{From: "z9", To: "e4"},
		{From: "e2", To: "e4", Promotion: "k"},
	}
	for _, mv := range cases {
		if err := e.ApplyMove(mv); !errors.Is(err, ErrIllegalMove) {
			t.Fatalf("move %+v: err = %v, want ErrIllegalMove", mv, err)
		}
	}
	if e.Turn() != White {
		t.Fatalf("rejected moves changed the turn")
	}
}

func TestEngine_FoolsMate(t *testing.T) {
	e := New()
	play(t, e, "f2f3", "e7e5", "g2g4", "d8h4")
	if !e.IsCheckmate() {
		t.Fatalf("expected checkmate")
	}
	if e.Turn() != White {
		t.Fatalf("mated side should be to move, got %s", e.Turn())
	}
	if e.IsStalemate() {
		t.Fatalf("checkmate reported as stalemate")
	}
	if err := e.ApplyMove(Move{From: "a2", To: "a3"}); !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("move after mate: err = %v", err)
	}
	if !strings.Contains(e.PGN(), "Qh4") {
		t.Fatalf("pgn missing final move: %s", e.PGN())
	}
}

func TestEngine_Stalemate(t *testing.T) {
	e, err := NewFromFEN("7k/8/6K1/5Q2/8/8/8/8 w - - 0 1")
	if err != nil {
		t.Fatalf("fen: %v", err)
	}
	play(t, e, "f5f7")
	if !e.IsStalemate() {
		t.Fatalf("expected stalemate")
	}
	if e.IsCheckmate() {
		t.Fatalf("stalemate reported as checkmate")
	}
}

func TestEngine_Promotion(t *testing.T) {
	e, err := NewFromFEN("8/4P3/8/8/8/8/k7/7K w - - 0 1")
	if err != nil {
		t.Fatalf("fen: %v", err)
	}
	play(t, e, "e7e8q")
	if !strings.HasPrefix(e.FEN(), "4Q3/") {
		t.Fatalf("promotion not applied: %s", e.FEN())
	}
}

func TestColor_Opposite(t *testing.T) {
	if White.Opposite() != Black || Black.Opposite() != White {
		t.Fatalf("opposite broken")
	}
	if Color("x").Valid() {
		t.Fatalf("x should not be valid")
	}
}
