package gamemode

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/park285/cheese-chessroom/internal/room"
)

func TestParseRulesQuery(t *testing.T) {
	cases := []struct {
		in   string
		want room.GameRules
	}{
		{"$1:180:2:w", room.GameRules{Timer: true, InitialTime: 180, TimerIncrement: 2, HostPreferredColor: room.White}},
		{"$0:b", room.GameRules{HostPreferredColor: room.Black}},
		{"$0:300:5:r", room.GameRules{}},
		{"  $1:60:0:r ", room.GameRules{Timer: true, InitialTime: 60}},
	}
	for _, tc := range cases {
		got, err := ParseRulesQuery(tc.in)
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%q: got %+v want %+v", tc.in, got, tc.want)
		}
	}
}

func TestParseRulesQuery_Invalid(t *testing.T) {
	for _, in := range []string{"", "$1:w", "$2:r", "1:60:0:w", "$1:60:w", "$1:60:0:x", "$1:a:b:w"} {
		if _, err := ParseRulesQuery(in); !errors.Is(err, ErrInvalidQuery) {
			t.Fatalf("%q: err = %v", in, err)
		}
	}
}

func TestParseColor(t *testing.T) {
	if ParseColor("White") != room.White || ParseColor("b") != room.Black || ParseColor("r") != "" {
		t.Fatalf("unexpected color mapping")
	}
}

func TestCatalog_Defaults(t *testing.T) {
	c, err := New("")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	list := c.List()
	if len(list) != 4 || list[0].ID != "bullet" || list[3].ID != "classic" {
		t.Fatalf("list = %+v", list)
	}
	m, ok := c.Get("#blitz")
	if !ok || m.Rules != (room.GameRules{Timer: true, InitialTime: 180, TimerIncrement: 2}) {
		t.Fatalf("blitz = %+v %v", m, ok)
	}
	if r, err := c.Rules("classic"); err != nil || r.Timer {
		t.Fatalf("classic = %+v %v", r, err)
	}
	if r, err := c.Rules("$1:30:1:b"); err != nil || r.InitialTime != 30 || r.HostPreferredColor != room.Black {
		t.Fatalf("query rules = %+v %v", r, err)
	}
	if _, err := c.Rules("hyper"); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("err = %v", err)
	}
}

func TestCatalog_Override(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.yaml")
	body := `modes:
  - id: blitz
    title: "Blitz 5+0"
    query: "$1:300:0:r"
  - id: armageddon
    title: "Armageddon"
    query: "$1:300:0:w"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := New(path)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if m, _ := c.Get("blitz"); m.Title != "Blitz 5+0" || m.Rules.InitialTime != 300 {
		t.Fatalf("blitz = %+v", m)
	}
	list := c.List()
	if len(list) != 5 || list[4].ID != "armageddon" || list[1].ID != "blitz" {
		t.Fatalf("list = %+v", list)
	}
}

func TestCatalog_BadOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "modes.yaml")
	_ = os.WriteFile(path, []byte("modes:\n  - id: x\n    query: nope\n"), 0o600)
	if _, err := New(path); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := New(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
