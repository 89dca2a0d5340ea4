// Package gamemode holds the predefined game modes and the rules query format.
package gamemode

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	yaml "gopkg.in/yaml.v3"

	"github.com/park285/cheese-chessroom/internal/room"
)

//go:embed modes.yaml
var defaultFiles embed.FS

var (
	ErrInvalidQuery = errors.New("invalid game rules query")
	ErrUnknownMode  = errors.New("unknown game mode")
)

var queryRe = regexp.MustCompile(`^\$(0|1)(?::(\d+):(\d+))?:(w|b|r)$`)

type Mode struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Rules       room.GameRules `json:"gameRules"`
}

type modeFile struct {
	Modes []struct {
		ID          string `yaml:"id"`
		Title       string `yaml:"title"`
		Description string `yaml:"description"`
		Query       string `yaml:"query"`
	} `yaml:"modes"`
}

// Catalog is loaded from the embedded defaults, then an optional override
// file. Overrides replace modes with the same id and append new ones.
type Catalog struct {
	mu    sync.RWMutex
	modes map[string]Mode
	order []string
}

func New(overrideFile string) (*Catalog, error) {
	c := &Catalog{modes: make(map[string]Mode)}

	raw, err := fs.ReadFile(defaultFiles, "modes.yaml")
	if err != nil {
		return nil, fmt.Errorf("read embedded modes: %w", err)
	}
	if err := c.apply(raw); err != nil {
		return nil, fmt.Errorf("embedded modes: %w", err)
	}

	if strings.TrimSpace(overrideFile) != "" {
		b, err := os.ReadFile(overrideFile)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", overrideFile, err)
		}
		if err := c.apply(b); err != nil {
			return nil, fmt.Errorf("parse %s: %w", overrideFile, err)
		}
	}
	return c, nil
}

func (c *Catalog) apply(b []byte) error {
	var f modeFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range f.Modes {
		id := strings.ToLower(strings.TrimSpace(m.ID))
		if id == "" {
			return errors.New("mode without id")
		}
		rules, err := ParseRulesQuery(m.Query)
		if err != nil {
			return fmt.Errorf("mode %s: %w", id, err)
		}
		if _, ok := c.modes[id]; !ok {
			c.order = append(c.order, id)
		}
		c.modes[id] = Mode{ID: id, Title: m.Title, Description: m.Description, Rules: rules}
	}
	return nil
}

func (c *Catalog) Get(id string) (Mode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.modes[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(id, "#")))]
	return m, ok
}

// List returns modes in definition order.
func (c *Catalog) List() []Mode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Mode, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.modes[id])
	}
	return out
}

// Rules accepts either a mode id ("blitz" or "#blitz") or a rules query.
func (c *Catalog) Rules(q string) (room.GameRules, error) {
	q = strings.TrimSpace(q)
	if strings.HasPrefix(q, "$") {
		return ParseRulesQuery(q)
	}
	if m, ok := c.Get(q); ok {
		return m.Rules, nil
	}
	return room.GameRules{}, fmt.Errorf("%w: %q", ErrUnknownMode, q)
}

// ParseRulesQuery parses "$<0|1>[:<initial>:<increment>]:<w|b|r>". The time
// pair is required when the timer is on and ignored otherwise.
func ParseRulesQuery(q string) (room.GameRules, error) {
	m := queryRe.FindStringSubmatch(strings.TrimSpace(q))
	if m == nil {
		return room.GameRules{}, ErrInvalidQuery
	}
	rules := room.GameRules{
		Timer:              m[1] == "1",
		HostPreferredColor: ParseColor(m[4]),
	}
	if rules.Timer {
		if m[2] == "" || m[3] == "" {
			return room.GameRules{}, ErrInvalidQuery
		}
		initial, err := strconv.Atoi(m[2])
		if err != nil {
			return room.GameRules{}, ErrInvalidQuery
		}
		inc, err := strconv.Atoi(m[3])
		if err != nil {
			return room.GameRules{}, ErrInvalidQuery
		}
		rules.InitialTime = initial
		rules.TimerIncrement = inc
	}
	return rules, nil
}

// ParseColor maps "w"/"white" and "b"/"black"; anything else means random.
func ParseColor(s string) room.Color {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "white", "w":
		return room.White
	case "black", "b":
		return room.Black
	default:
		return ""
	}
}
