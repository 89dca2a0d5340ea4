package record

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/park285/cheese-chessroom/internal/room"
)

// MemoryRepository is used when no database is configured.
type MemoryRepository struct {
	mu sync.RWMutex

	games    map[string]*PlayedGame
	profiles map[string]*UserProfile
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{
		games:    make(map[string]*PlayedGame),
		profiles: make(map[string]*UserProfile),
	}
}

func (m *MemoryRepository) SaveGame(ctx context.Context, fg room.FinishedGame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	g := fromFinished(fg)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[g.ID] = &g
	return nil
}

func (m *MemoryRepository) Game(_ context.Context, id string) (*PlayedGame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, nil
	}
	copy := *g
	return &copy, nil
}

func (m *MemoryRepository) UpsertProfile(_ context.Context, p UserProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidProfile
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.profiles[p.ID]; ok {
		p.CreatedAt = prev.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.profiles[p.ID] = &p
	return nil
}

func (m *MemoryRepository) Profile(_ context.Context, id string) (*UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, nil
	}
	copy := *p
	return &copy, nil
}

func (m *MemoryRepository) Stats(_ context.Context, userID string) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s Stats
	for _, g := range m.games {
		var side room.Color
		switch userID {
		case g.WhitePlayerID:
			side = room.White
		case g.BlackPlayerID:
			side = room.Black
		default:
			continue
		}
		s.GamesPlayed++
		switch g.Winner {
		case "":
			s.GamesDrawn++
		case side:
			s.GamesWon++
		}
	}
	return s, nil
}

func (m *MemoryRepository) Close() error { return nil }
