// Package roomdir mirrors live rooms into Redis so other processes (and the
// lobby endpoint) can list rooms waiting for an opponent.
package roomdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/park285/cheese-chessroom/internal/room"
)

const ttlEntry = 24 * time.Hour

// Entry is the directory view of a room.
type Entry struct {
	ID        string         `json:"id"`
	HostID    string         `json:"hostId"`
	HostName  string         `json:"hostName,omitempty"`
	Status    room.Status    `json:"status"`
	Rules     room.GameRules `json:"gameRules"`
	CreatedAt int64          `json:"createdTimestamp"`
	UpdatedAt int64          `json:"updatedTimestamp"`
}

// EntryFromSnapshot builds the directory record of a live room.
func EntryFromSnapshot(snap room.Snapshot) *Entry {
	e := &Entry{
		ID:        snap.ID,
		HostID:    snap.HostID,
		Status:    snap.GameState.Status,
		Rules:     snap.GameRules,
		CreatedAt: snap.CreatedTimestamp,
		UpdatedAt: time.Now().Unix(),
	}
	for _, m := range snap.Members {
		if m.User.ID == snap.HostID {
			e.HostName = m.User.FullName
		}
	}
	return e
}

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

// Open connects to REDIS_URL and pings it.
func Open(ctx context.Context, rawURL string) (*Store, error) {
	opt, err := redisOptions(rawURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: rdb}, nil
}

func (s *Store) Close() error { return s.rdb.Close() }

func (s *Store) keyEntry(id string) string { return "room:" + strings.TrimSpace(id) }
func (s *Store) keyLobby() string          { return "room:lobby" }

// Register stores the room and lists it in the lobby while it waits.
func (s *Store) Register(ctx context.Context, snap room.Snapshot) error {
	e := EntryFromSnapshot(snap)
	if err := s.save(ctx, e); err != nil {
		return err
	}
	if e.Status != room.StatusNotStarted {
		return nil
	}
	if err := s.rdb.ZAdd(ctx, s.keyLobby(), redis.Z{Score: float64(e.CreatedAt), Member: e.ID}).Err(); err != nil {
		return err
	}
	_ = s.rdb.Expire(ctx, s.keyLobby(), ttlEntry).Err()
	return nil
}

// MarkStatus updates the stored status; rooms leave the lobby once started.
func (s *Store) MarkStatus(ctx context.Context, id string, st room.Status) error {
	e, err := s.Load(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return nil
	}
	e.Status = st
	e.UpdatedAt = time.Now().Unix()
	if err := s.save(ctx, e); err != nil {
		return err
	}
	if st != room.StatusNotStarted {
		return s.rdb.ZRem(ctx, s.keyLobby(), id).Err()
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return nil
	}
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, s.keyEntry(id))
	pipe.ZRem(ctx, s.keyLobby(), id)
	_, err := pipe.Exec(ctx)
	return err
}

// Load returns nil, nil when the room is unknown.
func (s *Store) Load(ctx context.Context, id string) (*Entry, error) {
	raw, err := s.rdb.Get(ctx, s.keyEntry(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// ListLobby returns waiting rooms, oldest first. Stale index members whose
// entry expired are pruned.
func (s *Store) ListLobby(ctx context.Context) ([]*Entry, error) {
	ids, err := s.rdb.ZRange(ctx, s.keyLobby(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := s.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if e == nil || e.Status != room.StatusNotStarted {
			_ = s.rdb.ZRem(ctx, s.keyLobby(), id).Err()
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) save(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, s.keyEntry(e.ID), raw, ttlEntry).Err()
}

// redisOptions parses redis:// and rediss:// URLs, including username and TLS.
func redisOptions(raw string) (*redis.Options, error) {
	return redis.ParseURL(strings.TrimSpace(raw))
}
