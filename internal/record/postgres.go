package record

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/park285/cheese-chessroom/internal/room"
)

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgres(databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// SaveGame upserts a finished game.
func (r *PostgresRepository) SaveGame(ctx context.Context, fg room.FinishedGame) error {
	g := fromFinished(fg)
	var winner any
	if g.Winner != "" {
		winner = string(g.Winner)
	}

	q := `INSERT INTO played_games (
        id, timer_enabled, timer_init, timer_increment,
        pgn, resolution, winner, white_player_id, black_player_id,
        started_at, ended_at
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
      ) ON CONFLICT (id) DO UPDATE SET
        pgn=EXCLUDED.pgn,
        resolution=EXCLUDED.resolution,
        winner=EXCLUDED.winner,
        ended_at=EXCLUDED.ended_at`

	_, err := r.db.ExecContext(ctx, q,
		g.ID, g.TimerEnabled, g.TimerInit, g.TimerIncrement,
		g.PGN, string(g.Resolution), winner, g.WhitePlayerID, g.BlackPlayerID,
		g.StartedAt, g.EndedAt,
	)
	return err
}

func (r *PostgresRepository) Game(ctx context.Context, id string) (*PlayedGame, error) {
	q := `SELECT id, timer_enabled, timer_init, timer_increment, pgn, resolution,
        COALESCE(winner, ''), white_player_id, black_player_id, started_at, ended_at
      FROM played_games WHERE id = $1`
	var g PlayedGame
	var resolution, winner string
	err := r.db.QueryRowContext(ctx, q, id).Scan(
		&g.ID, &g.TimerEnabled, &g.TimerInit, &g.TimerIncrement, &g.PGN, &resolution,
		&winner, &g.WhitePlayerID, &g.BlackPlayerID, &g.StartedAt, &g.EndedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.Resolution = room.Resolution(resolution)
	g.Winner = room.Color(strings.TrimSpace(winner))
	return &g, nil
}

func (r *PostgresRepository) UpsertProfile(ctx context.Context, p UserProfile) error {
	if strings.TrimSpace(p.ID) == "" {
		return ErrInvalidProfile
	}
	q := `INSERT INTO user_profiles (id, full_name, username, language_code, created_at, updated_at)
      VALUES ($1,$2,$3,$4,now(),now())
      ON CONFLICT (id) DO UPDATE SET
        full_name=EXCLUDED.full_name,
        username=EXCLUDED.username,
        language_code=EXCLUDED.language_code,
        updated_at=now()`
	_, err := r.db.ExecContext(ctx, q, p.ID, p.FullName, p.Username, p.LanguageCode)
	return err
}

func (r *PostgresRepository) Profile(ctx context.Context, id string) (*UserProfile, error) {
	q := `SELECT id, full_name, username, language_code, created_at, updated_at
      FROM user_profiles WHERE id = $1`
	var p UserProfile
	err := r.db.QueryRowContext(ctx, q, id).Scan(&p.ID, &p.FullName, &p.Username, &p.LanguageCode, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PostgresRepository) Stats(ctx context.Context, userID string) (Stats, error) {
	q := `SELECT
        COUNT(*),
        COUNT(*) FILTER (WHERE (winner = 'w' AND white_player_id = $1) OR (winner = 'b' AND black_player_id = $1)),
        COUNT(*) FILTER (WHERE winner IS NULL)
      FROM played_games
      WHERE white_player_id = $1 OR black_player_id = $1`
	var s Stats
	if err := r.db.QueryRowContext(ctx, q, userID).Scan(&s.GamesPlayed, &s.GamesWon, &s.GamesDrawn); err != nil {
		return Stats{}, err
	}
	return s, nil
}
