package roomservice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/fancall/internal/liveroom"
)

// PostgresStore persists live rooms in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS live_rooms (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_live_rooms_updated ON live_rooms (updated_at);`,
	}
	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context) (liveroom.LiveRoom, error) {
	now := time.Now().UTC()
	room := liveroom.LiveRoom{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO live_rooms (id, created_at, updated_at) VALUES ($1, $2, $3)`,
		room.ID, room.CreatedAt, room.UpdatedAt,
	)
	if err != nil {
		return liveroom.LiveRoom{}, fmt.Errorf("insert live room: %w", err)
	}
	return room, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (liveroom.LiveRoom, error) {
	row := s.pool.QueryRow(ctx, `SELECT id, created_at, updated_at FROM live_rooms WHERE id=$1`, id)
	return scanRoom(row)
}

func (s *PostgresStore) Touch(ctx context.Context, id string) (liveroom.LiveRoom, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE live_rooms SET updated_at=$2 WHERE id=$1 RETURNING id, created_at, updated_at`,
		id, time.Now().UTC(),
	)
	return scanRoom(row)
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM live_rooms WHERE updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired rooms: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanRoom(row pgx.Row) (liveroom.LiveRoom, error) {
	var room liveroom.LiveRoom
	if err := row.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return liveroom.LiveRoom{}, ErrRoomNotFound
		}
		return liveroom.LiveRoom{}, fmt.Errorf("scan live room: %w", err)
	}
	room.CreatedAt = room.CreatedAt.UTC()
	room.UpdatedAt = room.UpdatedAt.UTC()
	return room, nil
}
