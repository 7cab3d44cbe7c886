// Package roomservice is the Live Room Service: it stores rooms, mints
// participant tokens and dispatches agents into rooms.
package roomservice

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/antoniostano/fancall/internal/liveroom"
)

var ErrRoomNotFound = errors.New("live room not found")

// Store persists live rooms. UpdatedAt advances on every Touch and drives
// expiry.
type Store interface {
	Create(ctx context.Context) (liveroom.LiveRoom, error)
	Get(ctx context.Context, id string) (liveroom.LiveRoom, error)
	Touch(ctx context.Context, id string) (liveroom.LiveRoom, error)
	// DeleteExpired removes rooms not updated since before.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
