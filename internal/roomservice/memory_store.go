package roomservice

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/fancall/internal/liveroom"
)

type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]liveroom.LiveRoom
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms: make(map[string]liveroom.LiveRoom),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(ctx context.Context) (liveroom.LiveRoom, error) {
	if err := ctx.Err(); err != nil {
		return liveroom.LiveRoom{}, err
	}
	now := s.now()
	room := liveroom.LiveRoom{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return room, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (liveroom.LiveRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return liveroom.LiveRoom{}, ErrRoomNotFound
	}
	return room, nil
}

func (s *MemoryStore) Touch(_ context.Context, id string) (liveroom.LiveRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return liveroom.LiveRoom{}, ErrRoomNotFound
	}
	room.UpdatedAt = s.now()
	s.rooms[id] = room
	return room, nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, room := range s.rooms {
		if room.UpdatedAt.Before(before) {
			delete(s.rooms, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

func (s *MemoryStore) Close() error { return nil }
