package liveroom

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockService is an in-process Service. Hooks override the defaults, which
// mint a fresh room, a token bound to it and a dispatch for agent "mock-agent".
type MockService struct {
	CreateRoomFunc    func(ctx context.Context) (LiveRoom, error)
	GenerateTokenFunc func(ctx context.Context, roomID string) (AccessToken, error)
	DispatchAgentFunc func(ctx context.Context, roomID string, req AgentDispatchRequest) (DispatchRecord, error)

	mu             sync.Mutex
	createCalls    int
	tokenCalls     []string
	dispatchCalls  []string
	dispatchBodies []AgentDispatchRequest
}

func (m *MockService) CreateRoom(ctx context.Context) (LiveRoom, error) {
	m.mu.Lock()
	m.createCalls++
	fn := m.CreateRoomFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	if err := ctx.Err(); err != nil {
		return LiveRoom{}, err
	}
	now := time.Now().UTC()
	return LiveRoom{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}, nil
}

func (m *MockService) GenerateToken(ctx context.Context, roomID string) (AccessToken, error) {
	m.mu.Lock()
	m.tokenCalls = append(m.tokenCalls, roomID)
	fn := m.GenerateTokenFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomID)
	}
	if err := ctx.Err(); err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: "mock-token-" + roomID, RoomName: roomID, Identity: "user-mock"}, nil
}

func (m *MockService) DispatchAgent(ctx context.Context, roomID string, req AgentDispatchRequest) (DispatchRecord, error) {
	m.mu.Lock()
	m.dispatchCalls = append(m.dispatchCalls, roomID)
	m.dispatchBodies = append(m.dispatchBodies, req)
	fn := m.DispatchAgentFunc
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, roomID, req)
	}
	if err := ctx.Err(); err != nil {
		return DispatchRecord{}, err
	}
	return DispatchRecord{DispatchID: "AD_" + uuid.NewString()[:8], RoomName: roomID, AgentName: "mock-agent"}, nil
}

func (m *MockService) CreateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createCalls
}

// TokenCalls returns the room ids passed to GenerateToken.
func (m *MockService) TokenCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.tokenCalls...)
}

// DispatchCalls returns the room ids passed to DispatchAgent.
func (m *MockService) DispatchCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.dispatchCalls...)
}

func (m *MockService) DispatchBodies() []AgentDispatchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AgentDispatchRequest(nil), m.dispatchBodies...)
}
