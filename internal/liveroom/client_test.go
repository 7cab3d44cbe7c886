package liveroom

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.Handler) *HTTPClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return c
}

func TestNewHTTPClientRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPClient(Config{})
	require.Error(t, err)
	_, err = NewHTTPClient(Config{BaseURL: "not a url"})
	require.Error(t, err)
}

func TestCreateRoom(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/live-rooms", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"room-42","createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}`)
	}))

	room, err := c.CreateRoom(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "room-42", room.ID)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), room.CreatedAt.UTC())
}

func TestCreateRoomRejectsMissingID(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	_, err := c.CreateRoom(context.Background())
	require.ErrorIs(t, err, ErrInvalidResponse)
}

func TestGenerateTokenRoomNameMatchesRoom(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/live-rooms/room-42/token", r.URL.Path)
		_ = json.NewEncoder(w).Encode(AccessToken{Token: "t1", RoomName: "room-42", Identity: "u1"})
	}))

	tok, err := c.GenerateToken(context.Background(), "room-42")
	require.NoError(t, err)
	assert.Equal(t, AccessToken{Token: "t1", RoomName: "room-42", Identity: "u1"}, tok)
}

func TestGenerateTokenEmptyRoomIDIssuesNoRequest(t *testing.T) {
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))

	_, err := c.GenerateToken(context.Background(), "")
	require.ErrorIs(t, err, ErrMissingRoomID)
	_, err = c.GenerateToken(context.Background(), "a/b")
	require.ErrorIs(t, err, ErrInvalidRoomID)
	assert.Zero(t, hits.Load())
}

func TestDispatchAgentSendsOnlySetFields(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/live-rooms/room-42/dispatch", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(DispatchRecord{DispatchID: "d1", RoomName: "room-42", AgentName: "ava"})
	}))

	rec, err := c.DispatchAgent(context.Background(), "room-42", AgentDispatchRequest{VoiceID: "v-1"})
	require.NoError(t, err)
	assert.Equal(t, DispatchRecord{DispatchID: "d1", RoomName: "room-42", AgentName: "ava"}, rec)
	assert.Equal(t, map[string]any{"voiceId": "v-1"}, got)
}

func TestDispatchAgentZeroRequestSendsEmptyObject(t *testing.T) {
	var raw string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		raw = string(b)
		_ = json.NewEncoder(w).Encode(DispatchRecord{DispatchID: "d1", RoomName: "room-42", AgentName: "ava"})
	}))
	_, err := c.DispatchAgent(context.Background(), "room-42", AgentDispatchRequest{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, raw)
}

func TestErrorResponseSurfacesDetail(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"status":404,"detail":"Live room not found","code":"ROOM_NOT_FOUND"}`)
	}))

	_, err := c.GenerateToken(context.Background(), "missing")
	require.Error(t, err)
	assert.EqualError(t, err, "Live room not found")
	assert.True(t, IsNotFound(err))
	assert.False(t, IsRetryable(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "ROOM_NOT_FOUND", apiErr.Code)
}

func TestErrorResponseWithoutBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := c.CreateRoom(context.Background())
	assert.EqualError(t, err, "API Error: 503")
	assert.True(t, IsRetryable(err))
}

func TestRequestHonorsContext(t *testing.T) {
	release := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.CreateRoom(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockServiceDefaults(t *testing.T) {
	m := &MockService{}
	room, err := m.CreateRoom(context.Background())
	require.NoError(t, err)
	tok, err := m.GenerateToken(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, tok.RoomName)
	rec, err := m.DispatchAgent(context.Background(), room.ID, AgentDispatchRequest{})
	require.NoError(t, err)
	assert.Equal(t, room.ID, rec.RoomName)
	assert.Equal(t, 1, m.CreateCalls())
	assert.Equal(t, []string{room.ID}, m.TokenCalls())
	assert.Equal(t, []string{room.ID}, m.DispatchCalls())
}

func TestValidateRoomID(t *testing.T) {
	require.NoError(t, ValidateRoomID("5d4c3b2a-0000-4000-8000-000000000000"))
	require.ErrorIs(t, ValidateRoomID("   "), ErrMissingRoomID)
	require.ErrorIs(t, ValidateRoomID("has space"), ErrInvalidRoomID)
	long := make([]byte, maxRoomIDLength+1)
	for i := range long {
		long[i] = 'a'
	}
	require.ErrorIs(t, ValidateRoomID(string(long)), ErrInvalidRoomID)
}
