package roomservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"

	"github.com/antoniostano/fancall/internal/liveroom"
)

const DefaultAgentName = "fancall"

var ErrDispatchFailed = errors.New("agent dispatch failed")

// Dispatcher asks the media server to send an agent into a room.
type Dispatcher interface {
	Dispatch(ctx context.Context, roomName string, req liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error)
}

type LiveKitDispatcherConfig struct {
	URL       string
	APIKey    string
	APISecret string
	AgentName string
	Logger    *slog.Logger
}

// LiveKitDispatcher creates explicit agent dispatches. The dispatch request
// travels to the agent as job metadata. Each Dispatch issues exactly one
// CreateDispatch and never replays it.
type LiveKitDispatcher struct {
	client    *lksdk.AgentDispatchClient
	agentName string
	logger    *slog.Logger
}

func NewLiveKitDispatcher(cfg LiveKitDispatcherConfig) (*LiveKitDispatcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("livekit url is required")
	}
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrMissingCredentials
	}
	agent := strings.TrimSpace(cfg.AgentName)
	if agent == "" {
		agent = DefaultAgentName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveKitDispatcher{
		client:    lksdk.NewAgentDispatchServiceClient(httpURL(cfg.URL), cfg.APIKey, cfg.APISecret),
		agentName: agent,
		logger:    logger.With("component", "dispatcher"),
	}, nil
}

func (d *LiveKitDispatcher) Dispatch(ctx context.Context, roomName string, req liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
	metadata, err := dispatchMetadata(req)
	if err != nil {
		return liveroom.DispatchRecord{}, err
	}

	out, err := d.client.CreateDispatch(ctx, &livekit.CreateAgentDispatchRequest{
		AgentName: d.agentName,
		Room:      roomName,
		Metadata:  metadata,
	})
	if err != nil {
		d.logger.Warn("create dispatch failed", "room", roomName, "agent", d.agentName, "error", err)
		return liveroom.DispatchRecord{}, fmt.Errorf("%w: %w", ErrDispatchFailed, err)
	}
	return liveroom.DispatchRecord{
		DispatchID: out.GetId(),
		RoomName:   out.GetRoom(),
		AgentName:  out.GetAgentName(),
	}, nil
}

// dispatchMetadata encodes the request as the agent job metadata. A zero
// request yields an empty string so the agent falls back to its defaults.
func dispatchMetadata(req liveroom.AgentDispatchRequest) (string, error) {
	if req.IsZero() {
		return "", nil
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("encode dispatch metadata: %w", err)
	}
	return string(raw), nil
}

// httpURL maps a websocket media server URL to its API endpoint.
func httpURL(raw string) string {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "wss://"):
		return "https://" + strings.TrimPrefix(raw, "wss://")
	case strings.HasPrefix(raw, "ws://"):
		return "http://" + strings.TrimPrefix(raw, "ws://")
	}
	return raw
}

// MockDispatcher records dispatches without contacting a media server.
type MockDispatcher struct {
	AgentName    string
	DispatchFunc func(ctx context.Context, roomName string, req liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error)

	mu    sync.Mutex
	calls []MockDispatch
}

type MockDispatch struct {
	RoomName string
	Request  liveroom.AgentDispatchRequest
}

func (d *MockDispatcher) Dispatch(ctx context.Context, roomName string, req liveroom.AgentDispatchRequest) (liveroom.DispatchRecord, error) {
	d.mu.Lock()
	d.calls = append(d.calls, MockDispatch{RoomName: roomName, Request: req})
	d.mu.Unlock()
	if d.DispatchFunc != nil {
		return d.DispatchFunc(ctx, roomName, req)
	}
	agent := d.AgentName
	if agent == "" {
		agent = DefaultAgentName
	}
	return liveroom.DispatchRecord{
		DispatchID: "AD_" + uuid.NewString()[:12],
		RoomName:   roomName,
		AgentName:  agent,
	}, nil
}

func (d *MockDispatcher) Calls() []MockDispatch {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MockDispatch(nil), d.calls...)
}
