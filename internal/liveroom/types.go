// Package liveroom is the client side of the Live Room Service: room
// creation, participant token issuance and agent dispatch.
package liveroom

import (
	"context"
	"errors"
	"strings"
	"time"
)

// LiveRoom is a server-issued room. The id never changes once issued.
type LiveRoom struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AccessToken authorises one identity to join one room.
type AccessToken struct {
	Token    string `json:"token"`
	RoomName string `json:"roomName"`
	Identity string `json:"identity"`
}

// AgentDispatchRequest customises the dispatched agent. A zero value asks
// for the service's default agent.
type AgentDispatchRequest struct {
	AvatarID          string `json:"avatarId,omitempty"`
	ProfilePictureURL string `json:"profilePictureUrl,omitempty"`
	IdleVideoURL      string `json:"idleVideoUrl,omitempty"`
	VoiceID           string `json:"voiceId,omitempty"`
	SystemPrompt      string `json:"systemPrompt,omitempty"`
}

// IsZero reports whether no field is set.
func (r AgentDispatchRequest) IsZero() bool {
	return r == AgentDispatchRequest{}
}

type DispatchRecord struct {
	DispatchID string `json:"dispatchId"`
	RoomName   string `json:"roomName"`
	AgentName  string `json:"agentName"`
}

// Service is the Live Room Service contract.
type Service interface {
	CreateRoom(ctx context.Context) (LiveRoom, error)
	GenerateToken(ctx context.Context, roomID string) (AccessToken, error)
	DispatchAgent(ctx context.Context, roomID string, req AgentDispatchRequest) (DispatchRecord, error)
}

const maxRoomIDLength = 128

var (
	ErrMissingRoomID   = errors.New("liveroom: room id is required")
	ErrInvalidRoomID   = errors.New("liveroom: room id is invalid")
	ErrInvalidResponse = errors.New("liveroom: invalid response")
)

// ValidateRoomID rejects ids that cannot name a room path segment.
func ValidateRoomID(roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return ErrMissingRoomID
	}
	if len(roomID) > maxRoomIDLength || strings.ContainsAny(roomID, "/?# \t\r\n") {
		return ErrInvalidRoomID
	}
	return nil
}
