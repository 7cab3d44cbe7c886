// Package rtc is the session client adapter over the real-time media
// transport. It hides the transport SDK behind Transport and Session and
// reports room activity as Event values.
package rtc

import (
	"context"
	"errors"
	"time"
)

type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// AgentState is the interaction phase an agent participant advertises.
type AgentState string

const (
	AgentStateInitializing AgentState = "initializing"
	AgentStateListening    AgentState = "listening"
	AgentStateThinking     AgentState = "thinking"
	AgentStateSpeaking     AgentState = "speaking"
)

var (
	ErrNotConnected = errors.New("rtc: session not connected")
	ErrEmptyToken   = errors.New("rtc: access token is empty")
)

type Participant struct {
	Identity   string
	Name       string
	IsAgent    bool
	AgentState AgentState
}

type Track struct {
	SID                 string
	Kind                TrackKind
	ParticipantIdentity string
	FromAgent           bool
}

type ChatMessage struct {
	ID        string
	From      string
	Text      string
	Timestamp time.Time
	Local     bool
}

// Transport opens sessions against a media server.
type Transport interface {
	Connect(ctx context.Context, serverURL, token string) (Session, error)
}

// Session is one joined room.
type Session interface {
	RoomName() string
	LocalIdentity() string
	Participants() []Participant
	Tracks() []Track
	SendChat(ctx context.Context, text string) (ChatMessage, error)
	CanPlaybackAudio() bool
	StartAudio(ctx context.Context) error
	// Subscribe registers fn for session events. The returned release func
	// is idempotent and must be called on teardown.
	Subscribe(fn func(Event)) (release func())
	Disconnect()
}

// Agent returns the first agent participant in ps.
func Agent(ps []Participant) (Participant, bool) {
	for _, p := range ps {
		if p.IsAgent {
			return p, true
		}
	}
	return Participant{}, false
}
