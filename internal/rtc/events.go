package rtc

import (
	"sort"
	"sync"
)

// Event is a room notification produced by a Session.
type Event interface {
	rtcEventType() string
}

type ParticipantJoined struct{ Participant Participant }

func (ParticipantJoined) rtcEventType() string { return "participant_joined" }

type ParticipantLeft struct{ Participant Participant }

func (ParticipantLeft) rtcEventType() string { return "participant_left" }

type AgentStateChanged struct {
	Identity string
	State    AgentState
}

func (AgentStateChanged) rtcEventType() string { return "agent_state_changed" }

type TrackPublished struct{ Track Track }

func (TrackPublished) rtcEventType() string { return "track_published" }

type TrackUnpublished struct{ Track Track }

func (TrackUnpublished) rtcEventType() string { return "track_unpublished" }

type ChatReceived struct{ Message ChatMessage }

func (ChatReceived) rtcEventType() string { return "chat_received" }

type AudioPlaybackChanged struct{ CanPlayback bool }

func (AudioPlaybackChanged) rtcEventType() string { return "audio_playback_changed" }

// Disconnected is emitted once when the session ends. Err is nil for a
// locally requested disconnect.
type Disconnected struct{ Err error }

func (Disconnected) rtcEventType() string { return "disconnected" }

// EventType names an event for logs and metrics.
func EventType(ev Event) string {
	if ev == nil {
		return ""
	}
	return ev.rtcEventType()
}

// Emitter fans events out to subscribers. The zero value is ready to use.
type Emitter struct {
	mu   sync.RWMutex
	next int
	subs map[int]func(Event)
}

func (e *Emitter) Subscribe(fn func(Event)) func() {
	if fn == nil {
		return func() {}
	}
	e.mu.Lock()
	if e.subs == nil {
		e.subs = make(map[int]func(Event))
	}
	id := e.next
	e.next++
	e.subs[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	ids := make([]int, 0, len(e.subs))
	for id := range e.subs {
		ids = append(ids, id)
	}
	fns := make([]func(Event), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, e.subs[id])
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Len reports the number of live subscriptions.
func (e *Emitter) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
