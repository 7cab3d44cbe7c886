package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lksdk "github.com/livekit/server-sdk-go/v2"
)

const (
	// ChatTopic is the data topic LiveKit chat components publish on.
	ChatTopic = "lk-chat-topic"

	agentStateAttribute = "lk.agent.state"
)

var errRemoteDisconnect = errors.New("rtc: transport disconnected by server")

type LiveKitConfig struct {
	// AutoplayAllowed seeds the playback flag. A headless client has no
	// browser autoplay policy, so the gate is modelled explicitly.
	AutoplayAllowed bool
	Logger          *slog.Logger
}

// LiveKitTransport connects to LiveKit rooms with participant tokens.
type LiveKitTransport struct {
	autoplay bool
	logger   *slog.Logger
}

func NewLiveKitTransport(cfg LiveKitConfig) *LiveKitTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveKitTransport{autoplay: cfg.AutoplayAllowed, logger: logger.With("component", "rtc")}
}

func (t *LiveKitTransport) Connect(ctx context.Context, serverURL, token string) (Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrEmptyToken
	}
	s := &liveKitSession{logger: t.logger}
	s.canPlayback.Store(t.autoplay)

	type result struct {
		room *lksdk.Room
		err  error
	}
	done := make(chan result, 1)
	go func() {
		room, err := lksdk.ConnectToRoomWithToken(serverURL, token, s.callbacks(), lksdk.WithAutoSubscribe(true))
		done <- result{room: room, err: err}
	}()

	select {
	case <-ctx.Done():
		// The SDK call cannot be aborted; drop whatever it produces.
		go func() {
			if r := <-done; r.room != nil {
				r.room.Disconnect()
			}
		}()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("connect to %s: %w", serverURL, r.err)
		}
		s.mu.Lock()
		s.room = r.room
		s.mu.Unlock()
		t.logger.Info("connected to room", "room", r.room.Name(), "identity", r.room.LocalParticipant.Identity())
		return s, nil
	}
}

type chatPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

type liveKitSession struct {
	events      Emitter
	logger      *slog.Logger
	canPlayback atomic.Bool
	closing     atomic.Bool
	finishOnce  sync.Once

	mu   sync.RWMutex
	room *lksdk.Room
}

func (s *liveKitSession) currentRoom() *lksdk.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

func (s *liveKitSession) RoomName() string {
	if room := s.currentRoom(); room != nil {
		return room.Name()
	}
	return ""
}

func (s *liveKitSession) LocalIdentity() string {
	if room := s.currentRoom(); room != nil && room.LocalParticipant != nil {
		return room.LocalParticipant.Identity()
	}
	return ""
}

func (s *liveKitSession) Participants() []Participant {
	room := s.currentRoom()
	if room == nil {
		return nil
	}
	remotes := room.GetRemoteParticipants()
	out := make([]Participant, 0, len(remotes))
	for _, rp := range remotes {
		out = append(out, participantInfo(rp))
	}
	return out
}

func (s *liveKitSession) Tracks() []Track {
	room := s.currentRoom()
	if room == nil {
		return nil
	}
	var out []Track
	for _, rp := range room.GetRemoteParticipants() {
		for _, pub := range rp.TrackPublications() {
			if t, ok := trackInfo(pub, rp); ok {
				out = append(out, t)
			}
		}
	}
	return out
}

func (s *liveKitSession) SendChat(ctx context.Context, text string) (ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return ChatMessage{}, err
	}
	room := s.currentRoom()
	if room == nil || s.closing.Load() {
		return ChatMessage{}, ErrNotConnected
	}
	msg := ChatMessage{
		ID:        uuid.NewString(),
		From:      room.LocalParticipant.Identity(),
		Text:      text,
		Timestamp: time.Now().UTC(),
		Local:     true,
	}
	payload, err := json.Marshal(chatPayload{ID: msg.ID, Timestamp: msg.Timestamp.UnixMilli(), Message: text})
	if err != nil {
		return ChatMessage{}, fmt.Errorf("marshal chat: %w", err)
	}
	err = room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(ChatTopic),
	)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("publish chat: %w", err)
	}
	return msg, nil
}

func (s *liveKitSession) CanPlaybackAudio() bool { return s.canPlayback.Load() }

func (s *liveKitSession) StartAudio(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closing.Load() {
		return ErrNotConnected
	}
	if !s.canPlayback.Swap(true) {
		s.events.Emit(AudioPlaybackChanged{CanPlayback: true})
	}
	return nil
}

func (s *liveKitSession) Subscribe(fn func(Event)) func() { return s.events.Subscribe(fn) }

func (s *liveKitSession) Disconnect() {
	if s.closing.Swap(true) {
		return
	}
	if room := s.currentRoom(); room != nil {
		room.Disconnect()
	}
	s.finish(nil)
}

func (s *liveKitSession) finish(err error) {
	s.finishOnce.Do(func() {
		if err != nil {
			s.logger.Warn("room disconnected", "room", s.RoomName(), "error", err)
		}
		s.events.Emit(Disconnected{Err: err})
	})
}

func (s *liveKitSession) callbacks() *lksdk.RoomCallback {
	return &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackPublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if t, ok := trackInfo(pub, rp); ok {
					s.events.Emit(TrackPublished{Track: t})
				}
			},
			OnTrackUnpublished: func(pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
				if t, ok := trackInfo(pub, rp); ok {
					s.events.Emit(TrackUnpublished{Track: t})
				}
			},
			OnAttributesChanged: func(changed map[string]string, p lksdk.Participant) {
				state, ok := changed[agentStateAttribute]
				if !ok {
					return
				}
				s.events.Emit(AgentStateChanged{Identity: p.Identity(), State: AgentState(state)})
			},
			OnDataPacket: s.handleData,
		},
		OnParticipantConnected: func(rp *lksdk.RemoteParticipant) {
			s.events.Emit(ParticipantJoined{Participant: participantInfo(rp)})
		},
		OnParticipantDisconnected: func(rp *lksdk.RemoteParticipant) {
			s.events.Emit(ParticipantLeft{Participant: participantInfo(rp)})
		},
		OnDisconnected: func() {
			if s.closing.Load() {
				s.finish(nil)
				return
			}
			s.closing.Store(true)
			s.finish(errRemoteDisconnect)
		},
	}
}

func (s *liveKitSession) handleData(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	pkt, ok := data.(*lksdk.UserDataPacket)
	if !ok || pkt.Topic != ChatTopic || len(pkt.Payload) == 0 {
		return
	}
	msg := ChatMessage{From: params.SenderIdentity, Timestamp: time.Now().UTC()}
	var p chatPayload
	if err := json.Unmarshal(pkt.Payload, &p); err == nil && p.Message != "" {
		msg.ID = p.ID
		msg.Text = p.Message
		if p.Timestamp > 0 {
			msg.Timestamp = time.UnixMilli(p.Timestamp).UTC()
		}
	} else {
		msg.Text = string(pkt.Payload)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	s.events.Emit(ChatReceived{Message: msg})
}

func participantInfo(rp *lksdk.RemoteParticipant) Participant {
	p := Participant{
		Identity: rp.Identity(),
		Name:     rp.Name(),
		IsAgent:  rp.Kind() == lksdk.ParticipantAgent,
	}
	if p.IsAgent {
		p.AgentState = AgentState(rp.Attributes()[agentStateAttribute])
	}
	return p
}

func trackInfo(pub lksdk.TrackPublication, rp *lksdk.RemoteParticipant) (Track, bool) {
	t := Track{
		SID:                 pub.SID(),
		ParticipantIdentity: rp.Identity(),
		FromAgent:           rp.Kind() == lksdk.ParticipantAgent,
	}
	switch pub.Kind() {
	case lksdk.TrackKindAudio:
		t.Kind = TrackKindAudio
	case lksdk.TrackKindVideo:
		t.Kind = TrackKindVideo
	default:
		return Track{}, false
	}
	return t, true
}
