package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/chat"
	"github.com/antoniostano/fancall/internal/orchestrator"
	"github.com/antoniostano/fancall/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

var errHangUp = errors.New("client hung up")

// handleCallWS joins the room for the lifetime of the socket. Snapshots are
// pushed after every change; the socket closing leaves the room.
func (s *Server) handleCallWS(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	if s.newOrch == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "orchestrator not configured")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	key := clientKey(r)
	c := s.acquire(key).NewCall(roomID)
	defer s.release(key)
	defer c.Close()

	logger := s.logger.With("room", roomID)
	logger.Info("call socket opened")

	changed := make(chan struct{}, 1)
	poke := func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	}
	release := c.Subscribe(func(call.Snapshot) { poke() })
	defer release()
	poke()

	outbound := make(chan any, 64)
	enqueue := func(ctx context.Context, msg any) {
		select {
		case outbound <- msg:
		case <-ctx.Done():
		}
	}

	g, ctx := errgroup.WithContext(r.Context())
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error {
		if err := c.Join(ctx); err != nil && ctx.Err() == nil {
			enqueue(ctx, callErrorEvent(roomID, "join", err))
		}
		return nil
	})

	g.Go(func() error {
		return s.writePump(ctx, conn, c, outbound, changed)
	})

	g.Go(func() error {
		conn.SetReadLimit(64 << 10)
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		})
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			if msgType != websocket.TextMessage {
				continue
			}
			parsed, err := protocol.ParseClientMessage(data)
			if err != nil {
				enqueue(ctx, protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					RoomID: roomID,
					Code:   "invalid_client_message",
					Source: "gateway",
					Detail: err.Error(),
				})
				continue
			}

			switch m := parsed.(type) {
			case protocol.ChatSend:
				s.metrics.ObserveWSMessage("inbound", string(protocol.TypeChatSend))
				g.Go(func() error {
					if _, err := c.SendChat(ctx, m.Text); err != nil && ctx.Err() == nil {
						ev := chatErrorEvent(roomID, err)
						ev.ClientMsgID = m.ClientMsgID
						enqueue(ctx, ev)
					}
					poke()
					return nil
				})
				poke()
			case protocol.EnableAudio:
				s.metrics.ObserveWSMessage("inbound", string(protocol.TypeEnableAudio))
				g.Go(func() error {
					if err := c.EnableAudio(ctx); err != nil && ctx.Err() == nil {
						enqueue(ctx, callErrorEvent(roomID, "audio", err))
					}
					return nil
				})
			case protocol.HangUp:
				s.metrics.ObserveWSMessage("inbound", string(protocol.TypeHangUp))
				logger.Info("client hung up", "reason", m.Reason)
				c.Close()
				return errHangUp
			}
		}
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, errHangUp) && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Debug("call socket ended", "error", err)
	}
	logger.Info("call socket closed", "state", c.Snapshot().State.String())
}

// writePump is the only writer on conn.
func (s *Server) writePump(ctx context.Context, conn *websocket.Conn, c *orchestrator.Call, outbound <-chan any, changed <-chan struct{}) error {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	var last *protocol.CallState
	sentChat := 0
	write := func(msg any, t protocol.MessageType) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		s.metrics.ObserveWSMessage("outbound", string(t))
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		case msg := <-outbound:
			ev, _ := msg.(protocol.ErrorEvent)
			if err := write(msg, ev.Type); err != nil {
				return err
			}
		case <-changed:
			snap := c.Snapshot()
			for ; sentChat < len(snap.Chat); sentChat++ {
				if err := write(chatMessage(c.RoomID(), snap.Chat[sentChat]), protocol.TypeChatMessage); err != nil {
					return err
				}
			}
			state := callState(c.RoomID(), snap, c.Relay().Sending())
			if last != nil && *last == state && state.Error == nil {
				continue
			}
			if err := write(state, protocol.TypeCallState); err != nil {
				return err
			}
			last = &state
		}
	}
}

func callState(roomID string, snap call.Snapshot, sending bool) protocol.CallState {
	out := protocol.CallState{
		Type:           protocol.TypeCallState,
		RoomID:         roomID,
		State:          snap.State.Phase().String(),
		AudioPermitted: snap.AudioPermitted,
		HasAgentVideo:  snap.HasAgentVideo,
		HasAgentAudio:  snap.HasAgentAudio,
		AgentIdentity:  snap.AgentIdentity,
		Ready:          snap.Ready(),
		Sending:        sending,
	}
	if p, ok := snap.State.Presence(); ok {
		out.Presence = p.String()
	}
	if snap.Err != nil {
		code := "unknown"
		if kind, ok := call.KindOf(snap.Err); ok {
			code = string(kind)
		}
		out.Error = &protocol.CallError{Code: code, Detail: snap.Err.Error()}
	}
	return out
}

func chatMessage(roomID string, e call.ChatEntry) protocol.ChatMessage {
	return protocol.ChatMessage{
		Type:   protocol.TypeChatMessage,
		RoomID: roomID,
		ID:     e.ID,
		Author: e.Author,
		Text:   e.Text,
		TSMs:   e.Timestamp.UnixMilli(),
		Local:  e.Local,
	}
}

func callErrorEvent(roomID, source string, err error) protocol.ErrorEvent {
	code := "internal_error"
	if kind, ok := call.KindOf(err); ok {
		code = string(kind)
	} else if errors.Is(err, orchestrator.ErrCallClosed) || errors.Is(err, orchestrator.ErrAlreadyJoined) {
		code = "call_closed"
	}
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		RoomID:    roomID,
		Code:      code,
		Source:    source,
		Retryable: retryable(err),
		Detail:    err.Error(),
	}
}

func chatErrorEvent(roomID string, err error) protocol.ErrorEvent {
	ev := callErrorEvent(roomID, "chat", err)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		ev.Code = "empty_message"
	case errors.Is(err, chat.ErrSendInFlight):
		ev.Code, ev.Retryable = "send_in_flight", true
	case errors.Is(err, chat.ErrNoAgent):
		ev.Code, ev.Retryable = "no_agent", true
	case errors.Is(err, chat.ErrNotConnected):
		ev.Code = "not_connected"
	}
	return ev
}
