// Package chat relays text messages between the local user and the agent
// over the session's data channel, one send at a time.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/policy"
	"github.com/antoniostano/fancall/internal/rtc"
)

var (
	ErrEmptyMessage = errors.New("chat: message is empty")
	ErrSendInFlight = errors.New("chat: a message is already being sent")
	ErrNoAgent      = errors.New("chat: no agent in the room")
	ErrNotConnected = errors.New("chat: call is not connected")
)

type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Relay sends chat for one call. Incoming messages reach the chat log through
// the machine's own event subscription; the relay only counts them.
type Relay struct {
	machine *call.Machine
	logger  *slog.Logger
	metrics *observability.Metrics

	inFlight atomic.Bool

	mu      sync.Mutex
	session rtc.Session
	release func()
}

func NewRelay(m *call.Machine, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{machine: m, logger: logger.With("component", "chat"), metrics: opts.Metrics}
}

// Bind points the relay at s until Unbind.
func (r *Relay) Bind(s rtc.Session) {
	r.Unbind()
	release := s.Subscribe(func(ev rtc.Event) {
		if c, ok := ev.(rtc.ChatReceived); ok {
			r.metrics.ObserveChat("inbound", nil)
			r.logger.Debug("chat received", "from", c.Message.From, "text", policy.RedactChat(c.Message.Text))
		}
	})
	r.mu.Lock()
	r.session = s
	r.release = release
	r.mu.Unlock()
}

func (r *Relay) Unbind() {
	r.mu.Lock()
	release := r.release
	r.release = nil
	r.session = nil
	r.mu.Unlock()
	if release != nil {
		release()
	}
}

// Sending reports whether a send is in flight.
func (r *Relay) Sending() bool { return r.inFlight.Load() }

// Send publishes text to the room and appends it to the chat log. A second
// Send while one is in flight fails with ErrSendInFlight without touching
// the transport.
func (r *Relay) Send(ctx context.Context, text string) (rtc.ChatMessage, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return rtc.ChatMessage{}, ErrEmptyMessage
	}
	r.mu.Lock()
	s := r.session
	r.mu.Unlock()
	snap := r.machine.Snapshot()
	if s == nil || !snap.State.IsConnected() {
		return rtc.ChatMessage{}, ErrNotConnected
	}
	if snap.AgentIdentity == "" {
		return rtc.ChatMessage{}, ErrNoAgent
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return rtc.ChatMessage{}, ErrSendInFlight
	}
	defer r.inFlight.Store(false)

	msg, err := s.SendChat(ctx, text)
	r.metrics.ObserveChat("outbound", err)
	if err != nil {
		r.logger.Warn("chat send failed", "text", policy.RedactChat(text), "error", err)
		return rtc.ChatMessage{}, call.NewError(call.KindChatSend, "send chat", err)
	}
	r.machine.AppendChat(call.ChatEntry{
		ID:        msg.ID,
		Author:    msg.From,
		Text:      msg.Text,
		Timestamp: msg.Timestamp,
		Local:     true,
	})
	return msg, nil
}
