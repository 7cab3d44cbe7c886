// Package audiogate tracks whether the local client may play remote audio
// and requests permission from the transport on an explicit user action.
package audiogate

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/observability"
	"github.com/antoniostano/fancall/internal/rtc"
)

// Sink receives the permission flag, normally a *call.Machine.
type Sink interface {
	SetAudioPermitted(bool)
}

var ErrNotAttached = errors.New("audiogate: no session attached")

type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Gate mirrors a session's playback permission. The flag changes only on
// the transport's status-changed event, never on the outcome of Enable.
type Gate struct {
	sink    Sink
	logger  *slog.Logger
	metrics *observability.Metrics

	mu        sync.Mutex
	session   rtc.Session
	permitted bool
	release   func()
}

func New(sink Sink, opts Options) *Gate {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{sink: sink, logger: logger.With("component", "audiogate"), metrics: opts.Metrics}
}

// Attach reads the session's current permission and follows its changes
// until Release. Attaching again replaces the previous session.
func (g *Gate) Attach(s rtc.Session) {
	g.Release()

	g.mu.Lock()
	g.session = s
	g.release = s.Subscribe(g.onEvent)
	g.mu.Unlock()

	g.set(s.CanPlaybackAudio())
	if !g.Permitted() {
		g.metrics.ObserveAudioGate("blocked")
		g.logger.Info("audio playback blocked until enabled", "room", s.RoomName())
	}
}

func (g *Gate) Permitted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.permitted
}

// Enable asks the transport to start playback. Success is reported later by
// the status-changed event.
func (g *Gate) Enable(ctx context.Context) error {
	g.mu.Lock()
	s := g.session
	g.mu.Unlock()
	if s == nil {
		return ErrNotAttached
	}
	g.metrics.ObserveAudioGate("enable_requested")
	if err := s.StartAudio(ctx); err != nil {
		g.metrics.ObserveAudioGate("enable_failed")
		g.logger.Warn("start audio failed", "error", err)
		return call.NewError(call.KindAudioPermissionDenied, "start audio", err)
	}
	return nil
}

// Release stops following the session. It is safe to call repeatedly.
func (g *Gate) Release() {
	g.mu.Lock()
	release := g.release
	g.release = nil
	g.session = nil
	g.mu.Unlock()
	if release != nil {
		release()
	}
}

func (g *Gate) onEvent(ev rtc.Event) {
	if a, ok := ev.(rtc.AudioPlaybackChanged); ok {
		g.set(a.CanPlayback)
		if a.CanPlayback {
			g.metrics.ObserveAudioGate("granted")
		} else {
			g.metrics.ObserveAudioGate("revoked")
		}
	}
}

func (g *Gate) set(v bool) {
	g.mu.Lock()
	g.permitted = v
	g.mu.Unlock()
	if g.sink != nil {
		g.sink.SetAudioPermitted(v)
	}
}
