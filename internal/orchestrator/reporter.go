package orchestrator

import (
	"context"
	"log/slog"
	"net/url"

	"github.com/antoniostano/fancall/internal/call"
	"github.com/antoniostano/fancall/internal/observability"
)

// Navigator moves the presentation layer to a room-scoped view.
type Navigator interface {
	Navigate(ctx context.Context, roomPath string)
}

type NavigatorFunc func(ctx context.Context, roomPath string)

func (f NavigatorFunc) Navigate(ctx context.Context, roomPath string) { f(ctx, roomPath) }

// ErrorReporter receives every fatal startup failure.
type ErrorReporter interface {
	Report(ctx context.Context, err error)
}

type ErrorReporterFunc func(ctx context.Context, err error)

func (f ErrorReporterFunc) Report(ctx context.Context, err error) { f(ctx, err) }

// LogReporter logs failures and counts them by kind.
type LogReporter struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

func (r LogReporter) Report(ctx context.Context, err error) {
	if err == nil {
		return
	}
	kind, _ := call.KindOf(err)
	if kind == "" {
		kind = "unknown"
	}
	r.Metrics.ObserveReportedError(string(kind))
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "call startup failed", "kind", string(kind), "error", err)
}

// RoomPath is the room-scoped view for roomID under a language prefix.
func RoomPath(lang, roomID string) string {
	if lang == "" {
		lang = DefaultLanguage
	}
	return "/" + url.PathEscape(lang) + "/" + url.PathEscape(roomID)
}
