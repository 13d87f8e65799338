package server

import (
	"context"
	"log/slog"
)

// EventKind identifies an engine observation point. The set is closed; sinks
// switch on it rather than parsing strings out of log lines.
type EventKind string

// Engine event kinds.
const (
	EventAuthorizationSuccess EventKind = "authorization.success"
	EventAuthorizationError   EventKind = "authorization.error"
	EventInteractionStarted   EventKind = "interaction.started"
	EventInteractionEnded     EventKind = "interaction.ended"
	EventGrantSuccess         EventKind = "grant.success"
	EventGrantError           EventKind = "grant.error"
	EventGrantRevoked         EventKind = "grant.revoked"
	EventTokenIssued          EventKind = "token.issued"
	EventCodeReplay           EventKind = "code.replay"
	EventRefreshReplay        EventKind = "refresh.replay"
	EventFederationError      EventKind = "federation.error"
	EventServerError          EventKind = "server_error"
)

// Event is a single engine observation. Events are hook points for
// observability, never control flow: the engine's behavior does not depend on
// whether a sink is attached or what it does.
type Event struct {
	Kind      EventKind
	ClientID  string
	AccountID string
	GrantID   string
	Err       error
	Details   map[string]any
}

// EventSink receives engine events. Implementations must not block; slow
// consumers should buffer internally.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// LogSink is the default sink: it writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

// Emit implements EventSink.
func (s *LogSink) Emit(_ context.Context, ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}

	attrs := make([]any, 0, 10)
	attrs = append(attrs, "kind", string(ev.Kind))
	if ev.ClientID != "" {
		attrs = append(attrs, "client_id", ev.ClientID)
	}
	if ev.AccountID != "" {
		attrs = append(attrs, "account_id", ev.AccountID)
	}
	if ev.GrantID != "" {
		attrs = append(attrs, "grant_id", safeTruncate(ev.GrantID, 8))
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err.Error())
	}
	for k, v := range ev.Details {
		attrs = append(attrs, k, v)
	}

	switch ev.Kind {
	case EventCodeReplay, EventRefreshReplay:
		logger.Error("Engine event", attrs...)
	case EventAuthorizationError, EventGrantError, EventFederationError, EventServerError:
		logger.Warn("Engine event", attrs...)
	default:
		logger.Info("Engine event", attrs...)
	}
}

// emit sends an event to the configured sink, if any.
func (s *Server) emit(ctx context.Context, ev Event) {
	if s.Events != nil {
		s.Events.Emit(ctx, ev)
	}
}
