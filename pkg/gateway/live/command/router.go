// Package command demultiplexes inbound text messages onto per-session
// handlers. The dispatch loop carries no business logic: handlers are
// stateless singletons keyed by the message "type" discriminator, and all
// side effects go through the Session capability interface.
package command

import (
	"context"
	"encoding/json"
	"log/slog"
)

// Session is the narrow view of a connection session that handlers may act
// on. The concrete session implements it; handlers never see transport or
// vendor details directly.
type Session interface {
	SessionID() string
	DeviceID() string

	SetListenMode(mode string)
	VoiceStart()
	// VoiceStop marks the end of the utterance and triggers recognition
	// finalization when buffered audio exists.
	VoiceStop(ctx context.Context) error
	// DetectText starts a conversation turn from client-recognized text,
	// bypassing streaming recognition entirely.
	DetectText(ctx context.Context, text string) error
	Abort(ctx context.Context, reason string) error

	SendServerHello() error
	SendJSON(v any) error
	// Echo writes raw back to the device verbatim.
	Echo(raw []byte) error
}

// ToolExecutor runs device-initiated tool domains (iot descriptors, mcp
// payloads, server directives). Implementations live outside the core.
type ToolExecutor interface {
	Execute(ctx context.Context, domain string, payload json.RawMessage) error
}

type Handler interface {
	Type() string
	Handle(ctx context.Context, sess Session, payload json.RawMessage) error
}

type Router struct {
	logger   *slog.Logger
	handlers map[string]Handler
}

// NewRouter builds the registry once at start-up; it is never mutated after
// and is shared read-only across all sessions.
func NewRouter(logger *slog.Logger, handlers ...Handler) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		logger:   logger,
		handlers: make(map[string]Handler, len(handlers)),
	}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

func (r *Router) Register(h Handler) {
	if h == nil || h.Type() == "" {
		return
	}
	r.handlers[h.Type()] = h
}

// Dispatch routes one inbound text frame.
//
// Frames that are not well-formed JSON, and frames that decode to a bare
// number, are echoed back to the sender unchanged. Some firmwares use a
// numeric heartbeat and expect it mirrored; do not extend this pass-through
// to new message shapes. Unknown types are logged and dropped without
// closing the connection.
func (r *Router) Dispatch(ctx context.Context, sess Session, raw []byte) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return sess.Echo(raw)
	}

	switch v := decoded.(type) {
	case float64:
		return sess.Echo(raw)
	case map[string]any:
		typ, _ := v["type"].(string)
		handler, ok := r.handlers[typ]
		if !ok {
			r.logger.Warn("unknown command type", "type", typ, "session_id", sess.SessionID())
			return nil
		}
		return handler.Handle(ctx, sess, json.RawMessage(raw))
	default:
		r.logger.Warn("unhandled message shape", "session_id", sess.SessionID())
		return nil
	}
}
