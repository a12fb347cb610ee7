package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/voxline/voxline/pkg/gateway/config"
	"github.com/voxline/voxline/pkg/gateway/live/protocol"
)

// HandlerDeps carries the process-wide collaborators the default handlers
// close over. All fields are immutable after start-up.
type HandlerDeps struct {
	Logger *slog.Logger
	Vendor config.VendorConfig
	Tools  ToolExecutor
}

// DefaultHandlers returns the built-in handler set for the device protocol.
func DefaultHandlers(deps HandlerDeps) []Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return []Handler{
		helloHandler{},
		listenHandler{vendor: deps.Vendor},
		abortHandler{},
		pingHandler{},
		toolHandler{typ: protocol.TypeIoT, tools: deps.Tools, logger: deps.Logger},
		toolHandler{typ: protocol.TypeMCP, tools: deps.Tools, logger: deps.Logger},
		toolHandler{typ: protocol.TypeServer, tools: deps.Tools, logger: deps.Logger},
	}
}

// helloHandler answers a repeated in-session hello with the server hello.
// The initial handshake hello is consumed before the router sees traffic.
type helloHandler struct{}

func (helloHandler) Type() string { return protocol.TypeHello }

func (helloHandler) Handle(_ context.Context, sess Session, _ json.RawMessage) error {
	return sess.SendServerHello()
}

type listenHandler struct {
	vendor config.VendorConfig
}

func (listenHandler) Type() string { return protocol.TypeListen }

func (h listenHandler) Handle(ctx context.Context, sess Session, payload json.RawMessage) error {
	var msg protocol.ClientListen
	if err := json.Unmarshal(payload, &msg); err != nil {
		return fmt.Errorf("decode listen payload: %w", err)
	}
	if msg.Mode != "" {
		sess.SetListenMode(msg.Mode)
	}
	if !protocol.ValidListenState(msg.State) {
		return fmt.Errorf("unknown listen state %q", msg.State)
	}

	switch msg.State {
	case protocol.ListenStateStart:
		sess.VoiceStart()
		return nil
	case protocol.ListenStateStop:
		return sess.VoiceStop(ctx)
	default: // detect: explicit end with inline recognized text
		if msg.Text == "" {
			return nil
		}
		if h.vendor.IsWakeWord(msg.Text) {
			if !h.vendor.GreetingEnabled {
				// Acknowledge the wake word without starting a turn.
				if err := sess.SendJSON(protocol.ServerSTT{Type: "stt", Text: msg.Text, SessionID: sess.SessionID()}); err != nil {
					return err
				}
				return sess.SendJSON(protocol.ServerTTS{Type: "tts", State: "stop", SessionID: sess.SessionID()})
			}
			return sess.DetectText(ctx, h.vendor.GreetingText)
		}
		return sess.DetectText(ctx, msg.Text)
	}
}

type abortHandler struct{}

func (abortHandler) Type() string { return protocol.TypeAbort }

func (abortHandler) Handle(ctx context.Context, sess Session, payload json.RawMessage) error {
	var msg protocol.ClientAbort
	_ = json.Unmarshal(payload, &msg)
	return sess.Abort(ctx, msg.Reason)
}

type pingHandler struct{}

func (pingHandler) Type() string { return protocol.TypePing }

func (pingHandler) Handle(context.Context, Session, json.RawMessage) error {
	return nil
}

// toolHandler forwards iot/mcp/server payloads to the external executor.
type toolHandler struct {
	typ    string
	tools  ToolExecutor
	logger *slog.Logger
}

func (h toolHandler) Type() string { return h.typ }

func (h toolHandler) Handle(ctx context.Context, sess Session, payload json.RawMessage) error {
	if h.tools == nil {
		h.logger.Warn("no tool executor configured", "type", h.typ, "session_id", sess.SessionID())
		return nil
	}
	return h.tools.Execute(ctx, h.typ, payload)
}
