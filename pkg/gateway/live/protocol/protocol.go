package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = 1

	// TransportDirect is a plain device socket; TransportGateway means the
	// session is relayed through a message-broker gateway and outbound audio
	// must carry the 16-byte relay header.
	TransportDirect  = "direct"
	TransportGateway = "gateway"

	ListenModeAuto   = "auto"
	ListenModeManual = "manual"

	ListenStateStart  = "start"
	ListenStateStop   = "stop"
	ListenStateDetect = "detect"

	VoiceStateIdle     = "idle"
	VoiceStateSpeaking = "speaking"
	VoiceStateStopped  = "stopped"

	TTSStateStart         = "start"
	TTSStateSentenceStart = "sentence_start"
	TTSStateStop          = "stop"
)

// Client message types understood by the command router.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeAbort  = "abort"
	TypeIoT    = "iot"
	TypeMCP    = "mcp"
	TypeServer = "server"
	TypePing   = "ping"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

// AudioFormat describes the negotiated opus stream shape.
type AudioFormat struct {
	Format        string `json:"format"`
	SampleRateHz  int    `json:"sample_rate"`
	Channels      int    `json:"channels"`
	FrameDuration int    `json:"frame_duration"`
}

// ClientHello is the first text frame of every session.
type ClientHello struct {
	Type      string      `json:"type"`
	Version   int         `json:"version"`
	Transport string      `json:"transport,omitempty"`
	AudioIn   AudioFormat `json:"audio_params"`
}

type ClientListen struct {
	Type  string `json:"type"`
	State string `json:"state"`
	Mode  string `json:"mode,omitempty"`
	Text  string `json:"text,omitempty"`
}

type ClientAbort struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ServerHello acknowledges the handshake and assigns the session id.
type ServerHello struct {
	Type      string      `json:"type"`
	Version   int         `json:"version"`
	Transport string      `json:"transport"`
	SessionID string      `json:"session_id"`
	AudioOut  AudioFormat `json:"audio_params"`
}

// ServerSTT echoes the finalized transcript back to the device.
type ServerSTT struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// ServerTTS signals speech playback state ("start", "sentence_start", "stop").
type ServerTTS struct {
	Type      string `json:"type"`
	State     string `json:"state"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"session_id"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// DecodeHello parses and validates the handshake frame. It is strict about
// the hello shape; everything after the handshake goes through the command
// router instead, which carries the legacy pass-through behavior.
func DecodeHello(data []byte) (ClientHello, error) {
	var hello ClientHello
	if err := json.Unmarshal(data, &hello); err != nil {
		return ClientHello{}, badRequest("invalid hello frame", "")
	}
	if hello.Type != TypeHello {
		return ClientHello{}, badRequest("first frame must be hello", "type")
	}
	if hello.Version != ProtocolVersion1 {
		return ClientHello{}, &DecodeError{Code: "unsupported_version", Message: "unsupported protocol version", Param: "version"}
	}
	switch strings.TrimSpace(hello.Transport) {
	case "", TransportDirect:
		hello.Transport = TransportDirect
	case TransportGateway:
	default:
		return ClientHello{}, &DecodeError{Code: "unsupported", Message: "unsupported transport", Param: "transport"}
	}
	return hello, nil
}

// ValidListenState reports whether s is a listen state the router accepts.
func ValidListenState(s string) bool {
	switch s {
	case ListenStateStart, ListenStateStop, ListenStateDetect:
		return true
	}
	return false
}
