package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Vendor status codes. Anything not listed is treated as recoverable and
// only logged.
const (
	statusAuthFailed     = 40000001
	statusTokenExpired   = 40000002
	statusIdleTimeout    = 40000004
	statusConnectionGone = 41010105
)

func fatalStatus(code int) bool {
	switch code {
	case statusAuthFailed, statusTokenExpired, statusIdleTimeout, statusConnectionGone:
		return true
	}
	return false
}

// WSClientConfig configures the websocket transcription client.
type WSClientConfig struct {
	URL    string
	Token  string
	AppKey string
	// RecvTimeout bounds each read from the vendor socket.
	RecvTimeout time.Duration

	// Dialer is overridable for tests; nil uses the default.
	Dialer *websocket.Dialer
}

// WSClient speaks the websocket transcription protocol: JSON control
// messages with a header/payload envelope, raw PCM as binary frames.
type WSClient struct {
	cfg    WSClientConfig
	taskID string
	conn   *websocket.Conn
}

// NewWSClient builds a client for one recognition task. Each task gets a
// fresh task id; the vendor rejects id reuse.
func NewWSClient(cfg WSClientConfig) *WSClient {
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 10 * time.Second
	}
	return &WSClient{
		cfg:    cfg,
		taskID: strings.ReplaceAll(uuid.NewString(), "-", ""),
	}
}

type wireHeader struct {
	MessageID  string `json:"message_id"`
	TaskID     string `json:"task_id"`
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	AppKey     string `json:"appkey,omitempty"`
	Status     int    `json:"status,omitempty"`
	StatusText string `json:"status_text,omitempty"`
}

type wireMessage struct {
	Header  wireHeader     `json:"header"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("X-NLS-Token", c.cfg.Token)
	}
	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial vendor %s: %w (status %d)", c.cfg.URL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial vendor %s: %w", c.cfg.URL, err)
	}
	c.conn = conn
	return nil
}

func (c *WSClient) SendStart(_ context.Context, params StartParams) error {
	msg := wireMessage{
		Header: wireHeader{
			MessageID: strings.ReplaceAll(uuid.NewString(), "-", ""),
			TaskID:    c.taskID,
			Namespace: "SpeechTranscriber",
			Name:      "StartTranscription",
			AppKey:    c.cfg.AppKey,
		},
		Payload: map[string]any{
			"format":                            "pcm",
			"sample_rate":                       params.SampleRateHz,
			"enable_intermediate_result":        true,
			"enable_punctuation_prediction":     true,
			"enable_inverse_text_normalization": true,
		},
	}
	return c.writeJSON(msg)
}

func (c *WSClient) Feed(_ context.Context, pcm []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RecvTimeout))
	return c.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (c *WSClient) SendEnd(context.Context) error {
	msg := wireMessage{
		Header: wireHeader{
			MessageID: strings.ReplaceAll(uuid.NewString(), "-", ""),
			TaskID:    c.taskID,
			Namespace: "SpeechTranscriber",
			Name:      "StopTranscription",
			AppKey:    c.cfg.AppKey,
		},
	}
	return c.writeJSON(msg)
}

// RecvEvent blocks for the next vendor message and normalizes it. Binary
// frames from the vendor are skipped; only the JSON envelope carries
// events.
func (c *WSClient) RecvEvent(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.RecvTimeout))
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return Event{}, fmt.Errorf("vendor read: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return Event{}, fmt.Errorf("vendor message decode: %w", err)
		}
		ev, ok := c.normalize(msg)
		if !ok {
			continue
		}
		return ev, nil
	}
}

func (c *WSClient) normalize(msg wireMessage) (Event, bool) {
	result, _ := msg.Payload["result"].(string)
	switch msg.Header.Name {
	case "TranscriptionStarted":
		return Event{Type: EventReady}, true
	case "TranscriptionResultChanged":
		return Event{Type: EventPartial, Text: result}, true
	case "SentenceEnd":
		return Event{Type: EventFinal, Text: result}, true
	case "TaskFailed":
		return Event{
			Type:  EventStatus,
			Text:  msg.Header.StatusText,
			Code:  msg.Header.Status,
			Fatal: fatalStatus(msg.Header.Status),
		}, true
	case "SentenceBegin":
		return Event{}, false
	default:
		return Event{}, false
	}
}

func (c *WSClient) writeJSON(msg wireMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode vendor message: %w", err)
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.cfg.RecvTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *WSClient) Close() error {
	if c.conn == nil {
		return nil
	}
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
