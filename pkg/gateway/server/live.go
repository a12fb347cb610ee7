package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/gateway/live/asr"
	"github.com/voxline/voxline/pkg/gateway/live/codec"
	"github.com/voxline/voxline/pkg/gateway/live/protocol"
	"github.com/voxline/voxline/pkg/gateway/live/session"
	"github.com/voxline/voxline/pkg/gateway/live/sessions"
)

// handleLive authenticates the device, upgrades the socket, performs the
// hello handshake and hands the connection to a session.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.draining.Load() {
		http.Error(w, "gateway is draining", http.StatusServiceUnavailable)
		return
	}

	deviceID := strings.TrimSpace(r.Header.Get("Device-Id"))
	clientID := strings.TrimSpace(r.Header.Get("Client-Id"))
	if deviceID == "" {
		http.Error(w, "Device-Id header is required", http.StatusBadRequest)
		return
	}
	if s.tokens != nil {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		if err := s.tokens.VerifyToken(token, clientID, deviceID); err != nil {
			s.logger.Warn("token rejected", "device_id", deviceID, "err", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	hello, ok := s.readHello(conn)
	if !ok {
		return
	}

	sessionID := uuid.NewString()
	logger := s.logger.With("session_id", sessionID, "device_id", deviceID)

	decoder, err := codec.NewOpusDecoder(
		s.cfg.AudioSampleRateHz,
		s.cfg.AudioChannels,
		int(s.cfg.AudioFrameDuration/time.Millisecond),
	)
	if err != nil {
		logger.Error("audio decoder init failed", "err", err)
		s.writeWSError(conn, "internal", "audio decoder unavailable")
		return
	}

	sess, err := session.New(session.Dependencies{
		Conn:      conn,
		Logger:    logger,
		Router:    s.router,
		Responder: s.responder,
		NewVendor: s.newVendorClient,
		Decoder:   decoder,
		Hello:     hello,
		SessionID: sessionID,
		DeviceID:  deviceID,
		ClientID:  clientID,
		ASR:       session.ASRParams{Language: s.vendorCfg.ASR.Language},
		Config: session.Config{
			FrameDuration:       s.cfg.AudioFrameDuration,
			PrebufferFrames:     s.cfg.PrebufferFrames,
			SampleRateHz:        s.cfg.AudioSampleRateHz,
			Channels:            s.cfg.AudioChannels,
			MaxAudioFrameBytes:  s.cfg.MaxAudioFrameBytes,
			MaxTextMessageBytes: s.cfg.MaxTextMessageBytes,
			PingInterval:        s.cfg.PingInterval,
			WriteTimeout:        s.cfg.WriteTimeout,
			ReadTimeout:         s.cfg.ReadTimeout,
			MaxSessionDuration:  s.cfg.MaxSessionDuration,
			OutboundQueueSize:   s.cfg.OutboundQueueSize,
			ASRGraceWindow:      s.cfg.ASRGraceWindow,
		},
	})
	if err != nil {
		logger.Error("session init failed", "err", err)
		s.writeWSError(conn, "internal", "failed to initialize session")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unregister := s.tracker.Register(deviceID, sessions.Handle{
		SessionID: sessionID,
		Cancel:    cancel,
		Warn: func(code, message string) error {
			return sess.SendJSON(protocol.ServerError{Type: "error", Code: code, Message: message, SessionID: sessionID})
		},
	})
	defer unregister()

	logger.Info("session started", "transport", hello.Transport)
	if err := sess.Run(ctx); err != nil {
		logger.Warn("session ended with error", "err", err)
		return
	}
	logger.Info("session ended")
}

// readHello consumes and validates the first frame under the handshake
// deadline. It reports failure after writing a terminal error frame.
func (s *Server) readHello(conn *websocket.Conn) (protocol.ClientHello, bool) {
	handshakeTimeout := s.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		s.writeWSError(conn, "bad_request", "failed to read hello")
		return protocol.ClientHello{}, false
	}
	if messageType != websocket.TextMessage {
		s.writeWSError(conn, "bad_request", "first frame must be hello")
		return protocol.ClientHello{}, false
	}
	hello, err := protocol.DecodeHello(firstFrame)
	if err != nil {
		code := "bad_request"
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			code = decodeErr.Code
		}
		s.writeWSError(conn, code, err.Error())
		return protocol.ClientHello{}, false
	}
	_ = conn.SetReadDeadline(time.Time{})
	return hello, true
}

func (s *Server) writeWSError(conn *websocket.Conn, code, message string) {
	payload, err := json.Marshal(protocol.ServerError{Type: "error", Code: code, Message: message})
	if err != nil {
		return
	}
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code), deadline)
}

func (s *Server) newVendorClient() asr.VendorClient {
	return asr.NewWSClient(asr.WSClientConfig{
		URL:         s.vendorCfg.ASR.URL,
		Token:       s.vendorCfg.ASR.Token,
		AppKey:      s.vendorCfg.ASR.AppKey,
		RecvTimeout: s.cfg.ASRReceiveTimeout,
	})
}

func bearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}
