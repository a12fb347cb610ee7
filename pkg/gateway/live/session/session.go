// Package session owns the per-connection state of one device: the read
// loop, the paced outbound writer, the attached recognition session and
// the conversation turn in flight. All mutable state is confined to the
// Run goroutine; collaborators communicate over channels.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxline/voxline/pkg/gateway/live/asr"
	"github.com/voxline/voxline/pkg/gateway/live/codec"
	"github.com/voxline/voxline/pkg/gateway/live/command"
	"github.com/voxline/voxline/pkg/gateway/live/gatewayframe"
	"github.com/voxline/voxline/pkg/gateway/live/protocol"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("outbound control backpressure")

// Conn is the device socket surface the session needs. *websocket.Conn
// satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	wsWriter
}

// Config tunes one session. Zero values fall back to defaults in New.
type Config struct {
	FrameDuration       time.Duration
	PrebufferFrames     int
	SampleRateHz        int
	Channels            int
	MaxAudioFrameBytes  int
	MaxTextMessageBytes int64
	PingInterval        time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	MaxSessionDuration  time.Duration
	OutboundQueueSize   int
	ASRGraceWindow      time.Duration
}

// ReplyEvent is one element of a conversation turn's reply stream: a
// sentence marker, one opus frame, or the end-of-reply signal.
type ReplyEvent struct {
	Text  string
	Audio []byte
	End   bool
}

// Responder produces the spoken reply for a finalized transcript. The
// returned channel is closed when the reply is complete or ctx is
// canceled.
type Responder interface {
	Respond(ctx context.Context, sessionID, text string) (<-chan ReplyEvent, error)
}

// VendorFactory opens a fresh recognition vendor client per utterance.
type VendorFactory func() asr.VendorClient

// ASRParams is passed through to the vendor start message.
type ASRParams struct {
	Language string
}

type Dependencies struct {
	Conn      Conn
	Logger    *slog.Logger
	Router    *command.Router
	Responder Responder
	NewVendor VendorFactory
	Decoder   codec.Decoder
	Hello     protocol.ClientHello
	SessionID string
	DeviceID  string
	ClientID  string
	ASR       ASRParams
	Config    Config
	Now       func() time.Time
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type ConnectionSession struct {
	conn      Conn
	logger    *slog.Logger
	router    *command.Router
	responder Responder
	newVendor VendorFactory
	decoder   codec.Decoder
	hello     protocol.ClientHello
	sessionID string
	deviceID  string
	clientID  string
	asrParams ASRParams
	cfg       Config
	now       func() time.Time

	fromGateway bool

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	pacer  *Pacer
	framer *gatewayframe.Framer

	// abortRequested is read by the pacer and writer goroutines.
	abortRequested atomic.Bool

	// Owned by the Run goroutine.
	listenMode  string
	voiceState  string
	sentenceID  int
	recognizer  *asr.Session
	recogCancel context.CancelFunc
	replyCh     <-chan ReplyEvent
	replyCancel context.CancelFunc
	replyOpen   bool
}

func New(deps Dependencies) (*ConnectionSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Router == nil {
		return nil, fmt.Errorf("command router is required")
	}
	if deps.NewVendor == nil {
		return nil, fmt.Errorf("vendor factory is required")
	}
	if deps.Decoder == nil {
		return nil, fmt.Errorf("audio decoder is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Config.FrameDuration <= 0 {
		deps.Config.FrameDuration = 60 * time.Millisecond
	}
	if deps.Config.PrebufferFrames <= 0 {
		deps.Config.PrebufferFrames = 5
	}
	if deps.Config.SampleRateHz <= 0 {
		deps.Config.SampleRateHz = 16000
	}
	if deps.Config.Channels <= 0 {
		deps.Config.Channels = 1
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 8192
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}

	s := &ConnectionSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "device_id", deps.DeviceID),
		router:           deps.Router,
		responder:        deps.Responder,
		newVendor:        deps.NewVendor,
		decoder:          deps.Decoder,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		deviceID:         deps.DeviceID,
		clientID:         deps.ClientID,
		asrParams:        deps.ASR,
		cfg:              deps.Config,
		now:              deps.Now,
		fromGateway:      deps.Hello.Transport == protocol.TransportGateway,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		framer:           &gatewayframe.Framer{},
		listenMode:       protocol.ListenModeAuto,
		voiceState:       protocol.VoiceStateIdle,
	}
	if deps.Hello.AudioIn.FrameDuration > 0 {
		s.cfg.FrameDuration = time.Duration(deps.Hello.AudioIn.FrameDuration) * time.Millisecond
	}
	s.pacer = NewPacer(PacerConfig{
		FrameDuration: s.cfg.FrameDuration,
		WarmupFrames:  s.cfg.PrebufferFrames,
		Now:           s.now,
		Aborted:       s.abortRequested.Load,
	})
	return s, nil
}

// Run drives the session until the device disconnects, the parent
// context ends or the transport fails.
func (s *ConnectionSession) Run(ctx context.Context) error {
	if s.cfg.MaxSessionDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.MaxSessionDuration)
		defer cancel()
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.cancel()

	if s.cfg.MaxTextMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxTextMessageBytes)
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		w := outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
			dropAudio:    s.abortRequested.Load,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	pacerErrCh := make(chan error, 1)
	go func() {
		pacerErrCh <- s.pacer.Run(s.ctx, s.dispatchAudio)
	}()

	flushAndClose := func() {
		s.cancel()
		wait := 100 * time.Millisecond
		if s.cfg.WriteTimeout > 0 && s.cfg.WriteTimeout < wait {
			wait = s.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}
	defer s.detachAll()
	defer flushAndClose()

	if err := s.SendServerHello(); err != nil {
		return err
	}

	for {
		var recogDone <-chan asr.Result
		if s.recognizer != nil {
			recogDone = s.recognizer.Done()
		}

		select {
		case <-s.ctx.Done():
			return nil

		case frame, ok := <-readCh:
			if !ok {
				return nil
			}
			if frame.err != nil {
				if websocket.IsUnexpectedCloseError(frame.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Warn("device socket closed unexpectedly", "err", frame.err)
				}
				return nil
			}
			switch frame.messageType {
			case websocket.TextMessage:
				if err := s.router.Dispatch(s.ctx, s, frame.data); err != nil {
					s.logger.Warn("command failed", "err", err)
				}
			case websocket.BinaryMessage:
				s.handleAudio(frame.data)
			}

		case res := <-recogDone:
			s.handleTranscript(res)

		case ev, ok := <-s.replyCh:
			s.handleReply(ev, ok)

		case err := <-writerErrCh:
			if err != nil {
				s.logger.Warn("outbound writer failed", "err", err)
			}
			return err

		case err := <-pacerErrCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("pacing loop failed", "err", err)
				return err
			}
			return nil
		}
	}
}

func (s *ConnectionSession) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		if s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(s.now().Add(s.cfg.ReadTimeout))
		}
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// handleAudio processes one inbound binary frame: unwrap relay framing if
// present, decode opus to PCM and feed the recognizer.
func (s *ConnectionSession) handleAudio(data []byte) {
	payload := data
	if s.fromGateway {
		frame, err := gatewayframe.Decode(data)
		if err != nil {
			s.logger.Warn("dropping malformed relay frame", "err", err)
			return
		}
		payload = frame.Payload
	}
	if len(payload) == 0 || len(payload) > s.cfg.MaxAudioFrameBytes {
		s.logger.Warn("dropping oversized audio frame", "bytes", len(payload))
		return
	}
	if s.voiceState != protocol.VoiceStateSpeaking {
		return
	}
	if s.recognizer == nil {
		s.startRecognizer()
	}
	pcm, err := s.decoder.Decode(payload)
	if err != nil {
		s.logger.Warn("dropping undecodable audio frame", "err", err)
		return
	}
	s.recognizer.Feed(pcm)
}

func (s *ConnectionSession) startRecognizer() {
	rec := asr.New(s.newVendor(), asr.Config{
		Mode: s.listenMode,
		Start: asr.StartParams{
			SampleRateHz: s.cfg.SampleRateHz,
			Channels:     s.cfg.Channels,
			Language:     s.asrParams.Language,
		},
		GraceWindow: s.cfg.ASRGraceWindow,
		Logger:      s.logger,
	})
	ctx, cancel := context.WithCancel(s.ctx)
	s.recognizer = rec
	s.recogCancel = cancel
	go rec.Run(ctx)
}

func (s *ConnectionSession) detachRecognizer(abort bool) {
	if s.recognizer == nil {
		return
	}
	if abort {
		s.recognizer.Abort()
	}
	s.recogCancel()
	s.recognizer = nil
	s.recogCancel = nil
}

func (s *ConnectionSession) handleTranscript(res asr.Result) {
	s.detachRecognizer(false)
	s.voiceState = protocol.VoiceStateIdle
	if res.Err != nil {
		s.logger.Warn("recognition ended with error", "err", res.Err)
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		// Nothing heard. Not a failure; the turn simply does not happen.
		s.logger.Info("empty transcript, skipping turn")
		return
	}
	s.startTurn(text)
}

// startTurn echoes the transcript to the device and begins the reply
// stream.
func (s *ConnectionSession) startTurn(text string) {
	if err := s.SendJSON(protocol.ServerSTT{Type: "stt", Text: text, SessionID: s.sessionID}); err != nil {
		s.logger.Warn("stt echo failed", "err", err)
	}
	if s.responder == nil {
		return
	}
	s.cancelReply()
	ctx, cancel := context.WithCancel(s.ctx)
	ch, err := s.responder.Respond(ctx, s.sessionID, text)
	if err != nil {
		cancel()
		s.logger.Warn("responder failed to start", "err", err)
		return
	}
	s.replyCh = ch
	s.replyCancel = cancel
	s.replyOpen = false
}

// handleReply feeds one reply event through the pacer so speech state
// messages stay ordered with the audio they describe.
func (s *ConnectionSession) handleReply(ev ReplyEvent, ok bool) {
	if !ok {
		s.replyCh = nil
		s.cancelReply()
		return
	}
	if !s.replyOpen {
		s.replyOpen = true
		s.pacer.EnqueueMessage(s.speechStateFn(protocol.TTSStateStart, ""))
	}
	switch {
	case ev.End:
		s.pacer.EnqueueMessage(s.speechStateFn(protocol.TTSStateStop, ""))
		s.replyOpen = false
	case len(ev.Audio) > 0:
		s.pacer.EnqueueAudio(ev.Audio)
	case ev.Text != "":
		s.pacer.EnqueueMessage(s.speechStateFn(protocol.TTSStateSentenceStart, ev.Text))
	}
}

func (s *ConnectionSession) cancelReply() {
	if s.replyCancel != nil {
		s.replyCancel()
		s.replyCancel = nil
	}
}

// speechStateFn builds a paced control message announcing speech state.
// It travels the normal queue so it cannot overtake already-queued audio.
func (s *ConnectionSession) speechStateFn(state, text string) func() error {
	msg := protocol.ServerTTS{Type: "tts", State: state, Text: text, SessionID: s.sessionID}
	data, err := json.Marshal(msg)
	return func() error {
		if err != nil {
			return err
		}
		return s.enqueueNormal(outboundFrame{text: data})
	}
}

// dispatchAudio is the pacer's send callback. Relay sessions get the
// 16-byte header stamped with a wall-clock timestamp.
func (s *ConnectionSession) dispatchAudio(frame []byte, _ int64) error {
	payload := frame
	if s.fromGateway {
		framed, err := s.framer.Next(s.now().UnixMilli(), frame)
		if err != nil {
			return err
		}
		payload = framed
	}
	return s.enqueueNormal(outboundFrame{binary: payload, isAudio: true})
}

func (s *ConnectionSession) enqueueNormal(frame outboundFrame) error {
	select {
	case s.outboundNormal <- frame:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *ConnectionSession) sendPriority(frame outboundFrame) error {
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *ConnectionSession) detachAll() {
	s.cancelReply()
	s.detachRecognizer(true)
}

// --- command.Session ---

func (s *ConnectionSession) SessionID() string { return s.sessionID }
func (s *ConnectionSession) DeviceID() string  { return s.deviceID }

func (s *ConnectionSession) SetListenMode(mode string) {
	switch mode {
	case protocol.ListenModeAuto, protocol.ListenModeManual:
		s.listenMode = mode
	}
}

// VoiceStart begins a new utterance: any in-flight reply or recognition
// is discarded and the pacing clock restarts.
func (s *ConnectionSession) VoiceStart() {
	s.sentenceID++
	s.abortRequested.Store(false)
	s.pacer.Reset()
	s.cancelReply()
	s.replyCh = nil
	s.detachRecognizer(true)
	s.voiceState = protocol.VoiceStateSpeaking
}

func (s *ConnectionSession) VoiceStop(context.Context) error {
	s.voiceState = protocol.VoiceStateStopped
	if s.recognizer != nil {
		s.recognizer.Stop()
	}
	return nil
}

// DetectText starts a turn from client-side recognition, bypassing the
// streaming recognizer.
func (s *ConnectionSession) DetectText(_ context.Context, text string) error {
	s.sentenceID++
	s.abortRequested.Store(false)
	s.pacer.Reset()
	s.detachRecognizer(true)
	s.voiceState = protocol.VoiceStateIdle
	s.startTurn(text)
	return nil
}

// Abort discards everything in flight and tells the device to stop
// playback.
func (s *ConnectionSession) Abort(_ context.Context, reason string) error {
	s.logger.Info("abort requested", "reason", reason)
	s.abortRequested.Store(true)
	s.pacer.Reset()
	s.cancelReply()
	s.replyCh = nil
	s.detachRecognizer(true)
	s.voiceState = protocol.VoiceStateIdle
	return s.SendJSON(protocol.ServerTTS{Type: "tts", State: protocol.TTSStateStop, SessionID: s.sessionID})
}

func (s *ConnectionSession) SendServerHello() error {
	return s.SendJSON(protocol.ServerHello{
		Type:      protocol.TypeHello,
		Version:   protocol.ProtocolVersion1,
		Transport: s.hello.Transport,
		SessionID: s.sessionID,
		AudioOut: protocol.AudioFormat{
			Format:        "opus",
			SampleRateHz:  s.cfg.SampleRateHz,
			Channels:      s.cfg.Channels,
			FrameDuration: int(s.cfg.FrameDuration / time.Millisecond),
		},
	})
}

func (s *ConnectionSession) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode outbound message: %w", err)
	}
	return s.sendPriority(outboundFrame{text: data})
}

func (s *ConnectionSession) Echo(raw []byte) error {
	return s.sendPriority(outboundFrame{text: raw})
}
