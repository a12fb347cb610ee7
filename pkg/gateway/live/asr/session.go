// Package asr implements the streaming speech-recognition session: one
// vendor connection per utterance, driven by a single goroutine that owns
// all mutable state. Vendor clients plug in behind the VendorClient
// interface; the lifecycle here is shared across vendors.
package asr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxline/voxline/pkg/gateway/live/protocol"
)

// State is the recognition session lifecycle. Closed is terminal; any
// state may jump straight to Closed on a fatal error or abort.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingReady
	StateStreaming
	StateFinalizing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event types emitted by vendor clients.
const (
	EventReady   = "ready"
	EventPartial = "partial"
	EventFinal   = "final"
	EventStatus  = "status"
)

// Event is one vendor-side occurrence, normalized away from the vendor's
// wire encoding.
type Event struct {
	Type string
	Text string
	Code int
	// Fatal marks a status event that must end the session. Unknown
	// status codes are reported non-fatal and only logged.
	Fatal bool
}

// StartParams configures the vendor's start-recognition control message.
type StartParams struct {
	SampleRateHz int
	Channels     int
	Language     string
}

// VendorClient is the capability surface a streaming vendor must provide.
// Implementations differ only in message encoding.
type VendorClient interface {
	Connect(ctx context.Context) error
	SendStart(ctx context.Context, params StartParams) error
	Feed(ctx context.Context, pcm []byte) error
	SendEnd(ctx context.Context) error
	RecvEvent(ctx context.Context) (Event, error)
	Close() error
}

// Result is delivered exactly once on Done. An empty Text with a nil Err
// means nothing was heard; callers must not treat that as failure. Err is
// informational: the caller proceeds with an empty transcript either way.
type Result struct {
	Text string
	// Audio holds the most recent raw frames of the utterance, for callers
	// that archive source audio. Empty after an abort or a fatal close.
	Audio [][]byte
	Err   error
}

// Config tunes one recognition session.
type Config struct {
	// Mode is auto or manual; see the listen protocol.
	Mode  string
	Start StartParams
	// GraceWindow bounds the wait for trailing vendor results after the
	// end-of-audio marker.
	GraceWindow time.Duration
	Logger      *slog.Logger
}

const (
	// preReadyCapacity bounds frames buffered before the vendor signals
	// ready; older frames are dropped first.
	preReadyCapacity = 10

	defaultGraceWindow = 3 * time.Second
	feedQueueSize      = 64
)

// Session runs one utterance's recognition. All state transitions happen
// on the Run goroutine; Feed, Stop and Abort are safe from other
// goroutines.
type Session struct {
	vendor VendorClient
	cfg    Config
	logger *slog.Logger

	state atomic.Int32

	feedCh  chan []byte
	eventCh chan Event
	errCh   chan error
	stopCh  chan struct{}
	abortCh chan struct{}
	doneCh  chan Result

	stopOnce  sync.Once
	abortOnce sync.Once
	finishOne sync.Once
}

func New(vendor VendorClient, cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = defaultGraceWindow
	}
	if cfg.Mode == "" {
		cfg.Mode = protocol.ListenModeAuto
	}
	s := &Session{
		vendor:  vendor,
		cfg:     cfg,
		logger:  cfg.Logger,
		feedCh:  make(chan []byte, feedQueueSize),
		eventCh: make(chan Event),
		errCh:   make(chan error, 1),
		stopCh:  make(chan struct{}),
		abortCh: make(chan struct{}),
		doneCh:  make(chan Result, 1),
	}
	s.state.Store(int32(StateIdle))
	return s
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Done yields the single final Result.
func (s *Session) Done() <-chan Result {
	return s.doneCh
}

// Feed hands one decoded PCM frame to the session. It never blocks; if
// the session is saturated the frame is dropped.
func (s *Session) Feed(pcm []byte) {
	select {
	case s.feedCh <- pcm:
	default:
		s.logger.Warn("asr feed queue full, dropping frame")
	}
}

// Stop signals end of utterance. Idempotent.
func (s *Session) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Abort tears the session down, discarding any pending transcript.
// Idempotent.
func (s *Session) Abort() {
	s.abortOnce.Do(func() { close(s.abortCh) })
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// Run drives the session to completion. It must be called exactly once.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateConnecting)
	if err := s.vendor.Connect(ctx); err != nil {
		s.finish("", nil, err)
		return
	}
	if err := s.vendor.SendStart(ctx, s.cfg.Start); err != nil {
		s.finish("", nil, err)
		return
	}
	s.setState(StateAwaitingReady)

	recvCtx, cancelRecv := context.WithCancel(ctx)
	defer cancelRecv()
	go s.recvLoop(recvCtx)

	var (
		pending     [][]byte // frames held until the vendor is ready
		recent      [][]byte // trailing window of raw frames for the result
		accumulated string
		candidate   string
		gotFinal    bool
		stopped     bool
		graceC      <-chan time.Time
		graceTimer  *time.Timer
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	bestEffort := func() string {
		if accumulated != "" {
			return accumulated
		}
		return candidate
	}

	stopC := s.stopCh
	for {
		select {
		case <-ctx.Done():
			s.finish(bestEffort(), recent, ctx.Err())
			return

		case <-s.abortCh:
			s.finish("", nil, nil)
			return

		case pcm := <-s.feedCh:
			if len(recent) == preReadyCapacity {
				recent = recent[1:]
			}
			recent = append(recent, pcm)
			if s.State() == StateStreaming {
				if err := s.vendor.Feed(ctx, pcm); err != nil {
					s.finish(bestEffort(), recent, err)
					return
				}
				continue
			}
			if len(pending) == preReadyCapacity {
				pending = pending[1:]
			}
			pending = append(pending, pcm)

		case <-stopC:
			stopC = nil
			stopped = true
			if err := s.vendor.SendEnd(ctx); err != nil {
				s.finish(bestEffort(), recent, err)
				return
			}
			s.setState(StateFinalizing)
			graceTimer = time.NewTimer(s.cfg.GraceWindow)
			graceC = graceTimer.C

		case <-graceC:
			s.finish(bestEffort(), recent, nil)
			return

		case err := <-s.errCh:
			s.finish(bestEffort(), recent, err)
			return

		case ev := <-s.eventCh:
			switch ev.Type {
			case EventReady:
				if s.State() != StateAwaitingReady {
					continue
				}
				s.setState(StateStreaming)
				for _, pcm := range pending {
					if err := s.vendor.Feed(ctx, pcm); err != nil {
						s.finish(bestEffort(), recent, err)
						return
					}
				}
				pending = nil

			case EventPartial:
				if !gotFinal {
					candidate = ev.Text
				}

			case EventFinal:
				gotFinal = true
				if s.cfg.Mode == protocol.ListenModeManual {
					accumulated += ev.Text
					if stopped {
						s.finish(accumulated, recent, nil)
						return
					}
					continue
				}
				// Auto mode completes on the first final segment,
				// replacing whatever was accumulated before it.
				s.finish(ev.Text, recent, nil)
				return

			case EventStatus:
				if ev.Fatal {
					s.logger.Error("vendor reported fatal status", "code", ev.Code, "text", ev.Text)
					s.finish("", nil, nil)
					return
				}
				s.logger.Warn("vendor status", "code", ev.Code, "text", ev.Text)
			}
		}
	}
}

func (s *Session) recvLoop(ctx context.Context) {
	for {
		ev, err := s.vendor.RecvEvent(ctx)
		if err != nil {
			select {
			case s.errCh <- err:
			case <-ctx.Done():
			}
			return
		}
		select {
		case s.eventCh <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// finish closes the vendor socket and delivers the result exactly once.
func (s *Session) finish(text string, audio [][]byte, err error) {
	s.finishOne.Do(func() {
		s.setState(StateClosed)
		if cerr := s.vendor.Close(); cerr != nil {
			s.logger.Debug("vendor close", "err", cerr)
		}
		s.doneCh <- Result{Text: text, Audio: audio, Err: err}
	})
}
