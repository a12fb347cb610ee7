package session

import (
	"context"
	"sync"
	"time"
)

// pacedItem is one queue entry: either an opus frame or a control message
// callback dispatched in-line with the audio stream.
type pacedItem struct {
	audio []byte
	send  func() error
}

// PacerConfig tunes one Pacer. Now and After are overridable for tests.
type PacerConfig struct {
	// FrameDuration is the nominal playback length of one audio frame.
	FrameDuration time.Duration
	// WarmupFrames is the number of frames after a reset that are sent
	// without waiting, to absorb codec and network start-up latency.
	WarmupFrames int

	Now   func() time.Time
	After func(d time.Duration) <-chan time.Time
	// Aborted is polled before each dispatch; when it reports true the
	// rest of the queue is discarded.
	Aborted func() bool
}

// Pacer delivers audio frames at a fixed cadence without accumulating
// drift: every wait is computed against one origin instant fixed at the
// first frame after a reset, never against the previous wake-up, so
// scheduler jitter cannot compound.
type Pacer struct {
	cfg PacerConfig

	mu       sync.Mutex
	queue    []pacedItem
	origin   time.Time
	originOK bool
	playPos  time.Duration
	warmLeft int
	gen      uint64
	genCh    chan struct{}

	wakeCh chan struct{}
}

func NewPacer(cfg PacerConfig) *Pacer {
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = 60 * time.Millisecond
	}
	if cfg.WarmupFrames <= 0 {
		cfg.WarmupFrames = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = func(d time.Duration) <-chan time.Time { return time.After(d) }
	}
	return &Pacer{
		cfg:      cfg,
		warmLeft: cfg.WarmupFrames,
		genCh:    make(chan struct{}),
		wakeCh:   make(chan struct{}, 1),
	}
}

// EnqueueAudio appends one opus frame. Never blocks.
func (p *Pacer) EnqueueAudio(frame []byte) {
	p.enqueue(pacedItem{audio: frame})
}

// EnqueueMessage appends a control callback dispatched when reached,
// consuming no virtual playback time.
func (p *Pacer) EnqueueMessage(send func() error) {
	p.enqueue(pacedItem{send: send})
}

func (p *Pacer) enqueue(it pacedItem) {
	p.mu.Lock()
	p.queue = append(p.queue, it)
	p.mu.Unlock()
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
}

// Reset discards the queue, cancels any in-flight wait and re-arms the
// warm-up window. Must be called whenever the utterance changes or the
// session aborts.
func (p *Pacer) Reset() {
	p.mu.Lock()
	p.queue = nil
	p.originOK = false
	p.playPos = 0
	p.warmLeft = p.cfg.WarmupFrames
	p.gen++
	close(p.genCh)
	p.genCh = make(chan struct{})
	p.mu.Unlock()
}

// pop removes the head of the queue, returning the generation it was
// popped under so a concurrent Reset can invalidate it.
func (p *Pacer) pop() (pacedItem, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return pacedItem{}, p.gen, false
	}
	it := p.queue[0]
	p.queue = p.queue[1:]
	return it, p.gen, true
}

// Run is the standing pacing loop. It blocks waiting for items and only
// returns on context cancellation or a dispatch error. dispatch receives
// the frame and its virtual play position in milliseconds.
func (p *Pacer) Run(ctx context.Context, dispatch func(frame []byte, playPositionMS int64) error) error {
	for {
		it, gen, ok := p.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.wakeCh:
				continue
			}
		}

		if p.cfg.Aborted != nil && p.cfg.Aborted() {
			p.Reset()
			continue
		}

		if it.send != nil {
			if err := it.send(); err != nil {
				return err
			}
			continue
		}

		if err := p.playFrame(ctx, it.audio, gen, dispatch); err != nil {
			return err
		}
	}
}

func (p *Pacer) playFrame(ctx context.Context, frame []byte, gen uint64, dispatch func([]byte, int64) error) error {
	for {
		p.mu.Lock()
		if p.gen != gen {
			// Reset raced this frame; it belongs to a dead utterance.
			p.mu.Unlock()
			return nil
		}
		if !p.originOK {
			p.origin = p.cfg.Now()
			p.originOK = true
		}
		var wait time.Duration
		if p.warmLeft > 0 {
			p.warmLeft--
		} else if elapsed := p.cfg.Now().Sub(p.origin); elapsed < p.playPos {
			wait = p.playPos - elapsed
		}
		if wait <= 0 {
			pos := p.playPos
			p.playPos += p.cfg.FrameDuration
			p.mu.Unlock()
			return dispatch(frame, pos.Milliseconds())
		}
		genCh := p.genCh
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-genCh:
			return nil
		case <-p.cfg.After(wait):
			// Loop: elapsed is recomputed from the fixed origin.
		}
	}
}
