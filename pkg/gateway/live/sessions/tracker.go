// Package sessions tracks live device sessions so shutdown can drain
// them and so a reconnecting device displaces its previous session.
package sessions

import (
	"context"
	"sync"
)

// Handle is how the tracker reaches into a running session.
type Handle struct {
	SessionID string
	Cancel    func()
	Warn      func(code, message string) error
}

// Tracker keys sessions by device id: registering a device that already
// has a live session cancels the old one, keeping at most one session
// per device.
type Tracker struct {
	mu      sync.Mutex
	devices map[string]*trackedSession
	wg      sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		devices: make(map[string]*trackedSession),
	}
}

// Register claims deviceID for a new session and returns its unregister
// function. A previous session for the same device is canceled and
// evicted.
func (t *Tracker) Register(deviceID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.devices == nil {
		t.devices = make(map[string]*trackedSession)
	}
	old := t.devices[deviceID]
	t.devices[deviceID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		if old.handle.Cancel != nil {
			old.handle.Cancel()
		}
		t.unregister(deviceID, old)
	}

	return func() { t.unregister(deviceID, entry) }
}

func (t *Tracker) unregister(deviceID string, entry *trackedSession) {
	if t == nil || entry == nil {
		return
	}
	entry.once.Do(func() {
		t.mu.Lock()
		if t.devices != nil && t.devices[deviceID] == entry {
			delete(t.devices, deviceID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.devices)
}

// WarnAll notifies every live session, used when the server begins
// draining.
func (t *Tracker) WarnAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}

	var warns []func(code, message string) error
	t.mu.Lock()
	for _, entry := range t.devices {
		if entry == nil || entry.handle.Warn == nil {
			continue
		}
		warns = append(warns, entry.handle.Warn)
	}
	t.mu.Unlock()

	for _, warn := range warns {
		_ = warn(code, message)
		sent++
	}
	return sent
}

func (t *Tracker) CancelAll() (canceled int) {
	if t == nil {
		return 0
	}

	var cancels []func()
	t.mu.Lock()
	for _, entry := range t.devices {
		if entry == nil || entry.handle.Cancel == nil {
			continue
		}
		cancels = append(cancels, entry.handle.Cancel)
	}
	t.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
		canceled++
	}
	return canceled
}

// Wait blocks until every registered session has unregistered, or ctx
// ends. It reports whether the drain completed.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
