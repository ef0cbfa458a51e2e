package eventra

import (
	"sync"
	"time"
)

// TypingDebouncer converts raw keystrokes into at most one typing-start and
// one typing-stop per active session. The start is emitted after a short
// leading delay, so a single keystroke immediately followed by send never
// signals. A trailing idle timer, reset on every keystroke, emits the stop.
type TypingDebouncer struct {
	mu          sync.Mutex
	leadDelay   time.Duration
	idleTimeout time.Duration
	active      bool
	leadTimer   *time.Timer
	idleTimer   *time.Timer
	emitStart   func()
	emitStop    func()
}

// NewTypingDebouncer creates a debouncer that calls emitStart/emitStop as
// the typing session opens and closes.
func NewTypingDebouncer(leadDelay, idleTimeout time.Duration, emitStart, emitStop func()) *TypingDebouncer {
	if leadDelay == 0 {
		leadDelay = 300 * time.Millisecond
	}
	if idleTimeout == 0 {
		idleTimeout = 2 * time.Second
	}
	return &TypingDebouncer{
		leadDelay:   leadDelay,
		idleTimeout: idleTimeout,
		emitStart:   emitStart,
		emitStop:    emitStop,
	}
}

// Keystroke records one keystroke in the compose box.
func (d *TypingDebouncer) Keystroke() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active {
		d.idleTimer.Reset(d.idleTimeout)
		return
	}
	if d.leadTimer == nil {
		d.leadTimer = time.AfterFunc(d.leadDelay, d.fireStart)
	}
}

func (d *TypingDebouncer) fireStart() {
	d.mu.Lock()
	if d.leadTimer == nil {
		// Flushed between scheduling and firing.
		d.mu.Unlock()
		return
	}
	d.leadTimer = nil
	d.active = true
	d.idleTimer = time.AfterFunc(d.idleTimeout, d.fireStop)
	start := d.emitStart
	d.mu.Unlock()

	if start != nil {
		start()
	}
}

func (d *TypingDebouncer) fireStop() {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.idleTimer = nil
	stop := d.emitStop
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Flush ends the typing session immediately, e.g. when the message is sent.
// A stop is emitted only if a start was.
func (d *TypingDebouncer) Flush() {
	d.mu.Lock()
	if d.leadTimer != nil {
		d.leadTimer.Stop()
		d.leadTimer = nil
	}
	if !d.active {
		d.mu.Unlock()
		return
	}
	d.active = false
	if d.idleTimer != nil {
		d.idleTimer.Stop()
		d.idleTimer = nil
	}
	stop := d.emitStop
	d.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// Active reports whether a typing session is open.
func (d *TypingDebouncer) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
