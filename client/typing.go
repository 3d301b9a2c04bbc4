package client

import (
	"slices"
	"sync"
	"time"

	"github.com/samber/lo"
)

// TypingTimeout is how long a typing indicator lasts without a new keystroke.
const TypingTimeout = 2 * time.Second

// TypingNotifier turns local keystrokes into typing signals: typing on every
// keystroke, and a single stop-typing once no keystroke arrived for the idle period.
type TypingNotifier struct {
	mu       sync.Mutex
	idle     time.Duration
	onTyping func()
	onStop   func()
	timer    *time.Timer
	gen      uint64
	active   bool
}

func NewTypingNotifier(idle time.Duration, onTyping, onStop func()) *TypingNotifier {
	if idle <= 0 {
		idle = TypingTimeout
	}
	return &TypingNotifier{idle: idle, onTyping: onTyping, onStop: onStop}
}

func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	n.gen++
	gen := n.gen
	if n.timer != nil {
		n.timer.Stop()
	}
	n.active = true
	n.timer = time.AfterFunc(n.idle, func() { n.expire(gen) })
	n.mu.Unlock()

	n.onTyping()
}

func (n *TypingNotifier) expire(gen uint64) {
	n.mu.Lock()
	if gen != n.gen || !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.mu.Unlock()

	n.onStop()
}

// Flush sends stop-typing now if a typing signal is outstanding.
func (n *TypingNotifier) Flush() {
	n.mu.Lock()
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
	}
	wasActive := n.active
	n.active = false
	n.mu.Unlock()

	if wasActive {
		n.onStop()
	}
}

// Close cancels the pending stop-typing without sending it.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.gen++
	if n.timer != nil {
		n.timer.Stop()
	}
	n.active = false
}

type typer struct {
	name string
	gen  uint64
}

// TypingTracker records which remote users are typing.
// An indicator expires after the timeout unless refreshed, and a stop signal clears it at once.
type TypingTracker struct {
	mu       sync.Mutex
	timeout  time.Duration
	typers   map[string]typer
	gen      uint64
	onChange func([]string)
}

// NewTypingTracker builds a tracker. onChange may be nil.
func NewTypingTracker(timeout time.Duration, onChange func(typers []string)) *TypingTracker {
	if timeout <= 0 {
		timeout = TypingTimeout
	}
	if onChange == nil {
		onChange = func([]string) {}
	}
	return &TypingTracker{timeout: timeout, typers: make(map[string]typer), onChange: onChange}
}

func (t *TypingTracker) Typing(userID, userName string) {
	t.mu.Lock()
	t.gen++
	gen := t.gen
	_, existed := t.typers[userID]
	t.typers[userID] = typer{name: userName, gen: gen}
	typers := t.list()
	t.mu.Unlock()

	time.AfterFunc(t.timeout, func() { t.expire(userID, gen) })
	if !existed {
		t.onChange(typers)
	}
}

func (t *TypingTracker) expire(userID string, gen uint64) {
	t.mu.Lock()
	cur, ok := t.typers[userID]
	if !ok || cur.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.typers, userID)
	typers := t.list()
	t.mu.Unlock()

	t.onChange(typers)
}

func (t *TypingTracker) StopTyping(userID string) {
	t.mu.Lock()
	if _, ok := t.typers[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.typers, userID)
	typers := t.list()
	t.mu.Unlock()

	t.onChange(typers)
}

func (t *TypingTracker) list() []string {
	ids := lo.Keys(t.typers)
	slices.Sort(ids)
	return ids
}

// Typers returns the ids of the users currently typing, sorted.
func (t *TypingTracker) Typers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.list()
}

// Name returns the display name of a typing user.
func (t *TypingTracker) Name(userID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ty, ok := t.typers[userID]
	return ty.name, ok
}
