package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIdle = 50 * time.Millisecond

func TestTypingNotifierStopsOnceAfterIdle(t *testing.T) {
	var typing, stops atomic.Int32
	n := NewTypingNotifier(testIdle, func() { typing.Add(1) }, func() { stops.Add(1) })
	defer n.Close()

	for i := 0; i < 5; i++ {
		n.Keystroke()
		time.Sleep(testIdle / 5)
	}
	assert.Equal(t, int32(5), typing.Load())
	assert.Equal(t, int32(0), stops.Load(), "no stop while keystrokes keep coming")

	require.Eventually(t, func() bool { return stops.Load() == 1 }, time.Second, testIdle/10)
	time.Sleep(2 * testIdle)
	assert.Equal(t, int32(1), stops.Load(), "exactly one stop")
}

func TestTypingNotifierFlush(t *testing.T) {
	var stops atomic.Int32
	n := NewTypingNotifier(testIdle, func() {}, func() { stops.Add(1) })
	defer n.Close()

	n.Flush()
	assert.Equal(t, int32(0), stops.Load(), "nothing to flush")

	n.Keystroke()
	n.Flush()
	assert.Equal(t, int32(1), stops.Load())

	time.Sleep(2 * testIdle)
	assert.Equal(t, int32(1), stops.Load(), "the idle timer is cancelled by a flush")
}

func TestTypingNotifierClose(t *testing.T) {
	var stops atomic.Int32
	n := NewTypingNotifier(testIdle, func() {}, func() { stops.Add(1) })
	n.Keystroke()
	n.Close()
	time.Sleep(2 * testIdle)
	assert.Equal(t, int32(0), stops.Load())
}

func TestTypingTracker(t *testing.T) {
	var mu sync.Mutex
	var changes [][]string
	tracker := NewTypingTracker(testIdle, func(typers []string) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, typers)
	})

	tracker.Typing("bob", "Bob")
	tracker.Typing("alice", "Alice")
	tracker.Typing("bob", "Bob")
	assert.Equal(t, []string{"alice", "bob"}, tracker.Typers())
	name, ok := tracker.Name("bob")
	require.True(t, ok)
	assert.Equal(t, "Bob", name)

	tracker.StopTyping("alice")
	tracker.StopTyping("alice")
	assert.Equal(t, []string{"bob"}, tracker.Typers())

	require.Eventually(t, func() bool { return len(tracker.Typers()) == 0 }, time.Second, testIdle/10)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, [][]string{{"bob"}, {"alice", "bob"}, {"bob"}, {}}, changes)
}

func TestTypingTrackerRefresh(t *testing.T) {
	tracker := NewTypingTracker(testIdle, nil)
	tracker.Typing("bob", "Bob")
	time.Sleep(testIdle * 3 / 5)
	tracker.Typing("bob", "Bob")
	time.Sleep(testIdle * 3 / 5)
	assert.Equal(t, []string{"bob"}, tracker.Typers(), "a refresh extends the indicator")

	require.Eventually(t, func() bool { return len(tracker.Typers()) == 0 }, time.Second, testIdle/10)
}
