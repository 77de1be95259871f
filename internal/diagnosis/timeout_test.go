package diagnosis

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimeoutFires(t *testing.T) {
	m := NewTimeoutManager()
	fired := make(chan struct{})
	m.StartTimer("x1", 10*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	require.False(t, m.Active("x1"), "fired timer must be removed")
}

func TestCancelPreventsFiring(t *testing.T) {
	m := NewTimeoutManager()
	var fired atomic.Bool
	m.StartTimer("x1", 20*time.Millisecond, func() { fired.Store(true) })
	m.CancelTimer("x1")

	time.Sleep(50 * time.Millisecond)
	require.False(t, fired.Load())
	require.False(t, m.Active("x1"))
}

func TestCancelIsIdempotent(t *testing.T) {
	m := NewTimeoutManager()
	m.StartTimer("x1", 10*time.Millisecond, func() {})
	m.CancelTimer("x1")
	m.CancelTimer("x1")
	m.CancelTimer("nonexistent")
}

func TestRestartReplacesTimer(t *testing.T) {
	m := NewTimeoutManager()
	var first atomic.Bool
	fired := make(chan struct{})

	m.StartTimer("x1", 15*time.Millisecond, func() { first.Store(true) })
	m.StartTimer("x1", 40*time.Millisecond, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("replacement timer never fired")
	}
	require.False(t, first.Load(), "replaced timer must not fire")
}

func TestTimersAreIndependentPerExecution(t *testing.T) {
	m := NewTimeoutManager()
	fired := make(chan string, 2)
	m.StartTimer("a", 10*time.Millisecond, func() { fired <- "a" })
	m.StartTimer("b", 10*time.Millisecond, func() { fired <- "b" })
	m.CancelTimer("a")

	select {
	case id := <-fired:
		require.Equal(t, "b", id)
	case <-time.After(time.Second):
		t.Fatal("timer b never fired")
	}
}
