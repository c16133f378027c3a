package eventloop

import (
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

type event struct {
	watch  Watch
	fd     int
	events uint32
}

func TestDispatchAndRemove(t *testing.T) {
	t.Parallel()

	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer loop.Close()

	r, w := newPipe(t)
	got := make(chan event, 8)
	watch, err := loop.Add(r, Readable, func(wt Watch, fd int, events uint32) {
		buf := make([]byte, 64)
		_, _ = unix.Read(fd, buf)
		got <- event{wt, fd, events}
	})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	if _, err := unix.Write(w, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-got:
		if ev.watch != watch || ev.fd != r || ev.events&Readable == 0 {
			t.Fatalf("unexpected event %+v for watch %d", ev, watch)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}

	if _, err := loop.Add(r, Readable, nil); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}

	loop.Remove(watch)
	loop.Remove(watch)
	if loop.Len() != 0 {
		t.Fatalf("Len = %d after Remove", loop.Len())
	}
	if _, err := unix.Write(w, []byte("y")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case ev := <-got:
		t.Fatalf("dispatch after Remove: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}

	again, err := loop.Add(r, Readable, func(_ Watch, fd int, _ uint32) {
		buf := make([]byte, 64)
		_, _ = unix.Read(fd, buf)
	})
	if err != nil {
		t.Fatalf("re-Add returned error: %v", err)
	}
	if again <= watch {
		t.Fatalf("watch reused: %d after %d", again, watch)
	}
}

func TestHangupDelivered(t *testing.T) {
	t.Parallel()

	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	defer loop.Close()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])

	got := make(chan uint32, 1)
	var watch Watch
	watch, err = loop.Add(fds[0], Readable, func(w Watch, _ int, events uint32) {
		loop.Remove(w)
		got <- events
	})
	if err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	_ = unix.Close(fds[1])

	select {
	case events := <-got:
		if events&Hangup == 0 {
			t.Fatalf("events = %#x, want hangup", events)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("hangup not delivered for watch %d", watch)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	loop, err := New(nil)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if err := loop.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
	r, _ := newPipe(t)
	if _, err := loop.Add(r, Readable, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
