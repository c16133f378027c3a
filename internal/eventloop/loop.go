// Package eventloop runs a single epoll goroutine that dispatches descriptor
// readiness to registered callbacks.
package eventloop

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/qemud/internal/logging"
)

const maxEvents = 32

// Event bits delivered to callbacks.
const (
	Readable = unix.EPOLLIN
	Writable = unix.EPOLLOUT
	Error    = unix.EPOLLERR
	Hangup   = unix.EPOLLHUP
)

// ErrClosed is returned by Add once the loop has been closed.
var ErrClosed = errors.New("event loop closed")

// Watch identifies a registration. Watches are never reused.
type Watch uint64

// Callback runs on the loop goroutine. It must not call Close.
type Callback func(w Watch, fd int, events uint32)

type registration struct {
	fd int
	cb Callback
}

// Loop is an epoll based descriptor watcher.
type Loop struct {
	mu      sync.Mutex
	epfd    int
	wakefd  int
	next    Watch
	watches map[Watch]registration
	byFD    map[int]Watch
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

// New creates the loop and starts its goroutine.
func New(logger *slog.Logger) (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	// Watch 0 is reserved for the wakeup descriptor.
	ev := unix.EpollEvent{Events: unix.EPOLLIN}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl add wakeup: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		wakefd:  wakefd,
		next:    1,
		watches: make(map[Watch]registration),
		byFD:    make(map[int]Watch),
		logger:  logging.Component(logger, "eventloop"),
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run()
	}()
	return l, nil
}

// Add registers fd for events. A descriptor can be registered once.
func (l *Loop) Add(fd int, events uint32, cb Callback) (Watch, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}
	if w, ok := l.byFD[fd]; ok {
		return 0, fmt.Errorf("descriptor %d already watched by %d", fd, w)
	}

	w := l.next
	l.next++
	ev := unix.EpollEvent{Events: events}
	setWatch(&ev, w)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	l.watches[w] = registration{fd: fd, cb: cb}
	l.byFD[fd] = w
	return w, nil
}

// Remove deregisters w. No dispatch for w starts after Remove returns;
// removing an unknown watch is a no-op.
func (l *Loop) Remove(w Watch) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reg, ok := l.watches[w]
	if !ok {
		return
	}
	delete(l.watches, w)
	delete(l.byFD, reg.fd)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, reg.fd, nil); err != nil && !errors.Is(err, unix.EBADF) && !errors.Is(err, unix.ENOENT) {
		l.logger.Warn("epoll_ctl del failed", "fd", reg.fd, "watch", uint64(w), "error", err)
	}
}

// Len reports the number of live watches.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.watches)
}

// Close stops the loop goroutine and releases its descriptors. Watched
// descriptors are not closed.
func (l *Loop) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(l.wakefd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("wake event loop: %w", err)
	}
	l.wg.Wait()

	l.mu.Lock()
	l.watches = map[Watch]registration{}
	l.byFD = map[int]Watch{}
	l.mu.Unlock()
	return errors.Join(unix.Close(l.wakefd), unix.Close(l.epfd))
}

func (l *Loop) run() {
	var events [maxEvents]unix.EpollEvent
	for {
		n, err := unix.EpollWait(l.epfd, events[:], -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			l.logger.Error("epoll_wait failed", "error", err)
			return
		}
		for i := 0; i < n; i++ {
			w := watchOf(&events[i])
			if w == 0 {
				l.mu.Lock()
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				continue
			}
			l.dispatch(w, events[i].Events)
		}
	}
}

func (l *Loop) dispatch(w Watch, events uint32) {
	l.mu.Lock()
	reg, ok := l.watches[w]
	l.mu.Unlock()
	// Stale events for removed watches are dropped.
	if !ok {
		return
	}
	reg.cb(w, reg.fd, events)
}

// The watch id travels in the 64-bit epoll user data, which x/sys exposes as
// the Fd and Pad fields.
func setWatch(ev *unix.EpollEvent, w Watch) {
	ev.Fd = int32(uint32(w))
	ev.Pad = int32(uint32(w >> 32))
}

func watchOf(ev *unix.EpollEvent) Watch {
	return Watch(uint32(ev.Fd)) | Watch(uint32(ev.Pad))<<32
}
