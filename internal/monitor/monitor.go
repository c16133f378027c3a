// Package monitor implements the emulator's human monitor protocol: the
// startup handshake on the emulator's stderr and the prompt-framed command
// exchange on the monitor device.
package monitor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/qemud/internal/logging"
	"github.com/cochaviz/qemud/internal/virerr"
)

const (
	// Prompt is printed by the monitor when it is ready for a command.
	Prompt = "(qemu) "
	// DefaultTimeout bounds every wait for more output.
	DefaultTimeout = 3000 * time.Millisecond
	// StartupBufferSize bounds the output accumulated during a handshake phase.
	StartupBufferSize = 1024
	// ReplyBufferSize bounds a single command reply.
	ReplyBufferSize = 1 << 20

	redirectBanner  = "char device redirected to"
	replyTerminator = "\n" + Prompt
)

// CheckFunc inspects the accumulated output of a startup phase. It returns
// done once the output is complete.
type CheckFunc func(output string) (done bool, err error)

// ReadOutput reads from the non-blocking descriptor fd until check reports
// done. Each wait for more data is bounded by timeout and at most limit bytes
// are accumulated. what names the phase in error messages. The accumulated
// output is returned in every case.
func ReadOutput(fd int, limit int, timeout time.Duration, what string, check CheckFunc) (string, error) {
	if limit <= 1 {
		limit = StartupBufferSize
	}
	buf := make([]byte, 0, limit)
	for len(buf) < limit-1 {
		n, err := unix.Read(fd, buf[len(buf):limit-1])
		switch {
		case n > 0:
			buf = buf[:len(buf)+n]
			done, cerr := check(string(buf))
			if cerr != nil {
				return string(buf), cerr
			}
			if done {
				return string(buf), nil
			}
		case err == nil:
			return string(buf), virerr.New(virerr.InternalError, "QEMU quit during %s startup\n%s", what, buf)
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			if werr := waitReadable(fd, timeout, what); werr != nil {
				return string(buf), werr
			}
		default:
			return string(buf), virerr.Wrap(virerr.InternalError, err, "Failure while reading %s startup output", what)
		}
	}
	return string(buf), virerr.New(virerr.InternalError, "Out of space while reading %s startup output", what)
}

func waitReadable(fd int, timeout time.Duration, what string) error {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return virerr.Wrap(virerr.InternalError, err, "Failure while reading %s startup output", what)
		}
		if n == 0 {
			return virerr.New(virerr.InternalError, "Timed out while reading %s startup output", what)
		}
		// Hangup still has to be read so buffered data is consumed before EOF.
		if fds[0].Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			return nil
		}
		return virerr.New(virerr.InternalError, "Failure while reading %s startup output", what)
	}
}

// ExtractPath returns the monitor device named in the emulator's redirect
// banner. ok is false until a complete, whitespace-terminated path has been
// seen.
func ExtractPath(output string) (path string, ok bool) {
	idx := strings.Index(output, redirectBanner)
	if idx < 0 {
		return "", false
	}
	rest := output[idx+len(redirectBanner):]
	rest = strings.TrimLeft(rest, " ")
	end := strings.IndexAny(rest, " \t\r\n\v\f")
	if end <= 0 {
		return "", false
	}
	return rest[:end], true
}

// OpenPath opens a monitor device read-write, close-on-exec and non-blocking.
func OpenPath(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK|unix.O_NOCTTY, 0)
	if err != nil {
		return -1, virerr.Wrap(virerr.InternalError, err, "Unable to open monitor path %s", path)
	}
	return fd, nil
}

// Options configure a handshake.
type Options struct {
	// Timeout bounds each wait for output. Zero means DefaultTimeout.
	Timeout time.Duration
	// Open opens the monitor device. Nil means OpenPath.
	Open func(path string) (int, error)
	// Log receives the emulator console output and every command reply.
	Log    io.Writer
	Logger *slog.Logger
}

// Handshake waits for the redirect banner on stderrFd, opens the named
// monitor device and waits for its first prompt. The console output read from
// stderr is copied to opts.Log whether or not the handshake succeeds.
func Handshake(stderrFd int, opts Options) (*Monitor, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Open == nil {
		opts.Open = OpenPath
	}
	logger := logging.Component(opts.Logger, "monitor")

	var mon *Monitor
	console, err := ReadOutput(stderrFd, StartupBufferSize, opts.Timeout, "console", func(output string) (bool, error) {
		path, ok := ExtractPath(output)
		if !ok {
			return false, nil
		}
		m, err := openMonitor(path, opts, logger)
		if err != nil {
			return false, err
		}
		mon = m
		return true, nil
	})
	if opts.Log != nil && console != "" {
		if _, werr := io.WriteString(opts.Log, console); werr != nil {
			logger.Warn("unable to log console output", "error", werr)
		}
	}
	if err != nil {
		return nil, err
	}
	return mon, nil
}

func openMonitor(path string, opts Options, logger *slog.Logger) (*Monitor, error) {
	fd, err := opts.Open(path)
	if err != nil {
		return nil, err
	}
	_, err = ReadOutput(fd, StartupBufferSize, opts.Timeout, "monitor", func(output string) (bool, error) {
		return strings.Contains(output, Prompt), nil
	})
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}
	logger.Debug("monitor ready", "path", path)
	return &Monitor{fd: fd, path: path, timeout: opts.Timeout, log: opts.Log, logger: logger}, nil
}

// Monitor is an open monitor connection. Commands are serialized.
type Monitor struct {
	mu      sync.Mutex
	fd      int
	path    string
	timeout time.Duration
	log     io.Writer
	logger  *slog.Logger
}

// New wraps an already-open, non-blocking monitor descriptor whose prompt has
// been consumed.
func New(fd int, timeout time.Duration, log io.Writer, logger *slog.Logger) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{fd: fd, timeout: timeout, log: log, logger: logging.Component(logger, "monitor")}
}

// Path returns the monitor device path, empty for wrapped descriptors.
func (m *Monitor) Path() string { return m.path }

// FD returns the underlying descriptor.
func (m *Monitor) FD() int { return m.fd }

// SetLog replaces the writer receiving command replies.
func (m *Monitor) SetLog(w io.Writer) {
	m.mu.Lock()
	m.log = w
	m.mu.Unlock()
}

// Command sends cmd and returns the reply with the echoed command and the
// trailing prompt removed.
func (m *Monitor) Command(cmd string) (string, error) {
	return m.CommandTimeout(cmd, 0)
}

// CommandTimeout is Command with a different idle timeout, for commands such
// as migrate that stay silent for long. Zero means the monitor's timeout.
func (m *Monitor) CommandTimeout(cmd string, timeout time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeout <= 0 {
		timeout = m.timeout
	}
	if m.fd < 0 {
		return "", virerr.New(virerr.OperationInvalid, "monitor is closed")
	}

	if err := m.writeAll([]byte(cmd + "\r")); err != nil {
		return "", virerr.Wrap(virerr.OperationFailed, err, "cannot send monitor command '%s'", cmd)
	}

	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	for {
		n, err := unix.Read(m.fd, chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if idx := bytes.Index(buf.Bytes(), []byte(replyTerminator)); idx >= 0 {
				raw := string(buf.Bytes()[:idx])
				m.logReply(raw)
				return stripEcho(raw, cmd), nil
			}
			if buf.Len() > ReplyBufferSize {
				m.logReply(buf.String())
				return "", virerr.New(virerr.OperationFailed, "reply to monitor command '%s' too large", cmd)
			}
			continue
		}
		switch {
		case err == nil:
			m.logReply(buf.String())
			return "", virerr.New(virerr.OperationFailed, "monitor closed while running '%s'", cmd)
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			if werr := m.wait(unix.POLLIN, timeout); werr != nil {
				m.logReply(buf.String())
				return "", virerr.Wrap(virerr.OperationFailed, werr, "no reply to monitor command '%s'", cmd)
			}
		default:
			m.logReply(buf.String())
			return "", virerr.Wrap(virerr.OperationFailed, err, "cannot read reply to monitor command '%s'", cmd)
		}
	}
}

func (m *Monitor) writeAll(p []byte) error {
	for len(p) > 0 {
		n, err := unix.Write(m.fd, p)
		if n > 0 {
			p = p[n:]
		}
		if err != nil {
			switch {
			case errors.Is(err, unix.EINTR):
			case errors.Is(err, unix.EAGAIN):
				if werr := m.wait(unix.POLLOUT, m.timeout); werr != nil {
					return werr
				}
			default:
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) wait(events int16, timeout time.Duration) error {
	for {
		fds := []unix.PollFd{{Fd: int32(m.fd), Events: events}}
		n, err := unix.Poll(fds, int(timeout/time.Millisecond))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return fmt.Errorf("timed out after %s", timeout)
		}
		return nil
	}
}

func (m *Monitor) logReply(reply string) {
	if m.log == nil || reply == "" {
		return
	}
	if _, err := io.WriteString(m.log, reply); err != nil {
		m.logger.Warn("unable to log monitor reply", "error", err)
	}
}

// stripEcho removes the command the monitor echoes back before its reply.
func stripEcho(reply, cmd string) string {
	first, rest, found := strings.Cut(reply, "\n")
	if strings.Contains(first, cmd) {
		if !found {
			return ""
		}
		reply = rest
	}
	return strings.TrimRight(reply, "\r")
}

// Close closes the monitor descriptor. It is safe to call more than once.
func (m *Monitor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fd < 0 {
		return nil
	}
	err := unix.Close(m.fd)
	m.fd = -1
	return err
}
