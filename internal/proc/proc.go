// Package proc spawns helper processes with an explicit descriptor table and
// tears them down again.
package proc

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Spec describes a child process.
type Spec struct {
	Argv []string
	Env  []string
	// Stdin is inherited as descriptor 0. Nil means /dev/null.
	Stdin *os.File
	// Extra descriptors are inherited as 3, 4, ...
	Extra []*os.File
	// CaptureOutput makes Spawn return non-blocking read ends of the child's
	// stdout and stderr. Otherwise both go to /dev/null.
	CaptureOutput bool
}

// Process is a spawned child. The caller owns Stdout and Stderr.
type Process struct {
	Pid    int
	Stdout int
	Stderr int
}

// Spawn starts the child described by spec. The returned process has been
// released from the os package, so it must be reaped with Reap.
func Spawn(spec Spec) (*Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errors.New("spawn: empty argv")
	}

	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	p := &Process{Stdout: -1, Stderr: -1}
	stdin := spec.Stdin
	if stdin == nil {
		stdin = devnull
	}
	stdout, stderr := devnull, devnull

	var childEnds []*os.File
	defer func() {
		for _, f := range childEnds {
			_ = f.Close()
		}
	}()
	if spec.CaptureOutput {
		r, w, err := nonblockingPipe("stdout")
		if err != nil {
			return nil, err
		}
		p.Stdout, stdout = r, w
		childEnds = append(childEnds, w)

		r, w, err = nonblockingPipe("stderr")
		if err != nil {
			p.closeOutput()
			return nil, err
		}
		p.Stderr, stderr = r, w
		childEnds = append(childEnds, w)
	}

	files := append([]*os.File{stdin, stdout, stderr}, spec.Extra...)
	env := spec.Env
	if env == nil {
		env = os.Environ()
	}
	process, err := os.StartProcess(spec.Argv[0], spec.Argv, &os.ProcAttr{
		Env:   env,
		Files: files,
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		p.closeOutput()
		return nil, fmt.Errorf("start %s: %w", spec.Argv[0], err)
	}
	p.Pid = process.Pid
	if err := process.Release(); err != nil {
		return nil, fmt.Errorf("release %d: %w", p.Pid, err)
	}
	return p, nil
}

func (p *Process) closeOutput() {
	if p.Stdout >= 0 {
		_ = unix.Close(p.Stdout)
		p.Stdout = -1
	}
	if p.Stderr >= 0 {
		_ = unix.Close(p.Stderr)
		p.Stderr = -1
	}
}

// nonblockingPipe returns a non-blocking close-on-exec read end and the write
// end meant for the child.
func nonblockingPipe(name string) (int, *os.File, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return -1, nil, fmt.Errorf("create %s pipe: %w", name, err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
		return -1, nil, fmt.Errorf("set %s pipe non-blocking: %w", name, err)
	}
	return fds[0], os.NewFile(uintptr(fds[1]), name), nil
}

// Signal sends sig to pid. A process that is already gone is not an error.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signal %d: %w", pid, err)
	}
	return nil
}

// Reap collects pid. A child that has not exited yet is killed with SIGKILL
// and waited for.
func Reap(pid int) error {
	if pid <= 0 {
		return nil
	}
	var status unix.WaitStatus
	got, err := wait4(pid, &status, unix.WNOHANG)
	if err == nil && got == pid {
		return nil
	}
	if errors.Is(err, unix.ECHILD) {
		return nil
	}
	if err := Signal(pid, unix.SIGKILL); err != nil {
		return err
	}
	if got, err = wait4(pid, &status, 0); err != nil || got != pid {
		return fmt.Errorf("wait for %d: got %d: %w", pid, got, err)
	}
	return nil
}

// Terminate sends SIGTERM and reaps pid.
func Terminate(pid int) error {
	if err := Signal(pid, unix.SIGTERM); err != nil {
		return err
	}
	return Reap(pid)
}

// Exited reports whether pid has terminated, reaping it if so.
func Exited(pid int) bool {
	var status unix.WaitStatus
	got, err := wait4(pid, &status, unix.WNOHANG)
	return got == pid || errors.Is(err, unix.ECHILD)
}

func wait4(pid int, status *unix.WaitStatus, options int) (int, error) {
	for {
		got, err := unix.Wait4(pid, status, options, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return got, err
	}
}

// clockTicks is USER_HZ, which the kernel fixes at 100 on every architecture
// that exposes /proc/<pid>/stat.
const clockTicks = 100

var procRoot = "/proc"

// CPUTime returns the user plus system time consumed by pid.
func CPUTime(pid int) (time.Duration, error) {
	data, err := os.ReadFile(procRoot + "/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, fmt.Errorf("read stat of %d: %w", pid, err)
	}
	return ParseStatCPU(string(data))
}

// ParseStatCPU extracts utime+stime from the contents of /proc/<pid>/stat.
func ParseStatCPU(stat string) (time.Duration, error) {
	// comm may contain spaces and parentheses; fields resume after the last ')'.
	end := strings.LastIndexByte(stat, ')')
	if end < 0 {
		return 0, errors.New("malformed stat: no command terminator")
	}
	fields := strings.Fields(stat[end+1:])
	// fields[0] is state (field 3); utime and stime are fields 14 and 15.
	if len(fields) < 13 {
		return 0, fmt.Errorf("malformed stat: %d fields", len(fields))
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse utime: %w", err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stime: %w", err)
	}
	return time.Duration((utime + stime) * uint64(time.Second) / clockTicks), nil
}
