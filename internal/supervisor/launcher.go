package supervisor

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ernie/bloodmoon/internal/domain"
)

// LaunchSpec describes how to start the server process
type LaunchSpec struct {
	Executable string
	Args       []string
	Dir        string
}

// Launcher starts and stops the server process
type Launcher interface {
	// Start launches the process. The handle's Output carries its combined
	// stdout and stderr.
	Start(spec LaunchSpec) (*Handle, error)
	// Terminate stops the process, escalating to a forced kill
	Terminate(h *Handle) error
	// IsRunning reports whether any process with this name exists
	IsRunning(name string) bool
	// TerminateByName kills every process with this name and returns how many
	// were signalled
	TerminateByName(name string) (int, error)
}

// Handle is one launched server process
type Handle struct {
	PID       int
	StartedAt time.Time
	Output    io.ReadCloser

	mu       sync.Mutex
	status   domain.ProcessStatus
	exitCode int
	exitErr  error
	exited   chan struct{}
}

// NewHandle creates a handle in the starting state
func NewHandle(pid int, output io.ReadCloser) *Handle {
	return &Handle{
		PID:       pid,
		StartedAt: time.Now(),
		Output:    output,
		status:    domain.ProcessStarting,
		exited:    make(chan struct{}),
	}
}

// Status returns the process status
func (h *Handle) Status() domain.ProcessStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// MarkRunning moves a starting process to running
func (h *Handle) MarkRunning() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == domain.ProcessStarting {
		h.status = domain.ProcessRunning
	}
}

// MarkExited records the process exit. Only the first call has effect.
func (h *Handle) MarkExited(code int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status == domain.ProcessTerminated {
		return
	}
	h.status = domain.ProcessTerminated
	h.exitCode = code
	h.exitErr = err
	close(h.exited)
}

// Exited is closed once the process has terminated
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// Alive reports whether the process has not yet terminated
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit code, or -1 if the process was killed by a
// signal or has not exited
func (h *Handle) ExitCode() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.status != domain.ProcessTerminated {
		return -1
	}
	return h.exitCode
}

// ExecLauncher runs the server as a child process in its own process group
type ExecLauncher struct {
	// Grace is how long Terminate waits after SIGTERM before SIGKILL
	Grace time.Duration
}

// NewExecLauncher creates a launcher with the given termination grace period
func NewExecLauncher(grace time.Duration) *ExecLauncher {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	return &ExecLauncher{Grace: grace}
}

// Start launches the executable with stdout and stderr merged into one pipe
func (l *ExecLauncher) Start(spec LaunchSpec) (*Handle, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}

	cmd := exec.Command(spec.Executable, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		pr.Close()
		pw.Close()
		return nil, fmt.Errorf("starting %s: %w", spec.Executable, err)
	}
	// The child holds its own copy of the write end
	pw.Close()

	h := NewHandle(cmd.Process.Pid, pr)
	h.MarkRunning()

	go func() {
		err := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Non-zero exit is reported through the code
			err = nil
		}
		h.MarkExited(code, err)
	}()

	return h, nil
}

// Terminate sends SIGTERM to the process group, then SIGKILL after the
// grace period
func (l *ExecLauncher) Terminate(h *Handle) error {
	if h == nil || !h.Alive() {
		return nil
	}
	if err := signalGroup(h.PID, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-h.Exited():
		return nil
	case <-time.After(l.Grace):
	}

	log.Printf("Warning: server (pid %d) ignored SIGTERM for %v, sending SIGKILL", h.PID, l.Grace)
	if err := signalGroup(h.PID, syscall.SIGKILL); err != nil {
		return err
	}
	select {
	case <-h.Exited():
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("server (pid %d) still running after SIGKILL", h.PID)
	}
}

// IsRunning reports whether a process with this name exists
func (l *ExecLauncher) IsRunning(name string) bool {
	return len(findProcesses(name)) > 0
}

// TerminateByName force-kills every process with this name except ourselves
func (l *ExecLauncher) TerminateByName(name string) (int, error) {
	var errs []error
	killed := 0
	for _, pid := range findProcesses(name) {
		if pid == os.Getpid() {
			continue
		}
		if err := unix.Kill(pid, unix.SIGKILL); err != nil {
			if !errors.Is(err, unix.ESRCH) {
				errs = append(errs, fmt.Errorf("killing pid %d: %w", pid, err))
			}
			continue
		}
		killed++
	}
	return killed, errors.Join(errs...)
}

// signalGroup signals the process group led by pid, falling back to the
// process alone
func signalGroup(pid int, sig syscall.Signal) error {
	if err := unix.Kill(-pid, sig); err == nil {
		return nil
	}
	if err := unix.Kill(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling pid %d: %w", pid, err)
	}
	return nil
}
