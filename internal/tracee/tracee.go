// Package tracee implements the ptrace-based spawn/stop/release lifecycle
// described in §4.4: the target is spawned stopped at its exec, so the
// orchestrator can read its memory map and publish unwind tables before any
// of the tracee's own code runs. At that stop the dynamic loader has not run
// yet, so the map holds the executable and its interpreter but no shared
// libraries.
package tracee

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Tracee is a spawned child process held at its post-exec stop until
// ContinueAndWait is called.
type Tracee struct {
	cmd *exec.Cmd
	pid int
}

// Spawn creates a child process running path with args, using
// PTRACE_TRACEME so the child raises SIGTRAP at its first exec, and returns
// once Wait4 reports that stop. Linux delivers the trap when exec completes,
// before the dynamic loader has run: the executable and its interpreter are
// mapped, but no shared library is. Spawn does not wait for the loader to
// finish.
func Spawn(path string, args []string) (*Tracee, error) {
	cmd := exec.Command(path, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("tracee: spawn %s: %w", path, err)
	}
	pid := cmd.Process.Pid

	var ws unix.WaitStatus
	if _, err := unix.Wait4(pid, &ws, 0, nil); err != nil {
		return nil, fmt.Errorf("tracee: wait for initial stop: %w", err)
	}
	if !ws.Stopped() {
		return nil, fmt.Errorf("tracee: expected initial stop, got status %v", ws)
	}

	log.Printf("tracee: pid %d stopped at post-exec trap", pid)
	return &Tracee{cmd: cmd, pid: pid}, nil
}

// PID returns the tracee's process ID.
func (t *Tracee) PID() int { return t.pid }

// ContinueAndWait releases the tracee (§4.4's continue_and_wait) and blocks
// until it exits, returning its exit code. The orchestrator must have
// finished publishing unwind tables and attaching probes before calling
// this, since the tracee begins running its own code as soon as it is called.
func (t *Tracee) ContinueAndWait() (exitCode int, err error) {
	if err := unix.PtraceCont(t.pid, 0); err != nil {
		return 0, fmt.Errorf("tracee: continue: %w", err)
	}

	var ws unix.WaitStatus
	for {
		if _, err := unix.Wait4(t.pid, &ws, 0, nil); err != nil {
			return 0, fmt.Errorf("tracee: wait: %w", err)
		}
		if ws.Exited() {
			return ws.ExitStatus(), nil
		}
		if ws.Signaled() {
			return 0, fmt.Errorf("tracee: killed by signal %v", ws.Signal())
		}
		if ws.Stopped() {
			// A probe attach or unrelated signal stopped the tracee again;
			// resume it and keep waiting for the real exit.
			if err := unix.PtraceCont(t.pid, int(ws.StopSignal())); err != nil {
				return 0, fmt.Errorf("tracee: resume after stop: %w", err)
			}
			continue
		}
	}
}

// Kill terminates the tracee, for use when the orchestrator aborts before
// release (§5's "a tracee may be aborted by signalling it").
func (t *Tracee) Kill() error {
	return t.cmd.Process.Kill()
}

// Degraded reports whether err, as returned by Spawn, means no clean stop
// was observed; it is true for any non-nil error. The orchestrator does not
// call it: orchestrator.Start returns Spawn's error instead.
func Degraded(err error) bool { return err != nil }
