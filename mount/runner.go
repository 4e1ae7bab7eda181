// Adapted from helpers/runner.go: process-group-scoped subprocess execution
// with context-cancellation kill semantics, reused here to run the
// platform-specific mount commands issued by the Network Mount Adapter.
package mount

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/golang/glog"
)

// Runner represents something that can be run, and supports context semantics.
type Runner interface {
	Run(ctx context.Context) error
}

// CommandCreatorFunc creates runnable commands; swappable in tests.
type CommandCreatorFunc func(stdout, stderr io.Writer, name string, args ...string) Runner

type commandRunner struct {
	cmd *exec.Cmd
}

// NewCommandRunner creates a commandRunner ready to be run in its own
// process group, so cancellation can kill any children a mount helper spawns.
func NewCommandRunner(stdout, stderr io.Writer, name string, args ...string) Runner {
	cmd := exec.Command(name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return &commandRunner{cmd}
}

func (r *commandRunner) Run(ctx context.Context) error {
	runCh := make(chan error, 1)
	go func() {
		runCh <- r.cmd.Run()
	}()

	select {
	case err := <-runCh:
		return err
	case <-ctx.Done():
		if r.cmd.Process != nil {
			if pgid, err := syscall.Getpgid(r.cmd.Process.Pid); err == nil {
				if err := syscall.Kill(-pgid, syscall.SIGKILL); err == nil {
					return ctx.Err()
				}
			}
			glog.Warningf("mount: failed to kill process group, killing parent only")
			if err := r.cmd.Process.Kill(); err != nil {
				glog.Warningf("mount: failed to kill process %d: %v", r.cmd.Process.Pid, err)
			}
		}
		return ctx.Err()
	}
}

// fakeRunner is a controllable Runner for tests: it sleeps for delay, then
// either succeeds or returns errFailed, respecting context cancellation.
type fakeRunner struct {
	delay     time.Duration
	succeeds  bool
}

var errFailed = errors.New("mount: fake command failed")

func newFakeRunner(delay time.Duration, succeeds bool) Runner {
	return &fakeRunner{delay: delay, succeeds: succeeds}
}

func (f *fakeRunner) Run(ctx context.Context) error {
	timer := time.NewTimer(f.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		if f.succeeds {
			return nil
		}
		return errFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}
