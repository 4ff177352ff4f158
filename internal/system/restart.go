// Package system restarts the running bridge after a firmware update.
package system

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"ttybridge/util"
)

// ExecFunc replaces the current process image.
type ExecFunc func(argv0 string, argv []string, envv []string) error

// Restarter re-executes the running binary with its original arguments,
// which makes it boot from the newly selected firmware slot.
type Restarter struct {
	// Delay lets the final response drain before the process image is
	// replaced.
	Delay  time.Duration
	Logger *util.Logger

	// Exec and Executable default to syscall.Exec and os.Executable.
	Exec       ExecFunc
	Executable func() (string, error)
}

// Restart does not return on success.
func (r *Restarter) Restart() error {
	executable := r.Executable
	if executable == nil {
		executable = os.Executable
	}
	exec := r.Exec
	if exec == nil {
		exec = syscall.Exec
	}

	path, err := executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	if r.Delay > 0 {
		time.Sleep(r.Delay)
	}
	r.Logger.Info("restarting %s", path)
	if err := exec(path, os.Args, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
