// Package mount implements the Network Mount Adapter of spec.md §4.8: a
// platform-specific attempt to mount the configured network share when the
// Storage Monitor finds the destination unreachable.
package mount

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"
)

const mountTimeout = 30 * time.Second

// Adapter attempts to mount a configured network share and verify the
// result, per spec.md §4.8/§4.9.
type Adapter interface {
	// AttemptMount tries to mount shareURL, returning true on success.
	AttemptMount(ctx context.Context, shareURL string) bool
	// VerifyMount reports whether localPath is currently mounted and
	// accessible.
	VerifyMount(localPath string) (mounted, accessible bool)
	// PlatformName identifies the adapter for logging/events.
	PlatformName() string
}

// NewForHost returns the Adapter appropriate for the running GOOS, or a
// NullAdapter if auto-mount is disabled.
func NewForHost(enabled bool, windowsDriveLetter string, creator CommandCreatorFunc) Adapter {
	if !enabled {
		return NullAdapter{}
	}
	switch runtime.GOOS {
	case "darwin":
		return &macOSAdapter{creator: creator}
	case "windows":
		return &windowsAdapter{creator: creator, driveLetter: windowsDriveLetter}
	default:
		return &linuxAdapter{creator: creator}
	}
}

// NullAdapter is used when enable_auto_mount is false; every attempt is a
// reported no-op.
type NullAdapter struct{}

func (NullAdapter) AttemptMount(ctx context.Context, shareURL string) bool { return false }
func (NullAdapter) VerifyMount(localPath string) (bool, bool)             { return false, false }
func (NullAdapter) PlatformName() string                                  { return "none" }

func verifyLocalPath(localPath string) (mounted, accessible bool) {
	info, err := os.Stat(localPath)
	if err != nil {
		return false, false
	}
	return true, info.IsDir()
}

func runMount(ctx context.Context, creator CommandCreatorFunc, name string, args ...string) error {
	if creator == nil {
		creator = NewCommandRunner
	}
	var stdout, stderr bytes.Buffer
	runner := creator(&stdout, &stderr, name, args...)

	ctx, cancel := context.WithTimeout(ctx, mountTimeout)
	defer cancel()

	if err := runner.Run(ctx); err != nil {
		return fmt.Errorf("mount: %s %v failed: %w (stderr: %s)", name, args, err, stderr.String())
	}
	return nil
}

type macOSAdapter struct {
	creator CommandCreatorFunc
}

func (a *macOSAdapter) PlatformName() string { return "darwin" }

func (a *macOSAdapter) AttemptMount(ctx context.Context, shareURL string) bool {
	return runMount(ctx, a.creator, "mount_smbfs", shareURL, "/Volumes/mxfagent") == nil
}

func (a *macOSAdapter) VerifyMount(localPath string) (bool, bool) {
	return verifyLocalPath(localPath)
}

type linuxAdapter struct {
	creator CommandCreatorFunc
}

func (a *linuxAdapter) PlatformName() string { return "linux" }

func (a *linuxAdapter) AttemptMount(ctx context.Context, shareURL string) bool {
	return runMount(ctx, a.creator, "mount", "-t", "cifs", shareURL, "/mnt/mxfagent") == nil
}

func (a *linuxAdapter) VerifyMount(localPath string) (bool, bool) {
	return verifyLocalPath(localPath)
}

type windowsAdapter struct {
	creator     CommandCreatorFunc
	driveLetter string
}

func (a *windowsAdapter) PlatformName() string { return "windows" }

func (a *windowsAdapter) AttemptMount(ctx context.Context, shareURL string) bool {
	drive := a.driveLetter
	if drive == "" {
		drive = "Z:"
	}
	return runMount(ctx, a.creator, "net", "use", drive, shareURL, "/persistent:no") == nil
}

func (a *windowsAdapter) VerifyMount(localPath string) (bool, bool) {
	return verifyLocalPath(localPath)
}
