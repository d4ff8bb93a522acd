//go:build linux

package platform

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

// detect distinguishes Wayland from X11 the same way tty_unix.go's devTty
// distinguishes terminal capabilities: by environment, not by a build-time
// choice, since either display server can be running on a given Linux host.
func detect() kvmtypes.Platform {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return kvmtypes.PlatformLinuxWayland
	}
	return kvmtypes.PlatformLinuxX11
}

// KernelInfo reads the running kernel's sysname/release via uname(2),
// generalising the teacher's tty package's golang.org/x/sys/unix ioctl
// usage (there: IoctlGetWinsize on a tty fd) to a different unix syscall
// wrapper from the same package, for the one line cmd/kvmd logs at startup
// identifying the host it's running on.
func KernelInfo() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", fmt.Errorf("platform: uname: %w", err)
	}
	return fmt.Sprintf("%s %s", cstring(uts.Sysname[:]), cstring(uts.Release[:])), nil
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
