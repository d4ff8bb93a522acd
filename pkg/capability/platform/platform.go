// Package platform is the seam where a real capture/emulator/screen
// implementation of pkg/capability's interfaces would plug in per
// operating system. This module runs headless (no X11/Wayland/Win32/Cocoa
// hooks are available in this environment), so none of InputCapture,
// InputEmulator, or ScreenEnumerator has a production body here — callers
// use pkg/capability/memory's fakes instead. What this package does
// provide is genuinely OS-specific and build-tag-gated, the same way the
// teacher's tty package splits tty_unix.go from a Windows console
// implementation: Detect reports the running host's kvmtypes.Platform tag,
// and on Linux, KernelInfo reads the kernel release via golang.org/x/sys/unix
// for the startup diagnostic log line.
package platform

import "github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"

// Detect reports the kvmtypes.Platform tag for the host this process is
// running on, carried in Hello/Announce frames (§4.2, §4.5). The concrete
// answer is build-tag-selected below.
func Detect() kvmtypes.Platform {
	return detect()
}
