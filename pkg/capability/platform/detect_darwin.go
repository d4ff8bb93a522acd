//go:build darwin

package platform

import (
	"errors"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func detect() kvmtypes.Platform { return kvmtypes.PlatformMacOS }

// KernelInfo is Linux-only (see detect_linux.go); there's no uname(2)
// equivalent wired for Darwin in this build.
func KernelInfo() (string, error) {
	return "", errors.New("platform: kernel info not available on this platform")
}
