//go:build windows

package platform

import (
	"errors"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func detect() kvmtypes.Platform { return kvmtypes.PlatformWindows }

// KernelInfo is Linux-only (see detect_linux.go); Windows has no uname(2).
func KernelInfo() (string, error) {
	return "", errors.New("platform: kernel info not available on this platform")
}
