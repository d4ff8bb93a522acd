//go:build !linux && !darwin && !windows

package platform

import (
	"errors"

	"github.com/jerryyoon-qcells/kvm-over-ip-sub000/pkg/kvmtypes"
)

func detect() kvmtypes.Platform { return kvmtypes.PlatformUnknown }

// KernelInfo is Linux-only (see detect_linux.go).
func KernelInfo() (string, error) {
	return "", errors.New("platform: kernel info not available on this platform")
}
