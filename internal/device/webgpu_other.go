//go:build !windows

package device

import (
	"runtime"

	"github.com/born-ml/graphrt/internal/errs"
)

// RegisterWebGPU opens webgpu:id and registers it with the device registry. The
// WebGPU backend is only built on windows.
func RegisterWebGPU(id int) error {
	return &errs.UnsupportedConfigurationError{
		Feature: "device " + New(WebGPU, id).String(),
		Reason:  "the WebGPU backend is only available on windows, not " + runtime.GOOS,
	}
}
