package transformers

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/backends"
	"github.com/pkg/errors"
)

// Device where a model is executed, parsed from strings like "cpu", "cuda" or "cuda:1".
type Device struct {
	// Kind is "cpu" or "cuda".
	Kind string

	// Index of the accelerator, 0 for "cpu".
	Index int
}

// CPU is the default device.
var CPU = Device{Kind: "cpu"}

// ParseDevice parses a device identifier. "gpu" is accepted as an alias to "cuda".
func ParseDevice(device string) (Device, error) {
	device = strings.ToLower(strings.TrimSpace(device))
	if device == "" {
		return CPU, nil
	}
	kind, indexStr, hasIndex := strings.Cut(device, ":")
	d := Device{Kind: kind}
	if d.Kind == "gpu" {
		d.Kind = "cuda"
	}
	if d.Kind != "cpu" && d.Kind != "cuda" {
		return Device{}, errors.Errorf("unknown device %q, expected \"cpu\", \"cuda\" or \"cuda:<index>\"", device)
	}
	if hasIndex {
		index, err := strconv.Atoi(indexStr)
		if err != nil || index < 0 {
			return Device{}, errors.Errorf("invalid device index in %q", device)
		}
		if d.Kind == "cpu" && index != 0 {
			return Device{}, errors.Errorf("device %q: cpu has only index 0", device)
		}
		d.Index = index
	}
	return d, nil
}

// String implements fmt.Stringer.
func (d Device) String() string {
	if d.Kind == "cpu" || d.Kind == "" {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}

// BackendConfig returns the GoMLX backend configuration for the device.
func (d Device) BackendConfig() string {
	if d.Kind == "cuda" {
		return "xla:cuda"
	}
	return "xla:cpu"
}

// DeviceNum is the backend device number the model executes on.
func (d Device) DeviceNum() backends.DeviceNum {
	return backends.DeviceNum(d.Index)
}
