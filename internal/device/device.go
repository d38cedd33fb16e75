// Package device describes compute devices and the raw memory API each one exposes.
//
// A Device is a plain value (kind plus optional ordinal) and is safe to use as a map
// key. Raw allocation goes through an API registered for the device; everything
// above this package works with opaque integer addresses.
package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind identifies a family of devices.
type Kind int

// Supported device kinds.
const (
	CPU Kind = iota
	CUDA
	HIP
	WebGPU

	// NumKinds is the number of device kinds, used to size per-kind tables.
	NumKinds
)

// String returns the lowercase name used in archives ("cpu", "cuda", ...).
func (k Kind) String() string {
	switch k {
	case CPU:
		return "cpu"
	case CUDA:
		return "cuda"
	case HIP:
		return "hip"
	case WebGPU:
		return "webgpu"
	default:
		return "unknown"
	}
}

// IsAccelerator reports whether memory of this kind lives off the host.
func (k Kind) IsAccelerator() bool {
	return k != CPU
}

// Device is a (kind, ordinal) pair. ID is -1 when the device has no ordinal (the host).
type Device struct {
	Kind Kind
	ID   int
}

// Host is the CPU device.
var Host = Device{Kind: CPU, ID: -1}

// New returns the device of the given kind and ordinal.
func New(kind Kind, id int) Device {
	if kind == CPU {
		return Host
	}
	return Device{Kind: kind, ID: id}
}

// String formats the device as "cpu" or "cuda:0".
func (d Device) String() string {
	if d.ID < 0 {
		return d.Kind.String()
	}
	return d.Kind.String() + ":" + strconv.Itoa(d.ID)
}

// Parse parses "cpu", "cuda", "cuda:1" and friends. An accelerator without an
// ordinal is instantiated as ordinal 0.
func Parse(s string) (Device, error) {
	name, ordinal, hasOrdinal := strings.Cut(strings.TrimSpace(s), ":")
	var kind Kind
	switch name {
	case "cpu":
		return Host, nil
	case "cuda", "vcuda":
		kind = CUDA
	case "hip", "vhip":
		kind = HIP
	case "webgpu":
		kind = WebGPU
	default:
		return Device{}, fmt.Errorf("unknown device %q", s)
	}
	id := 0
	if hasOrdinal {
		n, err := strconv.Atoi(ordinal)
		if err != nil || n < 0 {
			return Device{}, fmt.Errorf("invalid device ordinal in %q", s)
		}
		id = n
	}
	return New(kind, id), nil
}

// MustParse is Parse for constants; it panics on malformed input.
func MustParse(s string) Device {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// MarshalText implements encoding.TextMarshaler.
func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Device) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
