package llm

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"chatd/internal/apperr"
)

// DeviceKind names a compute backend.
type DeviceKind int

const (
	DeviceAuto DeviceKind = iota
	DeviceCPU
	DeviceCUDA
	DeviceMetal
)

func (k DeviceKind) String() string {
	switch k {
	case DeviceCPU:
		return "cpu"
	case DeviceCUDA:
		return "cuda"
	case DeviceMetal:
		return "metal"
	default:
		return "auto"
	}
}

// DeviceType is a requested placement, possibly Auto.
type DeviceType struct {
	Kind  DeviceKind
	Index int
}

func (d DeviceType) String() string {
	if d.Kind == DeviceCUDA {
		return fmt.Sprintf("cuda:%d", d.Index)
	}
	return d.Kind.String()
}

// ParseDevice accepts cpu, metal, auto and cuda:N. Anything else falls
// back to auto.
func ParseDevice(s string) DeviceType {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "cpu":
		return DeviceType{Kind: DeviceCPU}
	case "metal", "mps":
		return DeviceType{Kind: DeviceMetal}
	case "cuda", "gpu":
		return DeviceType{Kind: DeviceCUDA}
	}
	if rest, ok := strings.CutPrefix(s, "cuda:"); ok {
		if i, err := strconv.Atoi(rest); err == nil && i >= 0 {
			return DeviceType{Kind: DeviceCUDA, Index: i}
		}
	}
	return DeviceType{Kind: DeviceAuto}
}

// Device is a concrete, resolved backend. Auto never appears here.
type Device struct {
	Kind  DeviceKind
	Index int
}

func (d Device) String() string { return DeviceType(d).String() }

// serverArgs maps the device onto llama-server offload flags. gpuLayers
// overrides the full-offload default when positive.
func (d Device) serverArgs(gpuLayers int) []string {
	if d.Kind == DeviceCPU {
		return []string{"-ngl", "0"}
	}
	ngl := 999
	if gpuLayers > 0 {
		ngl = gpuLayers
	}
	args := []string{"-ngl", strconv.Itoa(ngl)}
	if d.Kind == DeviceCUDA {
		args = append(args, "--main-gpu", strconv.Itoa(d.Index))
	}
	return args
}

func metalAvailable() bool { return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" }

// ResolveDevice maps a requested placement to a concrete backend.
func ResolveDevice(d DeviceType) (Device, error) {
	switch d.Kind {
	case DeviceCPU:
		return Device{Kind: DeviceCPU}, nil
	case DeviceMetal:
		if !metalAvailable() {
			return Device{}, apperr.New(apperr.FeatureNotEnabled, "metal is only available on apple silicon")
		}
		return Device{Kind: DeviceMetal}, nil
	case DeviceCUDA:
		if !cudaBuilt {
			return Device{}, apperr.New(apperr.FeatureNotEnabled, "cuda support not built (missing 'cuda' build tag)")
		}
		n := cudaDeviceCount()
		if n == 0 {
			return Device{}, apperr.New(apperr.DeviceError, "no cuda device found")
		}
		if d.Index >= n {
			return Device{}, apperr.Newf(apperr.DeviceError, "cuda:%d out of range (%d devices)", d.Index, n)
		}
		return Device{Kind: DeviceCUDA, Index: d.Index}, nil
	default:
		if cudaBuilt && cudaDeviceCount() > 0 {
			return Device{Kind: DeviceCUDA}, nil
		}
		if metalAvailable() {
			return Device{Kind: DeviceMetal}, nil
		}
		return Device{Kind: DeviceCPU}, nil
	}
}

// DeviceStatus describes one backend for diagnostics.
type DeviceStatus struct {
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Note      string `json:"note,omitempty"`
}

// DeviceInfo reports which backends this build and host can use, followed
// by what auto resolves to.
func DeviceInfo() []DeviceStatus {
	out := []DeviceStatus{{Name: "cpu", Available: true}}
	cuda := DeviceStatus{Name: "cuda"}
	switch n := cudaDeviceCount(); {
	case !cudaBuilt:
		cuda.Note = "not built (missing 'cuda' build tag)"
	case n == 0:
		cuda.Note = "no device found"
	default:
		cuda.Available = true
		cuda.Note = fmt.Sprintf("%d device(s)", n)
	}
	out = append(out, cuda)
	metal := DeviceStatus{Name: "metal", Available: metalAvailable()}
	if !metal.Available {
		metal.Note = "requires apple silicon"
	}
	out = append(out, metal)
	if d, err := ResolveDevice(DeviceType{Kind: DeviceAuto}); err == nil {
		out = append(out, DeviceStatus{Name: "auto", Available: true, Note: "resolves to " + d.String()})
	}
	return out
}

// DType is the KV cache precision passed to the runtime.
type DType string

const (
	DTypeF16  DType = "f16"
	DTypeBF16 DType = "bf16"
	DTypeF32  DType = "f32"
	DTypeQ8   DType = "q8_0"
)

// ParseDType validates a dtype name. Empty selects f16.
func ParseDType(s string) (DType, error) {
	switch d := DType(strings.ToLower(strings.TrimSpace(s))); d {
	case "":
		return DTypeF16, nil
	case DTypeF16, DTypeBF16, DTypeF32, DTypeQ8:
		return d, nil
	default:
		return "", apperr.Newf(apperr.ConfigError, "unsupported dtype %q", s)
	}
}

func (d DType) serverArgs() []string {
	if d == "" {
		return nil
	}
	return []string{"--cache-type-k", string(d), "--cache-type-v", string(d)}
}
