package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Capability is the tri-state result of the permission probe.
type Capability int

const (
	// CapabilityUnknown means no probe has completed yet.
	CapabilityUnknown Capability = iota

	// CapabilityGranted means the input can be opened.
	CapabilityGranted

	// CapabilityDenied means the last probe failed.
	CapabilityDenied
)

// String returns the name of the capability state.
func (c Capability) String() string {
	switch c {
	case CapabilityGranted:
		return "granted"
	case CapabilityDenied:
		return "denied"
	default:
		return "unknown"
	}
}

// Reason explains why a probe did not grant capture.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotSupported
	ReasonPermissionDenied
	ReasonDeviceNotFound
	ReasonDeviceBusy
	ReasonUnknown
)

// String returns the name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "None"
	case ReasonNotSupported:
		return "NotSupported"
	case ReasonPermissionDenied:
		return "PermissionDenied"
	case ReasonDeviceNotFound:
		return "DeviceNotFound"
	case ReasonDeviceBusy:
		return "DeviceBusy"
	default:
		return "Unknown"
	}
}

// Guidance returns a short message telling the user what to do about r.
func (r Reason) Guidance() string {
	switch r {
	case ReasonNone:
		return ""
	case ReasonNotSupported:
		return "Audio capture is not supported on this system. Check that an audio input backend is installed."
	case ReasonPermissionDenied:
		return "Microphone access was denied. Allow microphone access for this application and try again."
	case ReasonDeviceNotFound:
		return "No microphone was found. Connect a microphone and try again."
	case ReasonDeviceBusy:
		return "The microphone is in use by another application. Close it and try again."
	default:
		return "The microphone could not be accessed. Check your audio settings and try again."
	}
}

// CapabilityResult is the outcome of [Gate.Probe].
type CapabilityResult struct {
	Granted bool
	Reason  Reason

	// Err is the underlying device error, if any.
	Err error
}

// Capability converts the result to its tri-state form.
func (r CapabilityResult) Capability() Capability {
	if r.Granted {
		return CapabilityGranted
	}
	return CapabilityDenied
}

// CapabilitySink receives probe results.
type CapabilitySink interface {
	SetCapability(CapabilityResult)
}

// CapabilitySource reports the most recent probe result.
type CapabilitySource interface {
	Capability() Capability
}

// Gate probes whether the input device can be opened.
type Gate struct {
	dev    Device
	cfg    Config
	sink   CapabilitySink
	logger *slog.Logger
}

// NewGate returns a gate that probes dev with cfg and reports to sink. sink
// may be nil.
func NewGate(dev Device, cfg Config, sink CapabilitySink) *Gate {
	return &Gate{dev: dev, cfg: cfg, sink: sink, logger: slog.Default()}
}

// Probe opens the device and closes it again. It never returns an error or
// panics: every failure is folded into the result's Reason.
func (g *Gate) Probe(ctx context.Context) (res CapabilityResult) {
	defer func() {
		if p := recover(); p != nil {
			res = CapabilityResult{Reason: ReasonUnknown, Err: fmt.Errorf("capture: probe panicked: %v", p)}
		}
		if !res.Granted {
			g.logger.Warn("microphone capability denied", "reason", res.Reason.String(), "err", res.Err)
		} else {
			g.logger.Debug("microphone capability granted")
		}
		if g.sink != nil {
			g.sink.SetCapability(res)
		}
	}()

	if err := ctx.Err(); err != nil {
		return CapabilityResult{Reason: ReasonUnknown, Err: err}
	}
	if g.dev == nil {
		return CapabilityResult{Reason: ReasonNotSupported, Err: ErrNotSupported}
	}

	stream, err := g.dev.Open(g.cfg, framesFor(g.cfg.SampleRate, defaultChunkInterval))
	if err != nil {
		return CapabilityResult{Reason: ReasonFor(err), Err: err}
	}
	if err := stream.Close(); err != nil {
		g.logger.Debug("probe stream close failed", "err", err)
	}
	return CapabilityResult{Granted: true}
}

// ReasonFor classifies a device error.
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, ErrDeviceNotFound):
		return ReasonDeviceNotFound
	case errors.Is(err, ErrDeviceBusy):
		return ReasonDeviceBusy
	case errors.Is(err, ErrNotSupported):
		return ReasonNotSupported
	default:
		return ReasonUnknown
	}
}
