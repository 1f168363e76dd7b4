package config

import (
	"fmt"

	"github.com/cuemby/mpathd/pkg/types"
)

const (
	DefaultMaxPathsPerDevice = 8
	DefaultMaxRetriesPerPath = 3

	// MaxRetriesPerIoLimit bounds the computed per-command retry budget
	MaxRetriesPerIoLimit = types.MaxPathsLimit*8 + 1
)

// Params are the administrative failover tunables
type Params struct {
	MaxPathsPerDevice int              `json:"max_paths_per_device" yaml:"max_paths_per_device"`
	MaxRetriesPerPath int              `json:"max_retries_per_path" yaml:"max_retries_per_path"`
	MaxRetriesPerIo   int              `json:"max_retries_per_io" yaml:"max_retries_per_io"`
	NotifyType        types.NotifyType `json:"notify_type" yaml:"notify_type"`
	NotifyCdb         types.HexBytes   `json:"notify_cdb,omitempty" yaml:"notify_cdb,omitempty"`
}

// DefaultParams returns the factory parameter set
func DefaultParams() Params {
	p := Params{
		MaxPathsPerDevice: DefaultMaxPathsPerDevice,
		MaxRetriesPerPath: DefaultMaxRetriesPerPath,
		NotifyType:        types.NotifyNone,
	}
	p.MaxRetriesPerIo = p.ComputeMaxRetriesPerIo()
	return p
}

// ComputeMaxRetriesPerIo returns (MaxPathsPerDevice * MaxRetriesPerPath) + 1,
// clamped to [1, MaxRetriesPerIoLimit]
func (p Params) ComputeMaxRetriesPerIo() int {
	n := p.MaxPathsPerDevice*p.MaxRetriesPerPath + 1
	if n < 1 {
		return 1
	}
	if n > MaxRetriesPerIoLimit {
		return MaxRetriesPerIoLimit
	}
	return n
}

// Normalize fills in computed and defaulted fields
func (p Params) Normalize() Params {
	if p.NotifyType == "" {
		p.NotifyType = types.NotifyNone
	}
	if p.MaxRetriesPerIo == 0 {
		p.MaxRetriesPerIo = p.ComputeMaxRetriesPerIo()
	}
	return p
}

// Validate checks every parameter against its allowed range
func (p Params) Validate() error {
	if p.MaxPathsPerDevice < 1 || p.MaxPathsPerDevice > types.MaxPathsLimit {
		return fmt.Errorf("%w: max paths per device must be 1-%d, got %d",
			types.ErrInvalidParam, types.MaxPathsLimit, p.MaxPathsPerDevice)
	}
	if p.MaxRetriesPerPath < 1 || p.MaxRetriesPerPath > 8 {
		return fmt.Errorf("%w: max retries per path must be 1-8, got %d",
			types.ErrInvalidParam, p.MaxRetriesPerPath)
	}
	if p.MaxRetriesPerIo < 1 || p.MaxRetriesPerIo > MaxRetriesPerIoLimit {
		return fmt.Errorf("%w: max retries per io must be 1-%d, got %d",
			types.ErrInvalidParam, MaxRetriesPerIoLimit, p.MaxRetriesPerIo)
	}
	return p.Notify().Validate()
}

// Notify returns the global notification settings
func (p Params) Notify() types.NotifySettings {
	return types.NotifySettings{Type: p.NotifyType, Cdb: p.NotifyCdb}
}

// Apply merges an update into p. Changing the path or per-path retry limits
// without an explicit MaxRetriesPerIo recomputes it.
func (p Params) Apply(update Params) Params {
	out := p
	if update.MaxPathsPerDevice != 0 {
		out.MaxPathsPerDevice = update.MaxPathsPerDevice
	}
	if update.MaxRetriesPerPath != 0 {
		out.MaxRetriesPerPath = update.MaxRetriesPerPath
	}
	if update.NotifyType != "" {
		out.NotifyType = update.NotifyType
	}
	if update.NotifyCdb != nil {
		out.NotifyCdb = update.NotifyCdb
	}
	switch {
	case update.MaxRetriesPerIo != 0:
		out.MaxRetriesPerIo = update.MaxRetriesPerIo
	case out.MaxPathsPerDevice != p.MaxPathsPerDevice || out.MaxRetriesPerPath != p.MaxRetriesPerPath:
		out.MaxRetriesPerIo = out.ComputeMaxRetriesPerIo()
	}
	return out
}
