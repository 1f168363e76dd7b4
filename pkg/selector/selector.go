package selector

import (
	"context"
	"fmt"

	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// Prober verifies the controller membership of a path for a LUN on an
// active/standby array
type Prober interface {
	ProbeActive(ctx context.Context, dev *types.Device, lun int, path *types.Path) (types.ActiveState, error)
}

// Reason explains how a path was chosen
type Reason string

const (
	ReasonRoundRobin Reason = "round-robin"
	ReasonOtherHost  Reason = "other-host"
	ReasonOtherPath  Reason = "other-path"
	ReasonActivePath Reason = "active-path"
	ReasonFallback   Reason = "fallback"
)

// Request describes the failing command a new path is wanted for
type Request struct {
	Device        *types.Device
	Lun           int
	FailingPathID int
	ErrorClass    types.ErrorClass
}

// Selection is the outcome of Select. Probed holds the controller states
// learned while searching, keyed by path id.
type Selection struct {
	Path   *types.Path
	Reason Reason
	Probed map[int]types.ActiveState
}

// Changed reports whether the selection moves away from the failing path
func (s Selection) Changed(failing int) bool {
	return s.Path != nil && s.Path.ID != failing
}

// Selector chooses the next path for a LUN experiencing errors. It keeps no
// state of its own; everything it needs is in the device snapshot.
type Selector struct {
	prober Prober
	logger zerolog.Logger
}

// New creates a selector. A nil prober limits the smart policy to cached
// controller states.
func New(prober Prober) *Selector {
	return &Selector{
		prober: prober,
		logger: log.WithComponent("selector"),
	}
}

// Select returns the path the LUN should move to. The result is never nil
// while the device has at least one path.
func (s *Selector) Select(ctx context.Context, req Request) (Selection, error) {
	dev := req.Device
	if dev == nil {
		return Selection{}, fmt.Errorf("select: %w", types.ErrDeviceNotFound)
	}
	if dev.Paths.Len() == 0 {
		return Selection{}, fmt.Errorf("device %d has no paths: %w", dev.ID, types.ErrPathNotFound)
	}

	var sel Selection
	switch dev.Policy {
	case types.PolicyActiveStandbyArray:
		sel = s.smart(ctx, req)
	default:
		sel = Selection{Path: roundRobin(dev, req.Lun, req.FailingPathID), Reason: ReasonRoundRobin}
	}

	s.logger.Debug().
		Int("device_id", dev.ID).
		Int("lun", req.Lun).
		Int("from", req.FailingPathID).
		Int("to", sel.Path.ID).
		Str("reason", string(sel.Reason)).
		Msg("Path selected")
	return sel, nil
}

// roundRobin walks the circular list after failing and returns the first
// live path reaching the LUN, then the first live path, then plain next.
func roundRobin(dev *types.Device, lun, failing int) *types.Path {
	ring := dev.Paths.Ring(failing)
	for _, p := range ring {
		if !p.Dead() && p.Reaches(lun) {
			return p
		}
	}
	for _, p := range ring {
		if !p.Dead() {
			return p
		}
	}
	return dev.Paths.Next(failing)
}

func usable(p *types.Path, lun int) bool {
	return !p.Dead() && p.Reaches(lun)
}
