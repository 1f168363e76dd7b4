package selector

import (
	"context"
	"time"

	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/types"
)

// IssuerProber asks the array for a path's controller state with TEST UNIT
// READY. Arrays answer Not Ready / 04h-0Bh (or 0Ch) through a standby port.
type IssuerProber struct {
	issuer  scsi.Issuer
	timeout time.Duration
}

func NewIssuerProber(issuer scsi.Issuer, timeout time.Duration) *IssuerProber {
	return &IssuerProber{issuer: issuer, timeout: timeout}
}

func (p *IssuerProber) ProbeActive(ctx context.Context, dev *types.Device, lun int, path *types.Path) (types.ActiveState, error) {
	target := scsi.Target{HostID: path.HostID, Port: path.Port}
	res, err := p.issuer.IssueCommand(ctx, target, lun, scsi.TestUnitReady(), p.timeout)
	if err != nil {
		return types.ActiveDead, err
	}
	return ActiveStateFromResult(res), nil
}

// ActiveStateFromResult classifies a TEST UNIT READY completion
func ActiveStateFromResult(res scsi.Result) types.ActiveState {
	switch res.Status {
	case scsi.CompletionGood:
		return types.ActiveActive
	case scsi.CompletionCheckCondition:
		sense, ok := scsi.ParseSense(res.Sense)
		switch {
		case !ok:
			return types.ActiveUnknown
		case sense.Standby():
			return types.ActiveStandby
		case sense.Key == scsi.SenseUnitAttention:
			return types.ActiveActive
		}
		return types.ActiveUnknown
	case scsi.CompletionBusy:
		return types.ActiveUnknown
	default:
		return types.ActiveDead
	}
}
