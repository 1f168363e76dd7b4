package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mpathd/pkg/scsi"
)

// TURChecker sends TEST UNIT READY down one path. Any answer from the
// target, including check condition or busy, means the path carries
// commands; only transport failures and timeouts count as unhealthy.
type TURChecker struct {
	Issuer  scsi.Issuer
	Target  scsi.Target
	Lun     int
	Timeout time.Duration
}

// NewTURChecker creates a TEST UNIT READY checker
func NewTURChecker(issuer scsi.Issuer, target scsi.Target, lun int) *TURChecker {
	return &TURChecker{
		Issuer:  issuer,
		Target:  target,
		Lun:     lun,
		Timeout: 5 * time.Second,
	}
}

// Check performs the TEST UNIT READY health check
func (c *TURChecker) Check(ctx context.Context) Result {
	start := time.Now()

	res, err := c.Issuer.IssueCommand(ctx, c.Target, c.Lun, scsi.TestUnitReady(), c.Timeout)
	if err != nil {
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("test unit ready failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}

	switch res.Status {
	case scsi.CompletionGood, scsi.CompletionCheckCondition, scsi.CompletionBusy:
		msg := fmt.Sprintf("%s lun %d answered %s", c.Target, c.Lun, res.Status)
		if sense, ok := scsi.ParseSense(res.Sense); ok {
			msg += " (" + sense.String() + ")"
		}
		return Result{Healthy: true, Message: msg, CheckedAt: start, Duration: time.Since(start)}
	default:
		return Result{
			Healthy:   false,
			Message:   fmt.Sprintf("%s lun %d: %s", c.Target, c.Lun, res.Status),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
}

// WithTimeout sets the command timeout
func (c *TURChecker) WithTimeout(timeout time.Duration) *TURChecker {
	c.Timeout = timeout
	return c
}
