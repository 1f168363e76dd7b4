package scsi

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// Completion is the transport-level outcome of an issued command
type Completion string

const (
	CompletionGood           Completion = "good"
	CompletionCheckCondition Completion = "check-condition"
	CompletionBusy           Completion = "busy"
	CompletionTransportError Completion = "transport-error"
	CompletionTimeout        Completion = "timeout"
)

// Result is what an adapter reports for a command
type Result struct {
	Status Completion
	Sense  []byte
}

// OK reports whether the command completed without error
func (r Result) OK() bool { return r.Status == CompletionGood }

// Target addresses a remote port through a host adapter
type Target struct {
	HostID int
	Port   types.TargetPort
}

func (t Target) String() string {
	return fmt.Sprintf("host%d/%s", t.HostID, t.Port.WWPN)
}

// Issuer sends commands to a target through an adapter. The adapter driver
// implements it; the core only consumes it.
type Issuer interface {
	IssueCommand(ctx context.Context, target Target, lun int, cdb []byte, timeout time.Duration) (Result, error)
	ResetLun(ctx context.Context, target Target, lun int) error
	Logout(ctx context.Context, target Target) error
}

// Operation codes used by the failover core
const (
	OpTestUnitReady = 0x00
	OpStartStopUnit = 0x1b
)

// TestUnitReady builds a TEST UNIT READY CDB
func TestUnitReady() []byte {
	return []byte{OpTestUnitReady, 0, 0, 0, 0, 0}
}

// StartUnit builds a START STOP UNIT CDB with the start bit set
func StartUnit(immediate bool) []byte {
	cdb := []byte{OpStartStopUnit, 0, 0, 0, 0x01, 0}
	if immediate {
		cdb[1] = 0x01
	}
	return cdb
}

// LogIssuer only logs the commands it is asked to send. It stands in for an
// adapter driver when the daemon runs without one.
type LogIssuer struct {
	logger zerolog.Logger
}

func NewLogIssuer() *LogIssuer {
	return &LogIssuer{logger: log.WithComponent("scsi")}
}

func (l *LogIssuer) IssueCommand(ctx context.Context, target Target, lun int, cdb []byte, timeout time.Duration) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	l.logger.Debug().
		Str("target", target.String()).
		Int("lun", lun).
		Hex("cdb", cdb).
		Dur("timeout", timeout).
		Msg("Issue command")
	return Result{Status: CompletionGood}, nil
}

func (l *LogIssuer) ResetLun(ctx context.Context, target Target, lun int) error {
	l.logger.Info().Str("target", target.String()).Int("lun", lun).Msg("LUN reset")
	return ctx.Err()
}

func (l *LogIssuer) Logout(ctx context.Context, target Target) error {
	l.logger.Info().Str("target", target.String()).Msg("Fabric logout")
	return ctx.Err()
}
