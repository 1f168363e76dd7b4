package failover

import (
	"fmt"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/puzpuzpuz/xsync/v3"
)

// Decision is the outcome of counting a retry
type Decision string

const (
	// RetrySame re-issues the command on its current path
	RetrySame Decision = "retry-same"

	// PendingFailover holds the command until a new path is chosen
	PendingFailover Decision = "pending-failover"

	// NoRetry fails the command permanently
	NoRetry Decision = "no-retry"
)

type pathKey struct {
	LunKey
	PathID int
}

type cmdCount struct {
	key LunKey
	n   int
}

// Ledger counts retries per command and per LUN path and escalates a
// command to the failover queue when its per-path budget is spent. It never
// blocks, so it is safe to call from completion context.
type Ledger struct {
	limits func() config.Params
	queue  *Queue

	commands *xsync.MapOf[string, cmdCount]
	paths    *xsync.MapOf[pathKey, uint64]
	busy     *xsync.MapOf[LunKey, int]
}

// NewLedger creates a ledger reading its limits from limits on every
// decision, so parameter changes apply to commands already in flight
func NewLedger(limits func() config.Params, queue *Queue) *Ledger {
	return &Ledger{
		limits:   limits,
		queue:    queue,
		commands: xsync.NewMapOf[string, cmdCount](),
		paths:    xsync.NewMapOf[pathKey, uint64](),
		busy:     xsync.NewMapOf[LunKey, int](),
	}
}

// CountRetry records one more retry of cmd and decides what happens next.
// Without failover the command stays on its path until its per-I/O budget
// is spent.
func (l *Ledger) CountRetry(cmd *types.Command, failover bool) Decision {
	perPath, perIo := l.budgets()
	key := LunKey{cmd.DeviceID, cmd.Lun}

	c, _ := l.commands.Compute(cmd.ID, func(old cmdCount, _ bool) (cmdCount, bool) {
		return cmdCount{key: key, n: old.n + 1}, false
	})
	n := c.n
	l.paths.Compute(pathKey{key, cmd.PathID}, func(old uint64, _ bool) (uint64, bool) {
		return old + 1, false
	})

	switch {
	case n > perIo:
		l.commands.Delete(cmd.ID)
		cmd.State = types.CommandFailed
		cmd.Err = fmt.Errorf("command %s after %d retries: %w", cmd.ID, n-1, types.ErrTargetUnreachable)
		return NoRetry
	case failover && n%perPath == 0:
		l.busy.Compute(key, func(old int, _ bool) (int, bool) {
			return old + 1, false
		})
		cmd.State = types.CommandFailoverPending
		l.queue.Push(cmd)
		return PendingFailover
	default:
		return RetrySame
	}
}

// budgets returns the per-path and per-I/O retry limits, at least one each
func (l *Ledger) budgets() (int, int) {
	p := l.limits()
	return max(p.MaxRetriesPerPath, 1), max(p.MaxRetriesPerIo, 1)
}

// Retries returns the retry count of a command
func (l *Ledger) Retries(cmdID string) int {
	c, _ := l.commands.Load(cmdID)
	return c.n
}

// PathRetries returns the retries counted against a path for a LUN
func (l *Ledger) PathRetries(deviceID, lun, pathID int) uint64 {
	n, _ := l.paths.Load(pathKey{LunKey{deviceID, lun}, pathID})
	return n
}

// Busy reports whether a LUN has commands waiting for failover
func (l *Ledger) Busy(deviceID, lun int) bool {
	n, ok := l.busy.Load(LunKey{deviceID, lun})
	return ok && n > 0
}

// Release drops one pending-failover mark of a LUN
func (l *Ledger) Release(deviceID, lun int) {
	l.busy.Compute(LunKey{deviceID, lun}, func(old int, _ bool) (int, bool) {
		return old - 1, old <= 1
	})
}

// Forget drops the counter of a command that completed or was aborted
func (l *Ledger) Forget(cmdID string) {
	l.commands.Delete(cmdID)
}

// ResetLun clears every path counter of a LUN and returns how many paths
// had retries recorded. Commands of the LUN keep their total count but get
// a full per-path budget again.
func (l *Ledger) ResetLun(deviceID, lun int) int {
	perPath, _ := l.budgets()
	key := LunKey{deviceID, lun}
	l.commands.Range(func(id string, c cmdCount) bool {
		if c.key == key {
			l.commands.Compute(id, func(old cmdCount, loaded bool) (cmdCount, bool) {
				old.n -= old.n % perPath
				return old, !loaded
			})
		}
		return true
	})

	reset := 0
	l.paths.Range(func(k pathKey, n uint64) bool {
		if k.DeviceID == deviceID && k.Lun == lun {
			l.paths.Delete(k)
			if n > 0 {
				reset++
			}
		}
		return true
	})
	return reset
}
