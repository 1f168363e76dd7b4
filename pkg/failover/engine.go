package failover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/selector"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Tree is the part of the registry the engine reads and updates
type Tree interface {
	Params() config.Params
	Device(id int) (*types.Device, error)
	Host(id int) (*types.Host, error)
	SetCurrentPath(deviceID, lun, pathID int) (int, error)
	SetLunActive(deviceID, lun, pathID int, state types.ActiveState) error
	HostStats(id int) (*types.HostStats, error)
}

// PathSelector chooses the path a failing LUN moves to
type PathSelector interface {
	Select(ctx context.Context, req selector.Request) (selector.Selection, error)
}

// Notifier issues the configured action for a path switch. Errors are
// reported but never stop the switch.
type Notifier interface {
	Notify(ctx context.Context, dev *types.Device, lun int, from, to *types.Path) error
}

// Dispatcher takes back commands the engine is done with. A command in
// state Busy is re-issued by the caller's retry timer on cmd.PathID; a
// command in state Failed carries its error in cmd.Err.
type Dispatcher interface {
	Release(cmd *types.Command)
}

// Config holds the engine's worker settings
type Config struct {
	Workers int
	Sweep   time.Duration
}

// Engine drains the failover queue outside completion context
type Engine struct {
	tree       Tree
	selector   PathSelector
	notifier   Notifier
	dispatcher Dispatcher
	ledger     *Ledger
	queue      *Queue
	locks      *LunLocks
	broker     *events.Broker
	cfg        Config
	logger     zerolog.Logger
}

// Option configures an Engine
type Option func(*Engine)

// WithBroker publishes path switch events to b
func WithBroker(b *events.Broker) Option {
	return func(e *Engine) { e.broker = b }
}

// WithLocks shares a per-LUN lock set with another component
func WithLocks(l *LunLocks) Option {
	return func(e *Engine) { e.locks = l }
}

// NewEngine creates an engine over tree
func NewEngine(tree Tree, sel PathSelector, notifier Notifier, dispatcher Dispatcher, queue *Queue, cfg Config, opts ...Option) *Engine {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Sweep <= 0 {
		cfg.Sweep = time.Second
	}
	e := &Engine{
		tree:       tree,
		selector:   sel,
		notifier:   notifier,
		dispatcher: dispatcher,
		queue:      queue,
		cfg:        cfg,
		locks:      NewLunLocks(),
		logger:     log.WithComponent("failover"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.ledger = NewLedger(tree.Params, queue)
	return e
}

// Ledger returns the engine's retry ledger
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Locks returns the per-LUN lock set
func (e *Engine) Locks() *LunLocks { return e.locks }

// QueueDepth returns the number of commands waiting for failover
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// CountRetry accounts a transport error on cmd. It never blocks. Commands
// on a host without failover enabled are retried in place.
func (e *Engine) CountRetry(cmd *types.Command) Decision {
	d := e.ledger.CountRetry(cmd, e.failoverEnabled(cmd.HostID))
	metrics.RetryDecisions.WithLabelValues(string(d)).Inc()
	if stats, err := e.tree.HostStats(cmd.HostID); err == nil {
		stats.Retries.Add(1)
		if d == NoRetry {
			stats.Errors.Add(1)
		}
	}

	switch d {
	case NoRetry:
		metrics.CommandsFailed.Inc()
		e.logger.Error().Err(cmd.Err).
			Int("device_id", cmd.DeviceID).
			Int("lun", cmd.Lun).
			Str("command_id", cmd.ID).
			Msg("Command failed permanently")
		e.broker.Publish(events.NewEvent(events.EventCommandFailed, cmd.Err.Error()).
			With("device_id", cmd.DeviceID).With("lun", cmd.Lun).WithStr("command_id", cmd.ID))
	default:
		e.logger.Debug().
			Int("device_id", cmd.DeviceID).
			Int("lun", cmd.Lun).
			Int("path_id", cmd.PathID).
			Str("command_id", cmd.ID).
			Int("retries", e.ledger.Retries(cmd.ID)).
			Str("decision", string(d)).
			Msg("Retry counted")
	}
	return d
}

func (e *Engine) failoverEnabled(hostID int) bool {
	h, err := e.tree.Host(hostID)
	return err == nil && h.Flags.Has(types.HostFailoverEnabled)
}

// Complete records a successful completion of cmd
func (e *Engine) Complete(cmd *types.Command, bytes uint64) {
	e.ledger.Forget(cmd.ID)
	if stats, err := e.tree.HostStats(cmd.HostID); err == nil {
		stats.IOs.Add(1)
		stats.Bytes.Add(bytes)
	}
}

// Abort removes a queued command. It reports whether the command was queued.
func (e *Engine) Abort(cmdID string) bool {
	e.ledger.Forget(cmdID)
	cmd, ok := e.queue.Remove(cmdID)
	if !ok {
		return false
	}
	e.ledger.Release(cmd.DeviceID, cmd.Lun)
	e.logger.Debug().Str("command_id", cmdID).Msg("Queued command aborted")
	return true
}

// Run starts the drain workers and blocks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return e.worker(ctx, worker)
		})
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Failover engine started")
	err := g.Wait()
	e.logger.Info().Msg("Failover engine stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) worker(ctx context.Context, id int) error {
	ticker := time.NewTicker(e.cfg.Sweep)
	defer ticker.Stop()

	for {
		select {
		case <-e.queue.Signal():
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
		if n := e.Drain(ctx); n > 0 {
			e.logger.Debug().Int("worker", id).Int("processed", n).Msg("Failover queue drained")
		}
	}
}

// Drain processes queued commands until the queue is empty and returns how
// many were processed
func (e *Engine) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		cmd, ok := e.queue.Pop()
		if !ok {
			break
		}
		e.process(ctx, cmd)
		n++
	}
	metrics.FailoverQueueDepth.Set(float64(e.queue.Len()))
	return n
}

// process picks a path for one command, notifies, switches the LUN and
// hands the command back
func (e *Engine) process(ctx context.Context, cmd *types.Command) {
	timer := metrics.NewTimerAt(cmd.QueuedAt)
	defer timer.ObserveDuration(metrics.FailoverLatency)

	unlock := e.locks.Lock(cmd.DeviceID, cmd.Lun)
	defer unlock()
	defer e.ledger.Release(cmd.DeviceID, cmd.Lun)

	logger := log.WithLun(cmd.DeviceID, cmd.Lun)

	dev, err := e.tree.Device(cmd.DeviceID)
	if err != nil {
		e.fail(cmd, fmt.Errorf("failover: %w", err))
		return
	}

	current := types.NoPath
	if p := dev.Paths.CurrentPath(cmd.Lun); p != nil {
		current = p.ID
		// a failover of an earlier command already moved the LUN
		if current != cmd.PathID && !p.Dead() {
			e.release(cmd, p)
			return
		}
	}

	sel, err := e.selector.Select(ctx, selector.Request{
		Device:        dev,
		Lun:           cmd.Lun,
		FailingPathID: cmd.PathID,
		ErrorClass:    cmd.ErrorClass,
	})
	if err != nil {
		e.fail(cmd, fmt.Errorf("failover: %w", err))
		return
	}
	for pathID, state := range sel.Probed {
		if err := e.tree.SetLunActive(dev.ID, cmd.Lun, pathID, state); err != nil {
			logger.Debug().Err(err).Int("path_id", pathID).Msg("Probe write-back failed")
		}
	}

	if sel.Path.ID != current {
		if from := dev.Paths.Get(cmd.PathID); from != nil {
			if err := e.notifier.Notify(ctx, dev, cmd.Lun, from, sel.Path); err != nil {
				logger.Warn().Err(err).
					Int("from", cmd.PathID).
					Int("to", sel.Path.ID).
					Msg("Path switch notification failed")
			}
		}

		if _, err := e.tree.SetCurrentPath(dev.ID, cmd.Lun, sel.Path.ID); err != nil {
			e.fail(cmd, fmt.Errorf("failover: %w", err))
			return
		}

		metrics.FailoversTotal.WithLabelValues(string(sel.Reason)).Inc()
		if stats, err := e.tree.HostStats(cmd.HostID); err == nil {
			stats.Failovers.Add(1)
		}
		logger.Info().
			Int("from", current).
			Int("to", sel.Path.ID).
			Int("to_host", sel.Path.HostID).
			Str("reason", string(sel.Reason)).
			Str("error_class", string(cmd.ErrorClass)).
			Msg("Path switched")
		e.broker.Publish(events.NewEvent(events.EventPathSwitched, "path switched").
			With("device_id", dev.ID).
			With("lun", cmd.Lun).
			With("from", current).
			With("to", sel.Path.ID).
			WithStr("reason", string(sel.Reason)))
	}

	e.release(cmd, sel.Path)
}

func (e *Engine) release(cmd *types.Command, to *types.Path) {
	cmd.PathID = to.ID
	cmd.HostID = to.HostID
	cmd.State = types.CommandBusy
	e.dispatcher.Release(cmd)
}

func (e *Engine) fail(cmd *types.Command, err error) {
	e.ledger.Forget(cmd.ID)
	cmd.State = types.CommandFailed
	cmd.Err = err
	metrics.CommandsFailed.Inc()
	e.logger.Error().Err(err).Str("command_id", cmd.ID).Msg("Failover aborted command")
	e.dispatcher.Release(cmd)
}
