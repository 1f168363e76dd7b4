package manager

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/mpathd/pkg/admin"
	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/discovery"
	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/failback"
	"github.com/cuemby/mpathd/pkg/failover"
	"github.com/cuemby/mpathd/pkg/health"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/notify"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/selector"
	"github.com/cuemby/mpathd/pkg/storage"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Manager wires the registry, the failover engine, the notifier, failback,
// the host prober and the administrative surface into one daemon
type Manager struct {
	cfg config.Daemon

	store     storage.Store
	broker    *events.Broker
	registry  *registry.Registry
	engine    *failover.Engine
	notifier  *notify.Notifier
	failback  *failback.Scheduler
	monitor   *health.Monitor
	collector *metrics.Collector
	service   *admin.Service
	server    *admin.Server

	logger zerolog.Logger
}

// NewManager creates a Manager. issuer sends commands through the adapters;
// dispatcher takes back commands the failover engine is done with.
func NewManager(cfg config.Daemon, issuer scsi.Issuer, dispatcher failover.Dispatcher) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "open")

	// parameters changed through the admin surface outlive restarts
	params := cfg.Params
	if saved, err := store.LoadParams(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to load parameters: %w", err)
	} else if saved != nil {
		params = *saved
	}

	broker := events.NewBroker()
	broker.Start()

	reg := registry.New(params, registry.WithPathIDSource(store), registry.WithBroker(broker))
	if err := reg.SetParams(params); err != nil {
		broker.Stop()
		_ = store.Close()
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	metrics.UpdateComponent(metrics.ComponentRegistry, true, "ready")

	notifier := notify.New(issuer, func() types.NotifySettings { return reg.Params().Notify() }, notify.Config{
		Rate:          cfg.NotifyRate,
		Burst:         cfg.NotifyBurst,
		SpinupRetries: cfg.SpinupRetries,
		SpinupBackoff: cfg.SpinupBackoff,
		Timeout:       cfg.CommandTimeout,
	}, broker)

	locks := failover.NewLunLocks()
	queue := failover.NewQueue(cfg.QueueSignalDepth)
	sel := selector.New(selector.NewIssuerProber(issuer, cfg.CommandTimeout))
	engine := failover.NewEngine(reg, sel, notifier, dispatcher, queue,
		failover.Config{Workers: cfg.DrainWorkers, Sweep: cfg.DrainSweep},
		failover.WithBroker(broker), failover.WithLocks(locks))

	fb := failback.New(reg, notifier, engine.Ledger(), locks, broker, cfg.FailbackInterval)

	probe := health.DefaultConfig()
	if cfg.ProbeInterval > 0 {
		probe.Interval = cfg.ProbeInterval
	}
	if cfg.ProbeRetries > 0 {
		probe.Retries = cfg.ProbeRetries
	}
	if cfg.CommandTimeout > 0 {
		probe.Timeout = cfg.CommandTimeout
	}
	monitor := health.NewMonitor(reg, issuer, fb, probe)

	service := admin.NewService(reg, store, locks)

	return &Manager{
		cfg:       cfg,
		store:     store,
		broker:    broker,
		registry:  reg,
		engine:    engine,
		notifier:  notifier,
		failback:  fb,
		monitor:   monitor,
		collector: metrics.NewCollector(reg, engine, cfg.MetricsInterval),
		service:   service,
		server:    admin.NewServer(service),
		logger:    log.WithComponent("manager"),
	}, nil
}

// Registry returns the entity store
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Engine returns the failover engine
func (m *Manager) Engine() *failover.Engine { return m.engine }

// Failback returns the failback scheduler
func (m *Manager) Failback() *failback.Scheduler { return m.failback }

// Service returns the administrative service
func (m *Manager) Service() *admin.Service { return m.service }

// Broker returns the event broker
func (m *Manager) Broker() *events.Broker { return m.broker }

// LoadTopology applies a topology file and then the per-path masks and
// control bytes persisted for the devices it created
func (m *Manager) LoadTopology(path string) error {
	topo, err := discovery.Load(path)
	if err != nil {
		return err
	}
	res, applyErr := discovery.Apply(m.registry, topo)
	if err := m.restoreSettings(); err != nil {
		m.logger.Warn().Err(err).Msg("Some persisted settings could not be restored")
	}
	m.logger.Info().
		Str("file", path).
		Int("hosts", res.Hosts).
		Int("paths", res.Paths).
		Ints("completed", res.Completed).
		Msg("Topology loaded")
	return applyErr
}

// CompleteCommand is the completion entrypoint. A good completion is
// accounted; anything else is counted against the command's retry budget.
// It never blocks.
func (m *Manager) CompleteCommand(cmd *types.Command, res scsi.Result, bytes uint64) failover.Decision {
	if res.OK() {
		m.engine.Complete(cmd, bytes)
		return failover.RetrySame
	}
	if cmd.ErrorClass == "" {
		cmd.ErrorClass = ClassifyError(res)
	}
	return m.engine.CountRetry(cmd)
}

// ClassifyError maps a failed completion to the scope of the failure.
// Transport errors and timeouts take the whole link down with them; the
// target answering with a bad status only indicts the path.
func ClassifyError(res scsi.Result) types.ErrorClass {
	switch res.Status {
	case scsi.CompletionTransportError, scsi.CompletionTimeout:
		return types.ErrorClassLink
	default:
		return types.ErrorClassPath
	}
}

// Abort discards a queued failover for a command the caller gave up on
func (m *Manager) Abort(cmdID string) bool {
	return m.engine.Abort(cmdID)
}

// HostDown records that an adapter lost its link. Its paths stop carrying
// I/O until rediscovery completes.
func (m *Manager) HostDown(hostID int) error {
	if err := m.registry.SetHostState(hostID, types.HostStateDown); err != nil {
		return err
	}
	return m.registry.BeginHostUpdate(hostID)
}

// HostUpdated records that rediscovery on a host finished. A host that was
// pending gets a failback pass.
func (m *Manager) HostUpdated(hostID int) error {
	wasPending, err := m.registry.CompleteHostUpdate(hostID)
	if err != nil {
		return err
	}
	if wasPending {
		m.failback.Trigger(hostID)
	}
	return nil
}

// Run starts every background component and blocks until ctx is done or
// one of them fails
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		metrics.UpdateComponent(metrics.ComponentFailover, true, "draining")
		return m.engine.Run(ctx)
	})
	g.Go(func() error {
		metrics.UpdateComponent(metrics.ComponentFailback, true, "running")
		return m.failback.Run(ctx)
	})
	if m.cfg.AdminAddr != "" {
		g.Go(func() error {
			return m.server.Run(ctx, m.cfg.AdminAddr)
		})
	}

	m.monitor.Start()
	m.collector.Start()
	defer m.monitor.Stop()
	defer m.collector.Stop()

	m.logger.Info().Str("admin_addr", m.cfg.AdminAddr).Msg("Manager running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	m.logger.Info().Msg("Manager stopped")
	return err
}

// Close releases the store and the event broker
func (m *Manager) Close() error {
	m.broker.Stop()
	return m.store.Close()
}
