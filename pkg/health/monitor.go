package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// Tree is the part of the registry the monitor reads and updates
type Tree interface {
	Hosts() []*types.Host
	Device(id int) (*types.Device, error)
	PathsOnHost(hostID int) []registry.PathRef
	SetHostState(hostID int, state types.HostState) error
	BeginHostUpdate(hostID int) error
	CompleteHostUpdate(hostID int) (bool, error)
}

// FailbackTrigger is told when a host is usable again
type FailbackTrigger interface {
	Trigger(hostID int)
}

// Monitor probes every host through one of its paths. A host that keeps
// failing is marked down and needing rediscovery; a down host that keeps
// answering is brought back online and handed to failback.
type Monitor struct {
	tree     Tree
	issuer   scsi.Issuer
	failback FailbackTrigger
	config   Config

	mu       sync.Mutex
	statuses map[int]*Status

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewMonitor creates a host monitor
func NewMonitor(tree Tree, issuer scsi.Issuer, failback FailbackTrigger, config Config) *Monitor {
	return &Monitor{
		tree:     tree,
		issuer:   issuer,
		failback: failback,
		config:   config,
		statuses: make(map[int]*Status),
		stopCh:   make(chan struct{}),
		logger:   log.WithComponent("health"),
	}
}

// Start starts the monitor loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the monitor
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-m.stopCh
		cancel()
	}()

	interval := m.config.Interval
	if interval <= 0 {
		interval = DefaultConfig().Interval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(ctx)
		case <-m.stopCh:
			return
		}
	}
}

// CheckAll runs one probe round over every enabled host
func (m *Monitor) CheckAll(ctx context.Context) {
	unhealthy := 0
	for _, h := range m.tree.Hosts() {
		if h.Flags.Has(types.HostDisabled) {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if !m.checkHost(ctx, h) {
			unhealthy++
		}
	}
	metrics.UpdateComponent(metrics.ComponentProber, true, fmt.Sprintf("%d hosts unhealthy", unhealthy))
}

// Status returns a copy of the probe status of a host
func (m *Monitor) Status(hostID int) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[hostID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

func (m *Monitor) checkHost(ctx context.Context, h *types.Host) bool {
	checker := m.checkerFor(h.ID)
	if checker == nil {
		return true
	}
	logger := log.WithHostID(h.ID)

	checkCtx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	result := checker.Check(checkCtx)
	cancel()

	if result.Healthy {
		metrics.ProbesTotal.WithLabelValues("healthy").Inc()
	} else {
		metrics.ProbesTotal.WithLabelValues("unhealthy").Inc()
		logger.Debug().Str("message", result.Message).Msg("Host probe failed")
	}

	m.mu.Lock()
	st, ok := m.statuses[h.ID]
	if !ok {
		st = NewStatus()
		m.statuses[h.ID] = st
	}
	if st.Update(result, m.config) {
		logger.Debug().Bool("healthy", st.Healthy).Msg("Probe status changed")
	}
	healthy, successes := st.Healthy, st.Successes
	m.mu.Unlock()

	// An online host that is still pending belongs to discovery.
	recovering := h.State == types.HostStateDown
	switch {
	case h.State == types.HostStateOnline && !healthy:
		if err := m.tree.SetHostState(h.ID, types.HostStateDown); err != nil {
			logger.Warn().Err(err).Msg("Failed to mark host down")
			break
		}
		if err := m.tree.BeginHostUpdate(h.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to flag host for rediscovery")
		}
		logger.Warn().Str("message", result.Message).Msg("Host marked down")

	case recovering && healthy && successes >= m.config.Successes:
		if _, err := m.tree.CompleteHostUpdate(h.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to bring host online")
			break
		}
		logger.Info().Msg("Host back online")
		if m.failback != nil {
			m.failback.Trigger(h.ID)
		}
	}
	return healthy
}

// checkerFor picks the first path of the host whose own port is usable and
// probes the lowest LUN it reaches. The host's down state is ignored so a
// down host can still be probed.
func (m *Monitor) checkerFor(hostID int) Checker {
	for _, ref := range m.tree.PathsOnHost(hostID) {
		dev, err := m.tree.Device(ref.DeviceID)
		if err != nil {
			continue
		}
		p := dev.Paths.Get(ref.PathID)
		if p == nil || p.Flags.Has(types.PathDead) || p.Port.State == types.PortStateDead {
			continue
		}
		lun := 0
		if luns := p.Enabled.Luns(); len(luns) > 0 {
			lun = luns[0]
		}
		target := scsi.Target{HostID: hostID, Port: p.Port}
		return NewTURChecker(m.issuer, target, lun).WithTimeout(m.config.Timeout)
	}
	return nil
}
