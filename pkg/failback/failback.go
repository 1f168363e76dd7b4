package failback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/failover"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// Tree is the part of the registry failback reads and updates
type Tree interface {
	Device(id int) (*types.Device, error)
	Host(id int) (*types.Host, error)
	Hosts() []*types.Host
	HostStats(id int) (*types.HostStats, error)
	PathsOnHost(hostID int) []registry.PathRef
	SetCurrentPath(deviceID, lun, pathID int) (int, error)
}

// RetryResetter clears the retry counters of a LUN
type RetryResetter interface {
	ResetLun(deviceID, lun int) int
}

// Scheduler moves LUNs back to their preferred path once the host owning
// that path has finished rediscovery
type Scheduler struct {
	tree     Tree
	notifier failover.Notifier
	ledger   RetryResetter
	locks    *failover.LunLocks
	broker   *events.Broker
	interval time.Duration
	triggers chan int
	logger   zerolog.Logger
}

// New creates a failback scheduler. interval enables a periodic sweep over
// every online host; zero disables it.
func New(tree Tree, notifier failover.Notifier, ledger RetryResetter, locks *failover.LunLocks, broker *events.Broker, interval time.Duration) *Scheduler {
	if locks == nil {
		locks = failover.NewLunLocks()
	}
	return &Scheduler{
		tree:     tree,
		notifier: notifier,
		ledger:   ledger,
		locks:    locks,
		broker:   broker,
		interval: interval,
		triggers: make(chan int, 64),
		logger:   log.WithComponent("failback"),
	}
}

// Trigger asks for a failback pass over hostID. It never blocks; when the
// trigger backlog is full the next sweep covers the host.
func (s *Scheduler) Trigger(hostID int) {
	select {
	case s.triggers <- hostID:
	default:
		s.logger.Warn().Int("host_id", hostID).Msg("Failback trigger dropped")
	}
}

// Run processes triggers and runs the periodic sweep until ctx is done
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval > 0 {
		cron, err := gocron.NewScheduler()
		if err != nil {
			return fmt.Errorf("failed to create failback scheduler: %w", err)
		}
		_, err = cron.NewJob(
			gocron.DurationJob(s.interval),
			gocron.NewTask(func() { s.Sweep(ctx) }),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("failed to register failback sweep: %w", err)
		}
		cron.Start()
		defer func() { _ = cron.Shutdown() }()
	}

	s.logger.Info().Dur("sweep_interval", s.interval).Msg("Failback scheduler started")
	for {
		select {
		case hostID := <-s.triggers:
			if _, err := s.RunHost(ctx, hostID); err != nil {
				s.logger.Warn().Err(err).Int("host_id", hostID).Msg("Failback pass failed")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("Failback scheduler stopped")
			return nil
		}
	}
}

// Sweep runs a failback pass over every online host
func (s *Scheduler) Sweep(ctx context.Context) int {
	restored := 0
	for _, h := range s.tree.Hosts() {
		if !h.Online() || h.Flags.Has(types.HostNeedsUpdate) {
			continue
		}
		n, err := s.RunHost(ctx, h.ID)
		if err != nil {
			s.logger.Warn().Err(err).Int("host_id", h.ID).Msg("Failback pass failed")
		}
		restored += n
	}
	return restored
}

// RunHost restores every LUN whose preferred path belongs to hostID and is
// healthy. It returns the number of LUNs moved.
func (s *Scheduler) RunHost(ctx context.Context, hostID int) (int, error) {
	host, err := s.tree.Host(hostID)
	if err != nil {
		return 0, err
	}
	if !host.Online() {
		return 0, nil
	}

	byDevice := make(map[int][]int)
	for _, ref := range s.tree.PathsOnHost(hostID) {
		byDevice[ref.DeviceID] = append(byDevice[ref.DeviceID], ref.PathID)
	}
	deviceIDs := make([]int, 0, len(byDevice))
	for id := range byDevice {
		deviceIDs = append(deviceIDs, id)
	}
	sort.Ints(deviceIDs)

	restored := 0
	for _, devID := range deviceIDs {
		dev, err := s.tree.Device(devID)
		if err != nil {
			continue
		}
		for _, pathID := range byDevice[devID] {
			p := dev.Paths.Get(pathID)
			if p == nil || !eligible(p) {
				continue
			}
			for _, lun := range p.Preferred.Luns() {
				if ctx.Err() != nil {
					return restored, ctx.Err()
				}
				if _, ok := dev.Luns[lun]; !ok {
					continue
				}
				if s.restore(ctx, devID, lun, pathID) {
					restored++
				}
			}
		}
	}
	return restored, nil
}

func eligible(p *types.Path) bool {
	return !p.Dead() && !p.Flags.Has(types.PathFailbackDisabled)
}

// restore moves one LUN back to its preferred path under the LUN's lock
func (s *Scheduler) restore(ctx context.Context, deviceID, lun, pathID int) bool {
	unlock := s.locks.Lock(deviceID, lun)
	defer unlock()

	logger := log.WithLun(deviceID, lun)

	// re-read under the lock: a failover may have run in between
	dev, err := s.tree.Device(deviceID)
	if err != nil {
		return false
	}
	to := dev.Paths.Get(pathID)
	if to == nil || !eligible(to) || !to.Preferred.Has(lun) {
		return false
	}
	cur, ok := dev.Paths.Current[lun]
	if ok && cur == pathID {
		return false
	}

	if from := dev.Paths.Get(cur); ok && from != nil {
		if err := s.notifier.Notify(ctx, dev, lun, from, to); err != nil {
			logger.Warn().Err(err).Int("from", cur).Int("to", pathID).Msg("Failback notification failed")
		}
	}

	if _, err := s.tree.SetCurrentPath(deviceID, lun, pathID); err != nil {
		logger.Warn().Err(err).Int("to", pathID).Msg("Failback switch failed")
		return false
	}
	reset := s.ledger.ResetLun(deviceID, lun)

	metrics.FailbacksTotal.Inc()
	if stats, err := s.tree.HostStats(to.HostID); err == nil {
		stats.Failbacks.Add(1)
	}
	logger.Info().
		Int("from", cur).
		Int("to", pathID).
		Int("counters_reset", reset).
		Msg("LUN failed back to preferred path")
	s.broker.Publish(events.NewEvent(events.EventPathFailback, "lun restored to preferred path").
		With("device_id", deviceID).With("lun", lun).With("from", cur).With("to", pathID))
	return true
}
