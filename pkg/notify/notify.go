package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/metrics"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Config holds notification pacing and spin-up polling settings
type Config struct {
	// Rate and Burst bound notifications per host
	Rate  float64
	Burst int

	// SpinupRetries is the number of START UNIT retries after the first
	// attempt, spaced by the constant SpinupBackoff delay
	SpinupRetries int
	SpinupBackoff time.Duration

	// Timeout applies to each command issued
	Timeout time.Duration
}

// DefaultConfig returns the notification defaults
func DefaultConfig() Config {
	return Config{
		Rate:          10,
		Burst:         5,
		SpinupRetries: 10,
		SpinupBackoff: time.Second,
		Timeout:       30 * time.Second,
	}
}

// Notifier issues the configured action for a path switch. All actions are
// best effort: a failure is reported as ErrNotifyFailed and the caller
// proceeds with the switch.
type Notifier struct {
	issuer   scsi.Issuer
	defaults func() types.NotifySettings
	cfg      Config
	broker   *events.Broker
	logger   zerolog.Logger

	mu       sync.Mutex
	limiters map[int]*rate.Limiter
}

// New creates a notifier. defaults supplies the global policy used for
// devices without an override.
func New(issuer scsi.Issuer, defaults func() types.NotifySettings, cfg Config, broker *events.Broker) *Notifier {
	if cfg.Rate <= 0 {
		cfg.Rate = float64(rate.Inf)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &Notifier{
		issuer:   issuer,
		defaults: defaults,
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("notifier"),
		limiters: make(map[int]*rate.Limiter),
	}
}

// Settings returns the policy in effect for a device
func (n *Notifier) Settings(dev *types.Device) types.NotifySettings {
	if dev.Notify != nil {
		return *dev.Notify
	}
	return n.defaults()
}

// Notify runs the device's notification policy for a switch of lun from one
// path to another
func (n *Notifier) Notify(ctx context.Context, dev *types.Device, lun int, from, to *types.Path) error {
	settings := n.Settings(dev)
	if settings.Type == types.NotifyNone || settings.Type == "" {
		return nil
	}

	timer := metrics.NewTimer()
	err := n.run(ctx, settings, lun, from, to)
	timer.ObserveDurationVec(metrics.NotifyDuration, string(settings.Type))

	if err == nil {
		metrics.NotificationsTotal.WithLabelValues(string(settings.Type), "ok").Inc()
		n.logger.Debug().
			Int("device_id", dev.ID).
			Int("lun", lun).
			Int("from", from.ID).
			Int("to", to.ID).
			Str("type", string(settings.Type)).
			Msg("Path switch notified")
		return nil
	}

	err = fmt.Errorf("%s for device %d lun %d: %w: %v", settings.Type, dev.ID, lun, types.ErrNotifyFailed, err)
	metrics.NotificationsTotal.WithLabelValues(string(settings.Type), "failed").Inc()
	n.logger.Warn().Err(err).
		Int("device_id", dev.ID).
		Int("lun", lun).
		Int("from", from.ID).
		Int("to", to.ID).
		Msg("Notification failed")
	n.broker.Publish(events.NewEvent(events.EventNotifyFailed, err.Error()).
		With("device_id", dev.ID).With("lun", lun).With("from", from.ID).With("to", to.ID))
	return err
}

func (n *Notifier) run(ctx context.Context, s types.NotifySettings, lun int, from, to *types.Path) error {
	old := target(from)

	switch s.Type {
	case types.NotifyLunReset, types.NotifyLogoutOrLunReset:
		if err := n.wait(ctx, from.HostID); err != nil {
			return err
		}
		if err := n.issuer.ResetLun(ctx, old, lun); err != nil {
			return fmt.Errorf("lun reset on %s: %w", old, err)
		}
		if needsRelogin(from, to) {
			if err := n.issuer.Logout(ctx, old); err != nil {
				return fmt.Errorf("logout on %s: %w", old, err)
			}
		}
		return nil

	case types.NotifyCdb, types.NotifyLogoutOrCdb:
		if err := n.wait(ctx, from.HostID); err != nil {
			return err
		}
		if s.Type == types.NotifyLogoutOrCdb && needsRelogin(from, to) {
			if err := n.issuer.Logout(ctx, old); err != nil {
				return fmt.Errorf("logout on %s: %w", old, err)
			}
		}
		res, err := n.issuer.IssueCommand(ctx, old, lun, s.Cdb, n.cfg.Timeout)
		if err != nil {
			return fmt.Errorf("vendor command on %s: %w", old, err)
		}
		if !res.OK() {
			return fmt.Errorf("vendor command on %s: %s", old, describe(res))
		}
		return nil

	case types.NotifySpinup:
		if err := n.wait(ctx, to.HostID); err != nil {
			return err
		}
		return n.spinup(ctx, target(to), lun)
	}
	return fmt.Errorf("unsupported notify type %q", s.Type)
}

// spinup sends START UNIT to the new path's target and repeats it while the
// unit reports that it needs starting, giving up after SpinupRetries retries
func (n *Notifier) spinup(ctx context.Context, t scsi.Target, lun int) error {
	attempt := 0
	op := func() error {
		attempt++
		res, err := n.issuer.IssueCommand(ctx, t, lun, scsi.StartUnit(false), n.cfg.Timeout)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("start unit on %s: %w", t, err))
		}
		if res.OK() {
			return nil
		}
		sense, ok := scsi.ParseSense(res.Sense)
		if res.Status == scsi.CompletionCheckCondition && ok && sense.NeedsStart() {
			return errNotReady{sense}
		}
		return backoff.Permanent(fmt.Errorf("start unit on %s: %s", t, describe(res)))
	}
	notify := func(err error, wait time.Duration) {
		n.logger.Debug().
			Str("target", t.String()).
			Int("lun", lun).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("Unit not ready, polling")
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(n.cfg.SpinupBackoff), uint64(n.cfg.SpinupRetries)), ctx)
	err := backoff.RetryNotify(op, b, notify)

	var nr errNotReady
	if errors.As(err, &nr) {
		return fmt.Errorf("start unit on %s: still not ready after %d attempts (%s)", t, attempt, nr.sense)
	}
	return err
}

type errNotReady struct{ sense scsi.Sense }

func (e errNotReady) Error() string { return "not ready: " + e.sense.String() }

func (n *Notifier) wait(ctx context.Context, hostID int) error {
	n.mu.Lock()
	limiter, ok := n.limiters[hostID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(n.cfg.Rate), n.cfg.Burst)
		n.limiters[hostID] = limiter
	}
	n.mu.Unlock()

	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit for host %d: %w", hostID, err)
	}
	return nil
}

// needsRelogin reports a switch between hosts that reach the same remote
// port, where a fabric logout forces a clean re-login
func needsRelogin(from, to *types.Path) bool {
	return from.HostID != to.HostID && from.Port.SameTarget(to.Port)
}

func target(p *types.Path) scsi.Target {
	return scsi.Target{HostID: p.HostID, Port: p.Port}
}

func describe(res scsi.Result) string {
	if sense, ok := scsi.ParseSense(res.Sense); ok {
		return fmt.Sprintf("%s (%s)", res.Status, sense)
	}
	return string(res.Status)
}
