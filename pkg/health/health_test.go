package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIssuer answers TEST UNIT READY per host
type fakeIssuer struct {
	mu      sync.Mutex
	results map[int]scsi.Result
	errs    map[int]error
	seen    []scsi.Target
}

func newFakeIssuer() *fakeIssuer {
	return &fakeIssuer{results: map[int]scsi.Result{}, errs: map[int]error{}}
}

func (f *fakeIssuer) set(hostID int, res scsi.Result, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[hostID] = res
	f.errs[hostID] = err
}

func (f *fakeIssuer) IssueCommand(ctx context.Context, target scsi.Target, lun int, cdb []byte, timeout time.Duration) (scsi.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, target)
	if err := f.errs[target.HostID]; err != nil {
		return scsi.Result{}, err
	}
	if res, ok := f.results[target.HostID]; ok {
		return res, nil
	}
	return scsi.Result{Status: scsi.CompletionGood}, nil
}

func (f *fakeIssuer) ResetLun(ctx context.Context, target scsi.Target, lun int) error { return nil }
func (f *fakeIssuer) Logout(ctx context.Context, target scsi.Target) error             { return nil }

type fakeTrigger struct {
	mu    sync.Mutex
	hosts []int
}

func (f *fakeTrigger) Trigger(hostID int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hosts = append(f.hosts, hostID)
}

func (f *fakeTrigger) Hosts() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.hosts...)
}

func TestStatusUpdate(t *testing.T) {
	cfg := Config{Retries: 3, Successes: 2}
	st := NewStatus()
	assert.True(t, st.Healthy)

	fail := Result{Healthy: false, CheckedAt: time.Now()}
	ok := Result{Healthy: true, CheckedAt: time.Now()}

	assert.False(t, st.Update(fail, cfg))
	assert.False(t, st.Update(fail, cfg))
	assert.True(t, st.Healthy, "below retry threshold")
	assert.True(t, st.Update(fail, cfg))
	assert.False(t, st.Healthy)
	assert.Equal(t, 3, st.Failures)

	st.Update(ok, cfg)
	assert.False(t, st.Healthy, "one success is not enough")
	assert.Zero(t, st.Failures)
	assert.True(t, st.Update(ok, cfg))
	assert.True(t, st.Healthy)
	assert.Equal(t, 2, st.Successes)
}

func TestTURChecker(t *testing.T) {
	target := scsi.Target{HostID: 1, Port: types.TargetPort{WWPN: "wwpn-1"}}

	tests := []struct {
		name    string
		res     scsi.Result
		err     error
		healthy bool
	}{
		{name: "good", res: scsi.Result{Status: scsi.CompletionGood}, healthy: true},
		{name: "standby answers", res: scsi.Result{Status: scsi.CompletionCheckCondition, Sense: scsi.FixedSense(scsi.SenseNotReady, 0x04, 0x0b)}, healthy: true},
		{name: "busy", res: scsi.Result{Status: scsi.CompletionBusy}, healthy: true},
		{name: "transport error", res: scsi.Result{Status: scsi.CompletionTransportError}, healthy: false},
		{name: "timeout", res: scsi.Result{Status: scsi.CompletionTimeout}, healthy: false},
		{name: "issuer error", err: errors.New("adapter gone"), healthy: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issuer := newFakeIssuer()
			issuer.set(1, tt.res, tt.err)
			checker := NewTURChecker(issuer, target, 5).WithTimeout(time.Second)

			result := checker.Check(context.Background())
			assert.Equal(t, tt.healthy, result.Healthy, result.Message)
			assert.False(t, result.CheckedAt.IsZero())
		})
	}
}

func newTree(t *testing.T) *registry.Registry {
	t.Helper()
	reg := registry.New(config.DefaultParams())
	dev, err := reg.FindOrCreateDevice([]string{"wwn-d"}, types.PolicyStandard)
	require.NoError(t, err)
	for h := 0; h < 2; h++ {
		_, err := reg.AttachHost(registry.HostSpec{ID: h, FailoverEnabled: true})
		require.NoError(t, err)
		_, err = reg.FindOrCreatePath(h, dev.ID, types.TargetPort{WWPN: fmt.Sprintf("wwpn-%d", h), Target: h})
		require.NoError(t, err)
	}
	_, err = reg.FindOrCreateLun(dev.ID, "wwlun-3", 3)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterLunPath(dev.ID, 3, 0, 0, true))
	require.NoError(t, reg.RegisterLunPath(dev.ID, 3, 1, 1, false))
	return reg
}

func TestMonitorMarksHostDownAndBack(t *testing.T) {
	reg := newTree(t)
	issuer := newFakeIssuer()
	trigger := &fakeTrigger{}
	cfg := Config{Interval: time.Hour, Timeout: time.Second, Retries: 2, Successes: 2}
	mon := NewMonitor(reg, issuer, trigger, cfg)
	ctx := context.Background()

	issuer.set(0, scsi.Result{Status: scsi.CompletionTransportError}, nil)
	mon.CheckAll(ctx)
	host, err := reg.Host(0)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateOnline, host.State, "one failure is tolerated")

	mon.CheckAll(ctx)
	host, err = reg.Host(0)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateDown, host.State)
	assert.True(t, host.Flags.Has(types.HostNeedsUpdate))

	other, err := reg.Host(1)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateOnline, other.State)

	// the down host is still probed through its own port
	issuer.set(0, scsi.Result{Status: scsi.CompletionGood}, nil)
	mon.CheckAll(ctx)
	assert.Empty(t, trigger.Hosts())
	mon.CheckAll(ctx)

	host, err = reg.Host(0)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateOnline, host.State)
	assert.False(t, host.Flags.Has(types.HostNeedsUpdate))
	assert.Equal(t, []int{0}, trigger.Hosts())

	st, ok := mon.Status(0)
	require.True(t, ok)
	assert.True(t, st.Healthy)
	assert.Equal(t, 2, st.Successes)
}

func TestMonitorLeavesPendingOnlineHostToDiscovery(t *testing.T) {
	reg := newTree(t)
	issuer := newFakeIssuer()
	trigger := &fakeTrigger{}
	cfg := Config{Interval: time.Hour, Timeout: time.Second, Retries: 2, Successes: 2}
	mon := NewMonitor(reg, issuer, trigger, cfg)

	for i := 0; i < 4; i++ {
		mon.CheckAll(context.Background())
	}

	for _, id := range []int{0, 1} {
		host, err := reg.Host(id)
		require.NoError(t, err)
		assert.Equal(t, types.HostStateOnline, host.State)
		assert.True(t, host.Flags.Has(types.HostNeedsUpdate), "host %d stays pending until discovery completes", id)
	}
	assert.Empty(t, trigger.Hosts())
}

func TestMonitorSkipsDisabledAndPathless(t *testing.T) {
	reg := newTree(t)
	_, err := reg.AttachHost(registry.HostSpec{ID: 7})
	require.NoError(t, err)
	require.NoError(t, reg.SetHostDisabled(1, true))

	issuer := newFakeIssuer()
	mon := NewMonitor(reg, issuer, nil, DefaultConfig())
	mon.CheckAll(context.Background())

	require.Len(t, issuer.seen, 1)
	assert.Equal(t, 0, issuer.seen[0].HostID)
	_, ok := mon.Status(7)
	assert.False(t, ok, "host without paths is not probed")
}

func TestMonitorStartStop(t *testing.T) {
	reg := newTree(t)
	issuer := newFakeIssuer()
	mon := NewMonitor(reg, issuer, nil, Config{Interval: 10 * time.Millisecond, Timeout: time.Second, Retries: 1, Successes: 1})
	mon.Start()
	defer mon.Stop()

	assert.Eventually(t, func() bool {
		_, ok := mon.Status(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
