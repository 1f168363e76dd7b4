package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/selector"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testLun = 5

type notifyCall struct {
	from, to int
	current  int // current path of the LUN when the notification ran
}

type fakeNotifier struct {
	mu    sync.Mutex
	reg   *registry.Registry
	err   error
	calls []notifyCall
}

func (f *fakeNotifier) Notify(ctx context.Context, dev *types.Device, lun int, from, to *types.Path) error {
	live, _ := f.reg.Device(dev.ID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, notifyCall{from: from.ID, to: to.ID, current: live.Paths.Current[lun]})
	return f.err
}

func (f *fakeNotifier) Calls() []notifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notifyCall(nil), f.calls...)
}

type fakeDispatcher struct {
	released chan *types.Command
}

func newDispatcher() *fakeDispatcher {
	return &fakeDispatcher{released: make(chan *types.Command, 64)}
}

func (d *fakeDispatcher) Release(cmd *types.Command) { d.released <- cmd }

func (d *fakeDispatcher) next(t *testing.T) *types.Command {
	t.Helper()
	select {
	case cmd := <-d.released:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command released")
		return nil
	}
}

type fakeProber map[int]types.ActiveState

func (f fakeProber) ProbeActive(ctx context.Context, dev *types.Device, lun int, path *types.Path) (types.ActiveState, error) {
	return f[path.ID], nil
}

type fixture struct {
	reg        *registry.Registry
	engine     *Engine
	notifier   *fakeNotifier
	dispatcher *fakeDispatcher
	devID      int
}

// newFixture builds device D with paths P0 (visible, preferred), P1 and P2
// on hosts 0..2 and lun 5 enabled on all of them
func newFixture(t *testing.T, params config.Params, policy types.CombinePolicy, prober selector.Prober) *fixture {
	t.Helper()

	reg := registry.New(params)
	dev, err := reg.FindOrCreateDevice([]string{"wwn-d"}, policy)
	require.NoError(t, err)
	for h := 0; h < 3; h++ {
		_, err := reg.AttachHost(registry.HostSpec{ID: h, FailoverEnabled: true})
		require.NoError(t, err)
		_, err = reg.FindOrCreatePath(h, dev.ID, types.TargetPort{WWPN: fmt.Sprintf("wwpn-%d", h), Target: h})
		require.NoError(t, err)
	}
	_, err = reg.FindOrCreateLun(dev.ID, "wwlun-5", testLun)
	require.NoError(t, err)
	for p := 0; p < 3; p++ {
		require.NoError(t, reg.RegisterLunPath(dev.ID, testLun, p, uint64(p), p == 0))
	}

	notifier := &fakeNotifier{reg: reg}
	dispatcher := newDispatcher()
	engine := NewEngine(reg, selector.New(prober), notifier, dispatcher, NewQueue(4), Config{Workers: 2, Sweep: 10 * time.Millisecond})
	return &fixture{reg: reg, engine: engine, notifier: notifier, dispatcher: dispatcher, devID: dev.ID}
}

func (f *fixture) current(t *testing.T) int {
	t.Helper()
	dev, err := f.reg.Device(f.devID)
	require.NoError(t, err)
	return dev.Paths.Current[testLun]
}

func TestRetryEscalation(t *testing.T) {
	params := config.DefaultParams()
	params.MaxPathsPerDevice = 2
	params.MaxRetriesPerPath = 3
	params.MaxRetriesPerIo = 0
	params = params.Normalize()
	require.Equal(t, 7, params.MaxRetriesPerIo)

	queue := NewQueue(1)
	ledger := NewLedger(func() config.Params { return params }, queue)
	cmd := types.NewCommand(0, testLun, 0, 0)

	want := []Decision{RetrySame, RetrySame, PendingFailover, RetrySame, RetrySame, PendingFailover, RetrySame}
	for i, d := range want {
		assert.Equal(t, d, ledger.CountRetry(cmd, true), "retry %d", i+1)
		if i == 2 {
			assert.Equal(t, 1, queue.Len(), "one entry after MaxRetriesPerPath retries")
			assert.True(t, ledger.Busy(0, testLun))
		}
	}
	assert.Equal(t, 2, queue.Len())
	assert.Equal(t, 7, ledger.Retries(cmd.ID))

	assert.Equal(t, NoRetry, ledger.CountRetry(cmd, true))
	assert.Equal(t, types.CommandFailed, cmd.State)
	assert.ErrorIs(t, cmd.Err, types.ErrTargetUnreachable)
	assert.Equal(t, 0, ledger.Retries(cmd.ID), "counter reset")
	assert.Equal(t, 2, queue.Len(), "no entry for a failed command")
}

func TestLedgerResetLun(t *testing.T) {
	queue := NewQueue(1)
	ledger := NewLedger(config.DefaultParams, queue)

	for _, pathID := range []int{0, 1, 1} {
		ledger.CountRetry(types.NewCommand(0, testLun, pathID, pathID), true)
	}
	ledger.CountRetry(types.NewCommand(0, 6, 1, 1), true)
	assert.Equal(t, uint64(2), ledger.PathRetries(0, testLun, 1))

	assert.Equal(t, 2, ledger.ResetLun(0, testLun))
	assert.Zero(t, ledger.PathRetries(0, testLun, 0))
	assert.Zero(t, ledger.PathRetries(0, testLun, 1))
	assert.Equal(t, uint64(1), ledger.PathRetries(0, 6, 1), "other luns keep their counters")
}

func TestLedgerResetLunRestoresPathBudget(t *testing.T) {
	queue := NewQueue(2)
	ledger := NewLedger(config.DefaultParams, queue)

	cmd := types.NewCommand(0, testLun, 0, 0)
	other := types.NewCommand(0, 6, 0, 0)
	for _, want := range []Decision{RetrySame, RetrySame, PendingFailover} {
		require.Equal(t, want, ledger.CountRetry(cmd, true))
	}
	cmd.PathID, cmd.HostID = 1, 1
	require.Equal(t, RetrySame, ledger.CountRetry(cmd, true))
	require.Equal(t, RetrySame, ledger.CountRetry(other, true))

	ledger.ResetLun(0, testLun)
	assert.Equal(t, 3, ledger.Retries(cmd.ID), "total kept toward the per-io budget")
	assert.Equal(t, 1, ledger.Retries(other.ID), "other luns untouched")

	cmd.PathID, cmd.HostID = 0, 0
	for i, want := range []Decision{RetrySame, RetrySame, PendingFailover} {
		assert.Equal(t, want, ledger.CountRetry(cmd, true), "retry %d after reset", i+1)
	}
	assert.Equal(t, 2, queue.Len())
}

func TestLedgerWithoutFailoverRetriesInPlace(t *testing.T) {
	params := config.DefaultParams()
	params.MaxPathsPerDevice = 2
	params.MaxRetriesPerPath = 2
	params.MaxRetriesPerIo = 0
	params = params.Normalize()

	queue := NewQueue(1)
	ledger := NewLedger(func() config.Params { return params }, queue)
	cmd := types.NewCommand(0, testLun, 0, 0)

	for i := 0; i < params.MaxRetriesPerIo; i++ {
		require.Equal(t, RetrySame, ledger.CountRetry(cmd, false), "retry %d", i+1)
	}
	assert.Zero(t, queue.Len())
	assert.False(t, ledger.Busy(0, testLun))
	assert.Equal(t, NoRetry, ledger.CountRetry(cmd, false))
}

func TestLedgerZeroLimits(t *testing.T) {
	queue := NewQueue(1)
	ledger := NewLedger(func() config.Params { return config.Params{} }, queue)
	cmd := types.NewCommand(0, testLun, 0, 0)

	assert.NotPanics(t, func() {
		assert.Equal(t, PendingFailover, ledger.CountRetry(cmd, true))
		assert.Equal(t, NoRetry, ledger.CountRetry(cmd, true))
		ledger.ResetLun(0, testLun)
	})
}

func TestLedgerBusyRelease(t *testing.T) {
	ledger := NewLedger(config.DefaultParams, NewQueue(1))
	assert.False(t, ledger.Busy(0, 1))

	ledger.busy.Store(LunKey{0, 1}, 2)
	ledger.Release(0, 1)
	assert.True(t, ledger.Busy(0, 1))
	ledger.Release(0, 1)
	assert.False(t, ledger.Busy(0, 1))
	ledger.Release(0, 1)
	assert.False(t, ledger.Busy(0, 1))
}

func TestQueueFIFOPerHost(t *testing.T) {
	q := NewQueue(1)
	a1 := types.NewCommand(0, 0, 1, 0)
	a2 := types.NewCommand(0, 0, 1, 0)
	b1 := types.NewCommand(0, 0, 2, 1)
	q.Push(a1)
	q.Push(a2)
	q.Push(b1)
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 2, q.HostLen(1))
	assert.False(t, a1.QueuedAt.IsZero())

	// hosts are served in rotation, each in FIFO order
	var got []string
	for {
		cmd, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, cmd.ID)
	}
	assert.Equal(t, []string{a1.ID, b1.ID, a2.ID}, got)
	assert.Zero(t, q.Len())
}

func TestQueuePushNeverBlocks(t *testing.T) {
	q := NewQueue(2)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			q.Push(types.NewCommand(0, 0, i%3, 0))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push blocked on a full signal channel")
	}
	assert.Equal(t, 100, q.Len())
	assert.Len(t, q.Signal(), 2)
}

func TestQueueRemove(t *testing.T) {
	q := NewQueue(1)
	a := types.NewCommand(0, 0, 1, 0)
	b := types.NewCommand(0, 0, 1, 0)
	q.Push(a)
	q.Push(b)

	got, ok := q.Remove(a.ID)
	require.True(t, ok)
	assert.Equal(t, a, got)
	_, ok = q.Remove(a.ID)
	assert.False(t, ok)

	next, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, b.ID, next.ID)
}

func TestFailoverScenario(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyStandard, nil)
	require.Equal(t, 0, f.current(t))

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	cmd.ErrorClass = types.ErrorClassPath
	assert.Equal(t, RetrySame, f.engine.CountRetry(cmd))
	assert.Equal(t, RetrySame, f.engine.CountRetry(cmd))
	assert.Equal(t, PendingFailover, f.engine.CountRetry(cmd))
	assert.Equal(t, 1, f.engine.QueueDepth())

	assert.Equal(t, 1, f.engine.Drain(context.Background()))
	assert.Equal(t, 1, f.current(t))

	calls := f.notifier.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, notifyCall{from: 0, to: 1, current: 0}, calls[0], "notified before the switch")

	released := f.dispatcher.next(t)
	assert.Equal(t, cmd.ID, released.ID)
	assert.Equal(t, types.CommandBusy, released.State)
	assert.Equal(t, 1, released.PathID)
	assert.Equal(t, 1, released.HostID)
	assert.False(t, f.engine.Ledger().Busy(f.devID, testLun))

	stats, err := f.reg.HostStats(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Retries.Load())
	assert.Equal(t, uint64(1), stats.Failovers.Load())
	require.NoError(t, f.reg.Validate())
}

func TestFailoverSkippedWithoutHostFailover(t *testing.T) {
	reg := registry.New(config.DefaultParams())
	dev, err := reg.FindOrCreateDevice([]string{"wwn-d"}, types.PolicyStandard)
	require.NoError(t, err)
	for h := 0; h < 2; h++ {
		_, err := reg.AttachHost(registry.HostSpec{ID: h, FailoverEnabled: h == 1})
		require.NoError(t, err)
		_, err = reg.FindOrCreatePath(h, dev.ID, types.TargetPort{WWPN: fmt.Sprintf("wwpn-%d", h), Target: h})
		require.NoError(t, err)
	}
	_, err = reg.FindOrCreateLun(dev.ID, "wwlun-5", testLun)
	require.NoError(t, err)
	require.NoError(t, reg.RegisterLunPath(dev.ID, testLun, 0, 0, true))
	require.NoError(t, reg.RegisterLunPath(dev.ID, testLun, 1, 1, false))

	engine := NewEngine(reg, selector.New(nil), &fakeNotifier{reg: reg}, newDispatcher(), NewQueue(2), Config{})
	cmd := types.NewCommand(dev.ID, testLun, 0, 0)
	for i := 0; i < reg.Params().MaxRetriesPerIo; i++ {
		require.Equal(t, RetrySame, engine.CountRetry(cmd), "retry %d", i+1)
	}
	assert.Zero(t, engine.QueueDepth())
	assert.Equal(t, NoRetry, engine.CountRetry(cmd))

	cur, err := reg.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, cur.Paths.Current[testLun])
}

func TestFailoverRoundRobinThroughEngine(t *testing.T) {
	params := config.DefaultParams()
	params.MaxRetriesPerPath = 1
	params.MaxRetriesPerIo = 0
	f := newFixture(t, params, types.PolicyStandard, nil)

	var visited []int
	for i := 0; i < 3; i++ {
		cur := f.current(t)
		cmd := types.NewCommand(f.devID, testLun, cur, cur)
		require.Equal(t, PendingFailover, f.engine.CountRetry(cmd))
		f.engine.Drain(context.Background())
		f.dispatcher.next(t)
		visited = append(visited, f.current(t))
	}
	assert.Equal(t, []int{1, 2, 0}, visited)
}

func TestFailoverSmartLinkError(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyActiveStandbyArray, nil)

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	cmd.ErrorClass = types.ErrorClassLink
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}
	f.engine.Drain(context.Background())
	assert.Equal(t, 1, f.current(t), "first alternate host")
}

func TestFailoverWritesBackProbes(t *testing.T) {
	prober := fakeProber{1: types.ActiveStandby, 2: types.ActiveActive}
	f := newFixture(t, config.DefaultParams(), types.PolicyActiveStandbyArray, prober)

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	cmd.ErrorClass = types.ErrorClassPath
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}
	f.engine.Drain(context.Background())
	assert.Equal(t, 2, f.current(t))

	lun, err := f.reg.LunByWWLUN("wwlun-5")
	require.NoError(t, err)
	assert.Equal(t, types.ActiveStandby, lun.ActiveOn(1))
	assert.Equal(t, types.ActiveActive, lun.ActiveOn(2))
}

func TestFailoverNotifyFailureDoesNotBlockSwitch(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyStandard, nil)
	f.notifier.err = fmt.Errorf("reset: %w", types.ErrNotifyFailed)

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}
	f.engine.Drain(context.Background())

	assert.Equal(t, 1, f.current(t))
	assert.Equal(t, types.CommandBusy, f.dispatcher.next(t).State)
}

func TestFailoverSecondCommandFollowsFirst(t *testing.T) {
	params := config.DefaultParams()
	params.MaxRetriesPerPath = 1
	params.MaxRetriesPerIo = 0
	f := newFixture(t, params, types.PolicyStandard, nil)

	first := types.NewCommand(f.devID, testLun, 0, 0)
	second := types.NewCommand(f.devID, testLun, 0, 0)
	f.engine.CountRetry(first)
	f.engine.CountRetry(second)
	assert.Equal(t, 2, f.engine.Drain(context.Background()))

	assert.Equal(t, 1, f.current(t))
	assert.Len(t, f.notifier.Calls(), 1, "one switch for both commands")
	assert.Equal(t, 1, f.dispatcher.next(t).PathID)
	assert.Equal(t, 1, f.dispatcher.next(t).PathID)
}

func TestFailoverDeviceGone(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyStandard, nil)

	cmd := types.NewCommand(99, testLun, 0, 0)
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}
	f.engine.Drain(context.Background())

	released := f.dispatcher.next(t)
	assert.Equal(t, types.CommandFailed, released.State)
	assert.ErrorIs(t, released.Err, types.ErrDeviceNotFound)
}

func TestAbort(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyStandard, nil)

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}
	require.True(t, f.engine.Ledger().Busy(f.devID, testLun))

	assert.True(t, f.engine.Abort(cmd.ID))
	assert.False(t, f.engine.Abort(cmd.ID))
	assert.Zero(t, f.engine.QueueDepth())
	assert.False(t, f.engine.Ledger().Busy(f.devID, testLun))
	assert.Zero(t, f.engine.Drain(context.Background()))
	assert.Equal(t, 0, f.current(t))
}

func TestEngineRun(t *testing.T) {
	f := newFixture(t, config.DefaultParams(), types.PolicyStandard, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx) }()

	cmd := types.NewCommand(f.devID, testLun, 0, 0)
	for i := 0; i < 3; i++ {
		f.engine.CountRetry(cmd)
	}

	released := f.dispatcher.next(t)
	assert.Equal(t, 1, released.PathID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestLunLocksSerialize(t *testing.T) {
	locks := NewLunLocks()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(1, 5)
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)

	// distinct luns do not contend
	unlockA := locks.Lock(1, 5)
	unlockB := locks.Lock(1, 6)
	unlockA()
	unlockB()
}
