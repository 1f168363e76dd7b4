package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/mpathd/pkg/admin"
	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/failover"
	"github.com/cuemby/mpathd/pkg/scsi"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const topology = `
hosts:
  - id: 0
    ports:
      - wwnn: wwnn-d
        wwpn: wwpn-0
        luns:
          - {number: 5, wwlun: wwlun-5, preferred: true}
  - id: 1
    ports:
      - wwnn: wwnn-d
        wwpn: wwpn-1
        luns:
          - {number: 5, wwlun: wwlun-5}
`

type chanDispatcher chan *types.Command

func (d chanDispatcher) Release(cmd *types.Command) { d <- cmd }

func testConfig(t *testing.T, dataDir string) config.Daemon {
	t.Helper()
	cfg := config.DefaultDaemon()
	cfg.DataDir = dataDir
	cfg.AdminAddr = ""
	cfg.FailbackInterval = 0
	cfg.SpinupBackoff = time.Millisecond
	cfg.CommandTimeout = time.Second
	return cfg
}

func newTestManager(t *testing.T, dataDir string) (*Manager, chanDispatcher) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(topology), 0o600))

	dispatcher := make(chanDispatcher, 16)
	m, err := NewManager(testConfig(t, dataDir), scsi.NewLogIssuer(), dispatcher)
	require.NoError(t, err)
	require.NoError(t, m.LoadTopology(path))
	return m, dispatcher
}

func currentPath(t *testing.T, m *Manager) int {
	t.Helper()
	dev, err := m.Registry().DeviceByName("wwnn-d")
	require.NoError(t, err)
	return dev.Paths.Current[5]
}

func TestFailoverAndFailback(t *testing.T) {
	m, dispatcher := newTestManager(t, t.TempDir())
	defer m.Close()
	ctx := context.Background()

	require.Equal(t, 0, currentPath(t, m))
	dev, err := m.Registry().DeviceByName("wwnn-d")
	require.NoError(t, err)

	cmd := types.NewCommand(dev.ID, 5, 0, 0)
	bad := scsi.Result{Status: scsi.CompletionTransportError}
	assert.Equal(t, failover.RetrySame, m.CompleteCommand(cmd, bad, 0))
	assert.Equal(t, types.ErrorClassLink, cmd.ErrorClass)
	assert.Equal(t, failover.RetrySame, m.CompleteCommand(cmd, bad, 0))
	assert.Equal(t, failover.PendingFailover, m.CompleteCommand(cmd, bad, 0))

	require.NoError(t, m.HostDown(0))
	assert.Equal(t, 1, m.Engine().Drain(ctx))
	released := <-dispatcher
	assert.Equal(t, types.CommandBusy, released.State)
	assert.Equal(t, 1, released.PathID)
	assert.Equal(t, 1, currentPath(t, m))

	// good completions are accounted on the new path
	m.CompleteCommand(released, scsi.Result{Status: scsi.CompletionGood}, 4096)
	snap, st := m.Service().GetHostStats(1)
	require.Equal(t, admin.StatusOk, st)
	assert.Equal(t, uint64(1), snap.IOs)
	assert.Equal(t, uint64(4096), snap.Bytes)

	require.NoError(t, m.HostUpdated(0))
	n, err := m.Failback().RunHost(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, currentPath(t, m))
	assert.Zero(t, m.Engine().Ledger().PathRetries(dev.ID, 5, 0))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, types.ErrorClassLink, ClassifyError(scsi.Result{Status: scsi.CompletionTimeout}))
	assert.Equal(t, types.ErrorClassLink, ClassifyError(scsi.Result{Status: scsi.CompletionTransportError}))
	assert.Equal(t, types.ErrorClassPath, ClassifyError(scsi.Result{Status: scsi.CompletionCheckCondition}))
	assert.Equal(t, types.ErrorClassPath, ClassifyError(scsi.Result{Status: scsi.CompletionBusy}))
}

func TestSettingsSurviveRestart(t *testing.T) {
	dataDir := t.TempDir()

	m, _ := newTestManager(t, dataDir)
	dev, err := m.Registry().DeviceByName("wwnn-d")
	require.NoError(t, err)
	_, st := m.Service().SetParams(config.Params{MaxRetriesPerPath: 5})
	require.Equal(t, admin.StatusOk, st)
	require.Equal(t, admin.StatusOk, m.Service().SetControlByte(dev.ID, 0x11))

	var masks types.PathMasks
	masks.Enabled.Set(5)
	masks.Enabled.Set(9)
	masks.Masked.Set(9)
	require.Equal(t, admin.StatusOk, m.Service().SetLunMasks(dev.ID, 1, masks))
	require.NoError(t, m.Close())

	m, _ = newTestManager(t, dataDir)
	defer m.Close()

	assert.Equal(t, 5, m.Registry().Params().MaxRetriesPerPath)
	dev, err = m.Registry().DeviceByName("wwnn-d")
	require.NoError(t, err)
	assert.Equal(t, uint8(0x11), dev.ControlByte)
	got, err := m.Registry().LunMasks(dev.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, masks, got)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newTestManager(t, t.TempDir())
	defer m.Close()
	m.cfg.AdminAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not stop")
	}
}
