package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/storage"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBindings map[string]*storage.PathBinding

func (f fakeBindings) GetPathBinding(device string, hostID int, wwpn string) (*storage.PathBinding, error) {
	b, ok := f[fmt.Sprintf("%s/%d/%s", key(device), hostID, key(wwpn))]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b, nil
}

func port(i int) types.TargetPort {
	return types.TargetPort{
		WWNN:   fmt.Sprintf("20:00:00:00:00:00:00:%02x", i),
		WWPN:   fmt.Sprintf("21:00:00:00:00:00:00:%02x", i),
		Target: i,
	}
}

// threePathDevice builds device 0 with paths P0..P2, one per host, and lun 5
// reachable on all of them with P0 reporting preferred.
func threePathDevice(t *testing.T, r *Registry) *types.Device {
	t.Helper()

	dev, err := r.FindOrCreateDevice([]string{"50:06:01:60:aa:bb:cc:dd"}, types.PolicyStandard)
	require.NoError(t, err)
	for h := 0; h < 3; h++ {
		_, err := r.AttachHost(HostSpec{ID: h, FailoverEnabled: true})
		require.NoError(t, err)
		p, err := r.FindOrCreatePath(h, dev.ID, port(h))
		require.NoError(t, err)
		require.Equal(t, h, p.ID)
	}
	_, err = r.FindOrCreateLun(dev.ID, "600a0b80001", 5)
	require.NoError(t, err)
	for pid := 0; pid < 3; pid++ {
		require.NoError(t, r.RegisterLunPath(dev.ID, 5, pid, uint64(100+pid), pid == 0))
	}

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	return dev
}

func TestFindOrCreateDevice(t *testing.T) {
	r := New(config.DefaultParams())

	a, err := r.FindOrCreateDevice([]string{"WWN-A"}, "")
	require.NoError(t, err)
	assert.Equal(t, 0, a.ID)
	assert.Equal(t, types.PolicyStandard, a.Policy)

	// alternate name seen on another host joins the same device
	same, err := r.FindOrCreateDevice([]string{"wwn-a", "WWN-A2"}, "")
	require.NoError(t, err)
	assert.Equal(t, a.ID, same.ID)
	assert.ElementsMatch(t, []string{"WWN-A", "WWN-A2"}, same.Names)

	b, err := r.FindOrCreateDevice([]string{"WWN-B"}, types.PolicyActiveStandbyArray)
	require.NoError(t, err)
	assert.Equal(t, 1, b.ID)

	_, err = r.FindOrCreateDevice([]string{"WWN-A2", "WWN-B"}, "")
	assert.ErrorIs(t, err, types.ErrInvalidParam)

	_, err = r.FindOrCreateDevice(nil, "")
	assert.ErrorIs(t, err, types.ErrInvalidParam)

	byName, err := r.DeviceByName("wwn-a2")
	require.NoError(t, err)
	assert.Equal(t, a.ID, byName.ID)
	assert.Len(t, r.Devices(), 2)
}

func TestFindOrCreateDeviceExhaustion(t *testing.T) {
	r := New(config.DefaultParams())
	for i := 0; i < types.MaxDevices; i++ {
		_, err := r.FindOrCreateDevice([]string{fmt.Sprintf("wwn-%d", i)}, "")
		require.NoError(t, err)
	}

	_, err := r.FindOrCreateDevice([]string{"one-too-many"}, "")
	assert.ErrorIs(t, err, types.ErrNoMemory)

	_, err = r.DeviceByName("one-too-many")
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
}

func TestFindOrCreatePathReconciliation(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	assert.Equal(t, 0, dev.Paths.VisibleID)
	assert.True(t, dev.Paths.Get(0).Visible())
	assert.True(t, dev.Paths.Get(1).Flags.Has(types.PathHidden))
	assert.True(t, dev.Paths.Get(2).Flags.Has(types.PathHidden))
	assert.True(t, dev.Paths.Get(1).Flags.Has(types.PathUnconfigured))
	assert.Equal(t, 0, dev.Paths.Current[5])
	assert.True(t, dev.Paths.Get(0).Preferred.Has(5))

	for _, p := range dev.Paths.Paths {
		assert.True(t, p.Reaches(5), "path %d", p.ID)
	}

	// same host and port finds the existing path
	again, err := r.FindOrCreatePath(1, dev.ID, port(1))
	require.NoError(t, err)
	assert.Equal(t, 1, again.ID)

	require.NoError(t, r.Validate())
}

func TestLaterPreferredPathBecomesCurrent(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	require.NoError(t, r.RegisterLunPath(dev.ID, 5, 2, 102, true))

	dev, err := r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Paths.Current[5])
}

func TestFindOrCreatePathLimit(t *testing.T) {
	params := config.DefaultParams()
	params.MaxPathsPerDevice = 2
	r := New(params)

	dev, err := r.FindOrCreateDevice([]string{"wwn"}, "")
	require.NoError(t, err)
	for h := 0; h < 3; h++ {
		_, err := r.AttachHost(HostSpec{ID: h})
		require.NoError(t, err)
	}
	_, err = r.FindOrCreatePath(0, dev.ID, port(0))
	require.NoError(t, err)
	_, err = r.FindOrCreatePath(1, dev.ID, port(1))
	require.NoError(t, err)

	_, err = r.FindOrCreatePath(2, dev.ID, port(2))
	assert.ErrorIs(t, err, types.ErrNoMemory)

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Paths.Len())
	assert.Empty(t, r.PathsOnHost(2))

	host, err := r.Host(2)
	require.NoError(t, err)
	assert.Empty(t, host.Ports)
}

func TestFindOrCreatePathUnknownEntities(t *testing.T) {
	r := New(config.DefaultParams())
	dev, err := r.FindOrCreateDevice([]string{"wwn"}, "")
	require.NoError(t, err)

	_, err = r.FindOrCreatePath(9, dev.ID, port(0))
	assert.ErrorIs(t, err, types.ErrHostNotFound)

	_, err = r.AttachHost(HostSpec{ID: 0})
	require.NoError(t, err)
	_, err = r.FindOrCreatePath(0, 42, port(0))
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
}

func TestPathBindings(t *testing.T) {
	bindings := fakeBindings{
		"wwn/0/" + key(port(0).WWPN): {PathID: 3, Visible: true},
		"wwn/1/" + key(port(1).WWPN): {PathID: 5, Visible: true},
		"wwn/2/" + key(port(2).WWPN): {PathID: 3},
	}
	r := New(config.DefaultParams(), WithPathIDSource(bindings))

	dev, err := r.FindOrCreateDevice([]string{"WWN"}, "")
	require.NoError(t, err)
	for h := 0; h < 3; h++ {
		_, err := r.AttachHost(HostSpec{ID: h})
		require.NoError(t, err)
	}

	p0, err := r.FindOrCreatePath(0, dev.ID, port(0))
	require.NoError(t, err)
	assert.Equal(t, 3, p0.ID)
	assert.True(t, p0.Visible())
	assert.False(t, p0.Flags.Has(types.PathUnconfigured))

	// a second configured-visible path is forced hidden
	p1, err := r.FindOrCreatePath(1, dev.ID, port(1))
	require.NoError(t, err)
	assert.Equal(t, 5, p1.ID)
	assert.False(t, p1.Visible())
	assert.True(t, p1.Flags.Has(types.PathHidden))

	// a colliding pinned id falls back to the lowest free id
	p2, err := r.FindOrCreatePath(2, dev.ID, port(2))
	require.NoError(t, err)
	assert.Equal(t, 0, p2.ID)

	conflicts := r.Conflicts()
	require.Len(t, conflicts, 2)
	assert.Equal(t, 5, conflicts[0].PathID)
	assert.Equal(t, 3, conflicts[1].PathID)

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 3, 5}, []int{dev.Paths.Paths[0].ID, dev.Paths.Paths[1].ID, dev.Paths.Paths[2].ID})
	require.NoError(t, r.Validate())
}

func TestFindOrCreateLun(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)
	other, err := r.FindOrCreateDevice([]string{"other"}, "")
	require.NoError(t, err)

	lun, err := r.FindOrCreateLun(dev.ID, "600A0B80001", 5)
	require.NoError(t, err)
	assert.Equal(t, dev.ID, lun.DeviceID)
	require.Len(t, lun.Ports, 3)
	for h, lp := range lun.Ports {
		assert.Equal(t, h, lp.HostID)
		assert.Equal(t, h, lp.PathID)
	}
	assert.Equal(t, uint64(101), lun.PathLuns[1].Handle)

	tests := []struct {
		name     string
		deviceID int
		wwlun    string
		number   int
		wantErr  error
	}{
		{"wwlun on another device", other.ID, "600a0b80001", 5, types.ErrInvalidParam},
		{"wwlun with another number", dev.ID, "600a0b80001", 6, types.ErrInvalidParam},
		{"number taken", dev.ID, "600a0b80002", 5, types.ErrInvalidParam},
		{"number out of range", dev.ID, "600a0b80003", types.MaxLuns, types.ErrInvalidParam},
		{"empty wwlun", dev.ID, " ", 1, types.ErrInvalidParam},
		{"unknown device", 99, "600a0b80004", 1, types.ErrDeviceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.FindOrCreateLun(tt.deviceID, tt.wwlun, tt.number)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// a new lun on a device with paths gets a current path immediately
	_, err = r.FindOrCreateLun(dev.ID, "600a0b80009", 9)
	require.NoError(t, err)
	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, dev.Paths.Current[9])
}

func TestFindPort(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	lp, err := r.FindPort(dev.ID, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, types.LunPort{HostID: 2, PathID: 2}, lp)

	_, err = r.FindPort(dev.ID, 7, 2)
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)

	_, err = r.FindPort(dev.ID, 5, 6)
	assert.ErrorIs(t, err, types.ErrPathNotFound)
}

func TestAttachHostAddsLunPorts(t *testing.T) {
	r := New(config.DefaultParams())
	threePathDevice(t, r)

	h, err := r.AttachHost(HostSpec{ID: 7, Name: "fc7"})
	require.NoError(t, err)
	assert.True(t, h.Flags.Has(types.HostNeedsUpdate))
	assert.True(t, h.Online())

	lun, err := r.LunByWWLUN("600a0b80001")
	require.NoError(t, err)
	lp := lun.Port(7)
	require.NotNil(t, lp)
	assert.Equal(t, types.NoPath, lp.PathID)

	// attaching again is a lookup
	again, err := r.AttachHost(HostSpec{ID: 7, Name: "renamed"})
	require.NoError(t, err)
	assert.Equal(t, "fc7", again.Name)

	_, err = r.AttachHost(HostSpec{ID: -1})
	assert.ErrorIs(t, err, types.ErrInvalidParam)
}

func TestDetachHost(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	r := New(config.DefaultParams(), WithBroker(broker))
	dev := threePathDevice(t, r)
	single, err := r.FindOrCreateDevice([]string{"single"}, "")
	require.NoError(t, err)
	_, err = r.FindOrCreatePath(0, single.ID, port(10))
	require.NoError(t, err)

	require.NoError(t, r.DetachHost(0))

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Paths.Len())
	assert.Nil(t, dev.Paths.Get(0))
	assert.Equal(t, 1, dev.Paths.VisibleID)
	assert.True(t, dev.Paths.Get(1).Visible())
	assert.Equal(t, 1, dev.Paths.Current[5])
	assert.NotContains(t, dev.Luns[5].PathLuns, 0)
	assert.Nil(t, dev.Luns[5].Port(0))

	_, err = r.Device(single.ID)
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
	_, err = r.DeviceByName("single")
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)

	_, err = r.Host(0)
	assert.ErrorIs(t, err, types.ErrHostNotFound)
	assert.ErrorIs(t, r.DetachHost(0), types.ErrHostNotFound)
	require.NoError(t, r.Validate())

	// the last host takes the device and its luns with it
	require.NoError(t, r.DetachHost(1))
	require.NoError(t, r.DetachHost(2))
	assert.Empty(t, r.Devices())
	_, err = r.LunByWWLUN("600a0b80001")
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Type == events.EventDeviceRemoved {
				return
			}
		case <-deadline:
			t.Fatal("no device.removed event")
		}
	}
}

func TestSetCurrentPath(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	prev, err := r.SetCurrentPath(dev.ID, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, prev)

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Paths.Current[5])

	_, err = r.SetCurrentPath(dev.ID, 5, 7)
	assert.ErrorIs(t, err, types.ErrPathNotFound)
	_, err = r.SetCurrentPath(dev.ID, 8, 1)
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
	require.NoError(t, r.Validate())
}

func TestLunMasksRoundTrip(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	for lun := 0; lun < types.MaxLuns; lun++ {
		var masks types.PathMasks
		masks.Enabled.Set(lun)
		masks.Enabled.Set((lun + 17) % types.MaxLuns)
		masks.Masked.Set((lun + 17) % types.MaxLuns)
		if lun == 5 {
			masks.Preferred.Set(5)
		}
		require.NoError(t, r.SetLunMasks(dev.ID, 0, masks))

		got, err := r.LunMasks(dev.ID, 0)
		require.NoError(t, err)
		assert.Equal(t, masks, got, "lun %d", lun)
	}
}

func TestSetLunMasksRejectsUnreportedPreferred(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	var enabled, preferred types.LunMask
	enabled.Set(5)
	preferred.Set(5)

	// P1 never reported itself as owning controller for lun 5
	assert.ErrorIs(t, r.SetLunMasks(dev.ID, 1, types.PathMasks{Enabled: enabled, Preferred: preferred}), types.ErrInvalidParam)

	// preferred must be enabled
	assert.ErrorIs(t, r.SetLunMasks(dev.ID, 0, types.PathMasks{Preferred: preferred}), types.ErrInvalidParam)

	// and must not be masked
	assert.ErrorIs(t, r.SetLunMasks(dev.ID, 0, types.PathMasks{Enabled: enabled, Preferred: preferred, Masked: preferred}), types.ErrInvalidParam)

	assert.ErrorIs(t, r.SetLunMasks(dev.ID, 9, types.PathMasks{Enabled: enabled}), types.ErrPathNotFound)
	assert.ErrorIs(t, r.SetLunMasks(42, 0, types.PathMasks{Enabled: enabled}), types.ErrDeviceNotFound)
}

func TestHostStateMirrorsOnPaths(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	require.NoError(t, r.SetHostState(1, types.HostStateDown))
	dev, err := r.Device(dev.ID)
	require.NoError(t, err)
	assert.True(t, dev.Paths.Get(1).Dead())
	assert.False(t, dev.Paths.Get(0).Dead())

	require.NoError(t, r.BeginHostUpdate(1))
	cleared, err := r.CompleteHostUpdate(1)
	require.NoError(t, err)
	assert.True(t, cleared)

	host, err := r.Host(1)
	require.NoError(t, err)
	assert.Equal(t, types.HostStateOnline, host.State)
	assert.False(t, host.Flags.Has(types.HostNeedsUpdate))

	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.False(t, dev.Paths.Get(1).Dead())

	cleared, err = r.CompleteHostUpdate(1)
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, r.SetHostDisabled(2, true))
	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.True(t, dev.Paths.Get(2).Dead())

	assert.ErrorIs(t, r.SetHostState(9, types.HostStateDown), types.ErrHostNotFound)
}

func TestPathFlagsAndDead(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	require.NoError(t, r.SetPathDead(dev.ID, 2, true))
	require.NoError(t, r.SetPathFlags(dev.ID, 1, types.PathFailbackDisabled, true))
	assert.ErrorIs(t, r.SetPathFlags(dev.ID, 1, types.PathVisible, true), types.ErrInvalidParam)

	dev, err := r.Device(dev.ID)
	require.NoError(t, err)
	assert.True(t, dev.Paths.Get(2).Dead())
	assert.True(t, dev.Paths.Get(1).Flags.Has(types.PathFailbackDisabled))

	require.NoError(t, r.SetPathDead(dev.ID, 2, false))
	dev, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.False(t, dev.Paths.Get(2).Dead())
}

func TestSetLunActive(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	require.NoError(t, r.SetLunActive(dev.ID, 5, 1, types.ActiveStandby))
	lun, err := r.LunByWWLUN("600a0b80001")
	require.NoError(t, err)
	assert.Equal(t, types.ActiveStandby, lun.ActiveOn(1))
	assert.Equal(t, types.ActiveUnknown, lun.ActiveOn(2))
}

func TestDeviceSettings(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	require.NoError(t, r.SetControlByte(dev.ID, 0x80))
	b, err := r.ControlByte(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x80), b)
	_, err = r.ControlByte(77)
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)

	require.NoError(t, r.SetDevicePolicy(dev.ID, types.PolicyActiveStandbyArray))

	settings := &types.NotifySettings{Type: types.NotifyCdb, Cdb: types.HexBytes{0xc1, 0, 0, 0, 0, 0}}
	require.NoError(t, r.SetDeviceNotify(dev.ID, settings))
	settings.Cdb[0] = 0xff

	got, err := r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PolicyActiveStandbyArray, got.Policy)
	require.NotNil(t, got.Notify)
	assert.Equal(t, byte(0xc1), got.Notify.Cdb[0])

	assert.ErrorIs(t, r.SetDeviceNotify(dev.ID, &types.NotifySettings{Type: types.NotifyCdb}), types.ErrInvalidParam)
	require.NoError(t, r.SetDeviceNotify(dev.ID, nil))
	got, err = r.Device(dev.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Notify)
}

func TestSetParamsGuardsPathCount(t *testing.T) {
	r := New(config.DefaultParams())
	threePathDevice(t, r)

	p := config.DefaultParams()
	p.MaxPathsPerDevice = 2
	p.MaxRetriesPerIo = 0
	assert.ErrorIs(t, r.SetParams(p), types.ErrInvalidParam)

	p.MaxPathsPerDevice = 4
	require.NoError(t, r.SetParams(p))
	assert.Equal(t, 13, r.Params().MaxRetriesPerIo)
}

func TestClonesAreIsolated(t *testing.T) {
	r := New(config.DefaultParams())
	dev := threePathDevice(t, r)

	dev.Paths.Current[5] = 2
	dev.Paths.Paths[0].Flags = 0
	dev.Luns[5].PathLuns[0].Handle = 0

	fresh, err := r.Device(dev.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, fresh.Paths.Current[5])
	assert.True(t, fresh.Paths.Get(0).Visible())
	assert.Equal(t, uint64(100), fresh.Luns[5].PathLuns[0].Handle)
}
