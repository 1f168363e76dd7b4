package registry

import (
	"fmt"

	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/types"
)

// Device returns a copy of the device
func (r *Registry) Device(id int) (*types.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[id]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", id, types.ErrDeviceNotFound)
	}
	return dev.Clone(), nil
}

// DeviceByName returns a copy of the device known by a world-wide name
func (r *Registry) DeviceByName(name string) (*types.Device, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[key(name)]
	if !ok {
		return nil, fmt.Errorf("device %s: %w", name, types.ErrDeviceNotFound)
	}
	return r.devices[id].Clone(), nil
}

// Devices returns copies of every device ordered by id
func (r *Registry) Devices() []*types.Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Device, 0, len(r.devices))
	for _, id := range r.sortedDeviceIDs() {
		out = append(out, r.devices[id].Clone())
	}
	return out
}

// Host returns a copy of the host
func (r *Registry) Host(id int) (*types.Host, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %d: %w", id, types.ErrHostNotFound)
	}
	return h.Clone(), nil
}

// Hosts returns copies of every host ordered by id
func (r *Registry) Hosts() []*types.Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*types.Host, 0, len(r.hosts))
	for _, id := range r.sortedHostIDs() {
		out = append(out, r.hosts[id].Clone())
	}
	return out
}

// HostStats returns the live counters of a host
func (r *Registry) HostStats(id int) (*types.HostStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.hosts[id]
	if !ok {
		return nil, fmt.Errorf("host %d: %w", id, types.ErrHostNotFound)
	}
	return h.Stats, nil
}

// LunByWWLUN returns a copy of the LUN with a world-wide LUN id
func (r *Registry) LunByWWLUN(wwlun string) (*types.Lun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lun, ok := r.byWWLUN[key(wwlun)]
	if !ok {
		return nil, fmt.Errorf("lun %s: %w", wwlun, types.ErrDeviceNotFound)
	}
	return lun.Clone(), nil
}

// PathsOnHost lists every path owned by a host
func (r *Registry) PathsOnHost(hostID int) []PathRef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []PathRef
	for _, id := range r.sortedDeviceIDs() {
		for _, p := range r.devices[id].Paths.Paths {
			if p.HostID == hostID {
				refs = append(refs, PathRef{DeviceID: id, PathID: p.ID})
			}
		}
	}
	return refs
}

// SetCurrentPath points a LUN at a path and returns the previous path id
// (NoPath when the LUN had none)
func (r *Registry) SetCurrentPath(deviceID, lunNumber, pathID int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, _, _, err := r.lookupLunPath(deviceID, lunNumber, pathID)
	if err != nil {
		return types.NoPath, err
	}
	prev, ok := dev.Paths.Current[lunNumber]
	if !ok {
		prev = types.NoPath
	}
	dev.Paths.Current[lunNumber] = pathID
	return prev, nil
}

// SetLunActive caches the controller state of a path for a LUN
func (r *Registry) SetLunActive(deviceID, lunNumber, pathID int, state types.ActiveState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, lun, _, err := r.lookupLunPath(deviceID, lunNumber, pathID)
	if err != nil {
		return err
	}
	pl, ok := lun.PathLuns[pathID]
	if !ok {
		pl = &types.PathLun{}
		lun.PathLuns[pathID] = pl
	}
	pl.Active = state
	return nil
}

// SetPathDead marks or clears the dead flag of a path
func (r *Registry) SetPathDead(deviceID, pathID int, dead bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	p := dev.Paths.Get(pathID)
	if p == nil {
		return fmt.Errorf("path %d of device %d: %w", pathID, deviceID, types.ErrPathNotFound)
	}
	if dead {
		p.Flags |= types.PathDead
	} else {
		p.Flags &^= types.PathDead
	}
	return nil
}

// SetPathFlags sets or clears mode flags of a path. The visible flag is owned
// by the registry and cannot be changed here.
func (r *Registry) SetPathFlags(deviceID, pathID int, flags types.PathFlags, on bool) error {
	if flags.Has(types.PathVisible) {
		return fmt.Errorf("%w: visible flag is managed by the registry", types.ErrInvalidParam)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	p := dev.Paths.Get(pathID)
	if p == nil {
		return fmt.Errorf("path %d of device %d: %w", pathID, deviceID, types.ErrPathNotFound)
	}
	if on {
		p.Flags |= flags
	} else {
		p.Flags &^= flags
	}
	return nil
}

// SetHostState changes the state of a host and of every path it owns
func (r *Registry) SetHostState(hostID int, state types.HostState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[hostID]
	if !ok {
		return fmt.Errorf("host %d: %w", hostID, types.ErrHostNotFound)
	}
	if h.State == state {
		return nil
	}
	h.State = state
	r.syncHostPaths(h)

	ev := events.EventHostOnline
	if state == types.HostStateDown {
		ev = events.EventHostDown
	}
	r.logger.Info().Int("host_id", hostID).Str("state", string(state)).Msg("Host state changed")
	r.broker.Publish(events.NewEvent(ev, "host state changed").With("host_id", hostID))
	return nil
}

func (r *Registry) syncHostPaths(h *types.Host) {
	down := !h.Online()
	for _, dev := range r.devices {
		for _, p := range dev.Paths.Paths {
			if p.HostID == h.ID {
				p.HostDown = down
			}
		}
	}
}

// BeginHostUpdate marks a host as needing port/LUN rediscovery
func (r *Registry) BeginHostUpdate(hostID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[hostID]
	if !ok {
		return fmt.Errorf("host %d: %w", hostID, types.ErrHostNotFound)
	}
	h.Flags |= types.HostNeedsUpdate
	return nil
}

// CompleteHostUpdate clears the needs-update flag after successful
// discovery and brings the host online. It reports whether the flag was set.
func (r *Registry) CompleteHostUpdate(hostID int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[hostID]
	if !ok {
		return false, fmt.Errorf("host %d: %w", hostID, types.ErrHostNotFound)
	}
	wasPending := h.Flags.Has(types.HostNeedsUpdate)
	h.Flags &^= types.HostNeedsUpdate
	if h.State != types.HostStateOnline {
		h.State = types.HostStateOnline
		r.syncHostPaths(h)
		r.broker.Publish(events.NewEvent(events.EventHostOnline, "host back online").With("host_id", hostID))
	}
	return wasPending, nil
}

// SetHostDisabled enables or disables a host administratively
func (r *Registry) SetHostDisabled(hostID int, disabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.hosts[hostID]
	if !ok {
		return fmt.Errorf("host %d: %w", hostID, types.ErrHostNotFound)
	}
	if disabled {
		h.Flags |= types.HostDisabled
	} else {
		h.Flags &^= types.HostDisabled
	}
	r.syncHostPaths(h)
	return nil
}

// LunMasks returns the enabled, preferred and masked LUNs of a path
func (r *Registry) LunMasks(deviceID, pathID int) (types.PathMasks, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return types.PathMasks{}, fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	p := dev.Paths.Get(pathID)
	if p == nil {
		return types.PathMasks{}, fmt.Errorf("path %d of device %d: %w", pathID, deviceID, types.ErrPathNotFound)
	}
	return types.PathMasks{Enabled: p.Enabled, Preferred: p.Preferred, Masked: p.Masked}, nil
}

// SetLunMasks replaces the masks of a path. Preferred bits are only
// accepted for LUNs that are enabled, not masked, and that the array
// reported as owned by this path.
func (r *Registry) SetLunMasks(deviceID, pathID int, masks types.PathMasks) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	p := dev.Paths.Get(pathID)
	if p == nil {
		return fmt.Errorf("path %d of device %d: %w", pathID, deviceID, types.ErrPathNotFound)
	}
	if !masks.Preferred.IsSubsetOf(masks.Enabled) {
		return fmt.Errorf("%w: preferred luns must be enabled", types.ErrInvalidParam)
	}
	if masks.Preferred.Intersects(masks.Masked) {
		return fmt.Errorf("%w: preferred luns must not be masked", types.ErrInvalidParam)
	}
	if !masks.Preferred.IsSubsetOf(p.Reported) {
		return fmt.Errorf("%w: preferred luns %v not reported by path %d", types.ErrInvalidParam, masks.Preferred.Luns(), pathID)
	}
	p.Enabled = masks.Enabled
	p.Preferred = masks.Preferred
	p.Masked = masks.Masked
	return nil
}

// ControlByte returns the multipath-control byte of a device's target
func (r *Registry) ControlByte(deviceID int) (uint8, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return 0, fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	return dev.ControlByte, nil
}

// SetControlByte sets the multipath-control byte of a device's target
func (r *Registry) SetControlByte(deviceID int, value uint8) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	dev.ControlByte = value
	return nil
}

// SetDeviceNotify installs a per-device notification override; nil removes it
func (r *Registry) SetDeviceNotify(deviceID int, settings *types.NotifySettings) error {
	if settings != nil {
		if err := settings.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	if settings == nil {
		dev.Notify = nil
		return nil
	}
	s := *settings
	s.Cdb = append(types.HexBytes(nil), settings.Cdb...)
	dev.Notify = &s
	return nil
}

// SetDevicePolicy changes how failover paths are chosen for a device
func (r *Registry) SetDevicePolicy(deviceID int, policy types.CombinePolicy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	dev.Policy = policy
	return nil
}

// Validate checks the structural invariants of the tree: at most one visible
// path per device, and every current path id naming an existing path.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.sortedDeviceIDs() {
		dev := r.devices[id]
		visible := 0
		seen := make(map[int]bool)
		for _, p := range dev.Paths.Paths {
			if seen[p.ID] {
				return fmt.Errorf("device %d: duplicate path id %d", id, p.ID)
			}
			seen[p.ID] = true
			if p.Visible() {
				visible++
				if dev.Paths.VisibleID != p.ID {
					return fmt.Errorf("device %d: path %d visible but device names %d", id, p.ID, dev.Paths.VisibleID)
				}
			}
		}
		if visible > 1 {
			return fmt.Errorf("device %d: %d visible paths", id, visible)
		}
		if dev.Paths.Len() > r.params.MaxPathsPerDevice {
			return fmt.Errorf("device %d: %d paths exceed limit %d", id, dev.Paths.Len(), r.params.MaxPathsPerDevice)
		}
		for lun, pid := range dev.Paths.Current {
			if !seen[pid] {
				return fmt.Errorf("device %d lun %d: current path %d does not exist", id, lun, pid)
			}
		}
	}
	return nil
}
