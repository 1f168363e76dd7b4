package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/events"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/storage"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// PathIDSource supplies externally configured path ids
type PathIDSource interface {
	GetPathBinding(device string, hostID int, wwpn string) (*storage.PathBinding, error)
}

// Conflict records a non-fatal configuration inconsistency found while
// building the tree
type Conflict struct {
	DeviceID int       `json:"device_id"`
	HostID   int       `json:"host_id"`
	PathID   int       `json:"path_id"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// HostSpec identifies an adapter being attached
type HostSpec struct {
	ID              int
	Name            string
	FailoverEnabled bool
}

// PathRef names a path within a device
type PathRef struct {
	DeviceID int
	PathID   int
}

// Registry owns every Host, Device, Path and Lun record. Structural changes
// take the write lock; lookups share the read lock. All returned entities are
// copies.
type Registry struct {
	mu sync.RWMutex

	params    config.Params
	hosts     map[int]*types.Host
	devices   map[int]*types.Device
	byName    map[string]int
	byWWLUN   map[string]*types.Lun
	conflicts []Conflict

	bindings PathIDSource
	broker   *events.Broker
	logger   zerolog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithPathIDSource makes path ids follow external configuration
func WithPathIDSource(src PathIDSource) Option {
	return func(r *Registry) { r.bindings = src }
}

// WithBroker publishes lifecycle events to b
func WithBroker(b *events.Broker) Option {
	return func(r *Registry) { r.broker = b }
}

// New creates an empty registry
func New(params config.Params, opts ...Option) *Registry {
	r := &Registry{
		params:  params.Normalize(),
		hosts:   make(map[int]*types.Host),
		devices: make(map[int]*types.Device),
		byName:  make(map[string]int),
		byWWLUN: make(map[string]*types.Lun),
		logger:  log.WithComponent("registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Params returns the current parameters
func (r *Registry) Params() config.Params {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.params
}

// SetParams replaces the parameters. Lowering MaxPathsPerDevice below the
// path count of an existing device is rejected.
func (r *Registry) SetParams(p config.Params) error {
	p = p.Normalize()
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dev := range r.devices {
		if dev.Paths.Len() > p.MaxPathsPerDevice {
			return fmt.Errorf("%w: device %d already has %d paths", types.ErrInvalidParam, dev.ID, dev.Paths.Len())
		}
		for _, path := range dev.Paths.Paths {
			if path.ID >= p.MaxPathsPerDevice {
				return fmt.Errorf("%w: device %d uses path id %d", types.ErrInvalidParam, dev.ID, path.ID)
			}
		}
	}
	r.params = p
	return nil
}

// AttachHost finds or creates the host with the given identity. A new host
// starts online with its discovery pending (NeedsUpdate set).
func (r *Registry) AttachHost(spec HostSpec) (*types.Host, error) {
	if spec.ID < 0 {
		return nil, fmt.Errorf("%w: host id %d", types.ErrInvalidParam, spec.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.hosts[spec.ID]; ok {
		return h.Clone(), nil
	}

	flags := types.HostNeedsUpdate
	if spec.FailoverEnabled {
		flags |= types.HostFailoverEnabled
	}
	name := spec.Name
	if name == "" {
		name = fmt.Sprintf("host%d", spec.ID)
	}
	h := &types.Host{
		ID:         spec.ID,
		Name:       name,
		State:      types.HostStateOnline,
		Flags:      flags,
		Stats:      &types.HostStats{},
		AttachedAt: time.Now(),
	}
	r.hosts[spec.ID] = h

	for _, lun := range r.byWWLUN {
		if lun.Port(spec.ID) == nil {
			lun.Ports = append(lun.Ports, types.LunPort{HostID: spec.ID, PathID: types.NoPath})
		}
	}

	r.logger.Info().Int("host_id", h.ID).Str("name", h.Name).Msg("Host attached")
	r.broker.Publish(events.NewEvent(events.EventHostAttached, "host attached").With("host_id", h.ID))
	return h.Clone(), nil
}

// DetachHost removes a host and every path it owns. Devices left without
// paths are destroyed together with their LUNs.
func (r *Registry) DetachHost(id int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.hosts[id]; !ok {
		return fmt.Errorf("host %d: %w", id, types.ErrHostNotFound)
	}

	for _, devID := range r.sortedDeviceIDs() {
		dev := r.devices[devID]
		var removed []int
		kept := dev.Paths.Paths[:0]
		for _, p := range dev.Paths.Paths {
			if p.HostID == id {
				removed = append(removed, p.ID)
				continue
			}
			kept = append(kept, p)
		}
		dev.Paths.Paths = kept
		if len(removed) == 0 {
			continue
		}

		if dev.Paths.Len() == 0 {
			r.removeDevice(dev)
			continue
		}

		for _, lun := range dev.Luns {
			for _, pid := range removed {
				delete(lun.PathLuns, pid)
			}
			if cur, ok := dev.Paths.Current[lun.Number]; ok && dev.Paths.Get(cur) == nil {
				dev.Paths.Current[lun.Number] = replacementPath(dev, lun.Number).ID
			}
		}
		if dev.Paths.Get(dev.Paths.VisibleID) == nil {
			r.promoteVisible(dev)
		}
	}

	for _, lun := range r.byWWLUN {
		ports := lun.Ports[:0]
		for _, lp := range lun.Ports {
			if lp.HostID != id {
				ports = append(ports, lp)
			}
		}
		lun.Ports = ports
	}

	delete(r.hosts, id)
	r.logger.Info().Int("host_id", id).Msg("Host detached")
	r.broker.Publish(events.NewEvent(events.EventHostDetached, "host detached").With("host_id", id))
	return nil
}

// replacementPath picks a new current path for a LUN whose current path went
// away: a healthy preferred path, then a healthy path reaching the LUN, then
// the first path. dev must have at least one path.
func replacementPath(dev *types.Device, lun int) *types.Path {
	for _, p := range dev.Paths.Paths {
		if p.Preferred.Has(lun) && !p.Dead() {
			return p
		}
	}
	for _, p := range dev.Paths.Paths {
		if p.Reaches(lun) && !p.Dead() {
			return p
		}
	}
	return dev.Paths.Paths[0]
}

func (r *Registry) promoteVisible(dev *types.Device) {
	dev.Paths.VisibleID = types.NoPath
	if dev.Paths.Len() == 0 {
		return
	}
	p := dev.Paths.Paths[0]
	p.Flags = (p.Flags &^ types.PathHidden) | types.PathVisible
	dev.Paths.VisibleID = p.ID
	r.logger.Info().Int("device_id", dev.ID).Int("path_id", p.ID).Msg("Visible path promoted")
}

func (r *Registry) removeDevice(dev *types.Device) {
	for _, n := range dev.Names {
		delete(r.byName, key(n))
	}
	for _, lun := range dev.Luns {
		delete(r.byWWLUN, key(lun.WWLUN))
	}
	delete(r.devices, dev.ID)
	r.logger.Info().Int("device_id", dev.ID).Msg("Device removed")
	r.broker.Publish(events.NewEvent(events.EventDeviceRemoved, "device removed").With("device_id", dev.ID))
}

// FindOrCreateDevice returns the device known by any of names, adding the
// other names as alternates, or allocates a new device. Names that already
// belong to two different devices are rejected.
func (r *Registry) FindOrCreateDevice(names []string, policy types.CombinePolicy) (*types.Device, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: device needs at least one name", types.ErrInvalidParam)
	}
	for _, n := range names {
		if key(n) == "" {
			return nil, fmt.Errorf("%w: empty device name", types.ErrInvalidParam)
		}
	}
	if policy == "" {
		policy = types.PolicyStandard
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	found := types.NoPath
	for _, n := range names {
		id, ok := r.byName[key(n)]
		if !ok {
			continue
		}
		if found != types.NoPath && found != id {
			return nil, fmt.Errorf("%w: names %v span devices %d and %d", types.ErrInvalidParam, names, found, id)
		}
		found = id
	}

	if found != types.NoPath {
		dev := r.devices[found]
		for _, n := range names {
			if !dev.HasName(n) {
				dev.Names = append(dev.Names, n)
				r.byName[key(n)] = dev.ID
			}
		}
		return dev.Clone(), nil
	}

	id := r.freeDeviceID()
	if id == types.NoPath {
		return nil, fmt.Errorf("%w: %d devices", types.ErrNoMemory, types.MaxDevices)
	}

	dev := &types.Device{
		ID:        id,
		Names:     dedupe(names),
		Policy:    policy,
		Paths:     types.PathList{VisibleID: types.NoPath, Current: make(map[int]int)},
		Luns:      make(map[int]*types.Lun),
		CreatedAt: time.Now(),
	}
	r.devices[id] = dev
	for _, n := range dev.Names {
		r.byName[key(n)] = id
	}

	r.logger.Info().Int("device_id", id).Strs("names", dev.Names).Str("policy", string(policy)).Msg("Device created")
	r.broker.Publish(events.NewEvent(events.EventDeviceCreated, "device created").With("device_id", id))
	return dev.Clone(), nil
}

func dedupe(names []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		if seen[key(n)] {
			continue
		}
		seen[key(n)] = true
		out = append(out, n)
	}
	return out
}

func (r *Registry) freeDeviceID() int {
	for id := 0; id < types.MaxDevices; id++ {
		if _, used := r.devices[id]; !used {
			return id
		}
	}
	return types.NoPath
}

// FindOrCreatePath returns the path of host to device through port, creating
// it when needed. Inserting the first path makes it current for every LUN and
// visible; later paths are hidden. A configured second visible path is forced
// hidden and recorded as a conflict.
func (r *Registry) FindOrCreatePath(hostID, deviceID int, port types.TargetPort) (*types.Path, error) {
	if port.State == "" {
		port.State = types.PortStateOnline
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	host, ok := r.hosts[hostID]
	if !ok {
		return nil, fmt.Errorf("host %d: %w", hostID, types.ErrHostNotFound)
	}
	dev, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}

	for _, p := range dev.Paths.Paths {
		if p.HostID == hostID && strings.EqualFold(p.Port.WWPN, port.WWPN) {
			p.Port = port
			pc := *p
			return &pc, nil
		}
	}

	if dev.Paths.Len() >= r.params.MaxPathsPerDevice {
		return nil, fmt.Errorf("%w: device %d has %d paths", types.ErrNoMemory, deviceID, dev.Paths.Len())
	}

	id, binding := r.assignPathID(dev, hostID, port)
	if id == types.NoPath {
		return nil, fmt.Errorf("%w: no free path id on device %d", types.ErrNoMemory, deviceID)
	}

	path := &types.Path{
		ID:       id,
		HostID:   hostID,
		Port:     port,
		HostDown: !host.Online(),
	}
	if binding == nil {
		path.Flags |= types.PathUnconfigured
	}

	wantVisible := binding != nil && binding.Visible
	candidate := wantVisible || (binding == nil && dev.Paths.VisibleID == types.NoPath)
	switch {
	case candidate && dev.Paths.VisibleID == types.NoPath:
		path.Flags |= types.PathVisible
		dev.Paths.VisibleID = id
	case wantVisible:
		path.Flags |= types.PathHidden
		r.recordConflict(deviceID, hostID, id, fmt.Sprintf("path already visible: %d", dev.Paths.VisibleID))
	default:
		path.Flags |= types.PathHidden
	}

	first := dev.Paths.Len() == 0
	dev.Paths.Paths = append(dev.Paths.Paths, path)
	sort.Slice(dev.Paths.Paths, func(i, j int) bool { return dev.Paths.Paths[i].ID < dev.Paths.Paths[j].ID })

	if first {
		for n := range dev.Luns {
			dev.Paths.Current[n] = id
		}
	}

	known := false
	for _, hp := range host.Ports {
		if strings.EqualFold(hp.WWPN, port.WWPN) {
			*hp = port
			known = true
			break
		}
	}
	if !known {
		pc := port
		host.Ports = append(host.Ports, &pc)
	}

	r.logger.Debug().
		Int("device_id", deviceID).
		Int("host_id", hostID).
		Int("path_id", id).
		Bool("visible", path.Visible()).
		Msg("Path created")

	pc := *path
	return &pc, nil
}

// assignPathID returns the configured id for the path when it is usable,
// otherwise the lowest free id. A configured id that cannot be honoured is
// recorded as a conflict.
func (r *Registry) assignPathID(dev *types.Device, hostID int, port types.TargetPort) (int, *storage.PathBinding) {
	if r.bindings != nil && len(dev.Names) > 0 {
		b, err := r.bindings.GetPathBinding(dev.Names[0], hostID, port.WWPN)
		switch {
		case err == nil && b.PathID >= 0 && b.PathID < r.params.MaxPathsPerDevice && dev.Paths.Get(b.PathID) == nil:
			return b.PathID, b
		case err == nil:
			r.recordConflict(dev.ID, hostID, b.PathID, "configured path id unavailable")
		case !errors.Is(err, storage.ErrNotFound):
			r.logger.Warn().Err(err).Int("device_id", dev.ID).Msg("Path binding lookup failed")
		}
	}
	for id := 0; id < r.params.MaxPathsPerDevice; id++ {
		if dev.Paths.Get(id) == nil {
			return id, nil
		}
	}
	return types.NoPath, nil
}

func (r *Registry) recordConflict(deviceID, hostID, pathID int, reason string) {
	c := Conflict{DeviceID: deviceID, HostID: hostID, PathID: pathID, Reason: reason, At: time.Now()}
	r.conflicts = append(r.conflicts, c)
	r.logger.Warn().
		Int("device_id", deviceID).
		Int("host_id", hostID).
		Int("path_id", pathID).
		Str("reason", reason).
		Msg("Configuration conflict")
	r.broker.Publish(events.NewEvent(events.EventConfigConflict, reason).
		With("device_id", deviceID).With("host_id", hostID).With("path_id", pathID))
}

// FindOrCreateLun returns the LUN with the given world-wide id, creating it
// on device when unknown. A LUN belongs to exactly one device.
func (r *Registry) FindOrCreateLun(deviceID int, wwlun string, number int) (*types.Lun, error) {
	if key(wwlun) == "" {
		return nil, fmt.Errorf("%w: empty world-wide lun id", types.ErrInvalidParam)
	}
	if number < 0 || number >= types.MaxLuns {
		return nil, fmt.Errorf("%w: lun %d out of range", types.ErrInvalidParam, number)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}

	if lun, ok := r.byWWLUN[key(wwlun)]; ok {
		if lun.DeviceID != deviceID || lun.Number != number {
			return nil, fmt.Errorf("%w: lun %s already is lun %d of device %d",
				types.ErrInvalidParam, wwlun, lun.Number, lun.DeviceID)
		}
		return lun.Clone(), nil
	}
	if existing, ok := dev.Luns[number]; ok {
		return nil, fmt.Errorf("%w: lun %d of device %d is %s",
			types.ErrInvalidParam, number, deviceID, existing.WWLUN)
	}

	lun := &types.Lun{
		Number:   number,
		WWLUN:    wwlun,
		DeviceID: deviceID,
		PathLuns: make(map[int]*types.PathLun),
	}
	for _, hid := range r.sortedHostIDs() {
		lun.Ports = append(lun.Ports, types.LunPort{HostID: hid, PathID: types.NoPath})
	}
	dev.Luns[number] = lun
	r.byWWLUN[key(wwlun)] = lun
	if dev.Paths.Len() > 0 {
		dev.Paths.Current[number] = dev.Paths.Paths[0].ID
	}

	return lun.Clone(), nil
}

// RegisterLunPath links a discovered LUN to a path. A path reporting itself
// as the array's preferred controller becomes the LUN's current path; a LUN
// without a current path gets this one.
func (r *Registry) RegisterLunPath(deviceID, lunNumber, pathID int, handle uint64, preferred bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, lun, path, err := r.lookupLunPath(deviceID, lunNumber, pathID)
	if err != nil {
		return err
	}

	path.Enabled.Set(lunNumber)
	if pl, ok := lun.PathLuns[pathID]; ok {
		pl.Handle = handle
	} else {
		lun.PathLuns[pathID] = &types.PathLun{Handle: handle, Active: types.ActiveUnknown}
	}

	lp := lun.Port(path.HostID)
	if lp == nil {
		lun.Ports = append(lun.Ports, types.LunPort{HostID: path.HostID, PathID: pathID})
	} else if lp.PathID == types.NoPath || dev.Paths.Get(lp.PathID) == nil {
		lp.PathID = pathID
	}

	cur, hasCurrent := dev.Paths.Current[lunNumber]
	switch {
	case preferred:
		path.Reported.Set(lunNumber)
		path.Preferred.Set(lunNumber)
		if cur != pathID {
			dev.Paths.Current[lunNumber] = pathID
			r.logger.Debug().
				Int("device_id", deviceID).
				Int("lun", lunNumber).
				Int("path_id", pathID).
				Msg("Current path switched to preferred path")
		}
	case !hasCurrent || dev.Paths.Get(cur) == nil:
		dev.Paths.Current[lunNumber] = pathID
	}
	return nil
}

func (r *Registry) lookupLunPath(deviceID, lunNumber, pathID int) (*types.Device, *types.Lun, *types.Path, error) {
	dev, ok := r.devices[deviceID]
	if !ok {
		return nil, nil, nil, fmt.Errorf("device %d: %w", deviceID, types.ErrDeviceNotFound)
	}
	lun, ok := dev.Luns[lunNumber]
	if !ok {
		return nil, nil, nil, fmt.Errorf("lun %d of device %d: %w", lunNumber, deviceID, types.ErrDeviceNotFound)
	}
	path := dev.Paths.Get(pathID)
	if path == nil {
		return nil, nil, nil, fmt.Errorf("path %d of device %d: %w", pathID, deviceID, types.ErrPathNotFound)
	}
	return dev, lun, path, nil
}

// FindPort returns the cross-host record of the LUN for the host owning path
func (r *Registry) FindPort(deviceID, lunNumber, pathID int) (types.LunPort, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, lun, path, err := r.lookupLunPath(deviceID, lunNumber, pathID)
	if err != nil {
		return types.LunPort{}, err
	}
	lp := lun.Port(path.HostID)
	if lp == nil {
		return types.LunPort{}, fmt.Errorf("host %d has no port for lun %d: %w", path.HostID, lunNumber, types.ErrPathNotFound)
	}
	return *lp, nil
}

func (r *Registry) sortedDeviceIDs() []int {
	ids := make([]int, 0, len(r.devices))
	for id := range r.devices {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (r *Registry) sortedHostIDs() []int {
	ids := make([]int, 0, len(r.hosts))
	for id := range r.hosts {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Conflicts returns the configuration conflicts recorded so far
func (r *Registry) Conflicts() []Conflict {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Conflict(nil), r.conflicts...)
}

// ConflictCount returns how many configuration conflicts were recorded
func (r *Registry) ConflictCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conflicts)
}
