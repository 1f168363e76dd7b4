package admin

import (
	"errors"
	"sort"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/failover"
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/storage"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// Status is the result code of an administrative operation
type Status string

const (
	StatusOk             Status = "Ok"
	StatusDeviceNotFound Status = "DeviceNotFound"
	StatusNoMemory       Status = "NoMemory"
	StatusInvalidParam   Status = "InvalidParam"
	StatusBufferTooSmall Status = "BufferTooSmall"
	StatusCopyError      Status = "CopyError"
)

// StatusFromError maps the error taxonomy onto status codes. Host and path
// lookups report DeviceNotFound, the only not-found code the surface has.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOk
	case types.IsNotFound(err):
		return StatusDeviceNotFound
	case errors.Is(err, types.ErrNoMemory):
		return StatusNoMemory
	case errors.Is(err, types.ErrBufferTooSmall):
		return StatusBufferTooSmall
	case errors.Is(err, types.ErrCopyError):
		return StatusCopyError
	default:
		return StatusInvalidParam
	}
}

// Registry is the part of the entity store the admin surface drives
type Registry interface {
	Params() config.Params
	SetParams(p config.Params) error
	Device(id int) (*types.Device, error)
	Devices() []*types.Device
	SetCurrentPath(deviceID, lun, pathID int) (int, error)
	HostStats(id int) (*types.HostStats, error)
	LunMasks(deviceID, pathID int) (types.PathMasks, error)
	SetLunMasks(deviceID, pathID int, masks types.PathMasks) error
	ControlByte(deviceID int) (uint8, error)
	SetControlByte(deviceID int, value uint8) error
}

// PathInfo describes one discovered path
type PathInfo struct {
	ID        int             `json:"id"`
	HostID    int             `json:"host_id"`
	WWNN      string          `json:"wwnn"`
	WWPN      string          `json:"wwpn"`
	Target    int             `json:"target"`
	Visible   bool            `json:"visible"`
	Dead      bool            `json:"dead"`
	Flags     types.PathFlags `json:"flags"`
	Enabled   types.LunMask   `json:"enabled"`
	Preferred types.LunMask   `json:"preferred"`
	Masked    types.LunMask   `json:"masked"`
	Current   []int           `json:"current_luns"`
}

// DeviceInfo summarizes one multipath device
type DeviceInfo struct {
	ID          int                 `json:"id"`
	Names       []string            `json:"names"`
	Policy      types.CombinePolicy `json:"policy"`
	Paths       int                 `json:"paths"`
	Luns        []int               `json:"luns"`
	ControlByte uint8               `json:"control_byte"`
}

// Masks are the enabled, preferred and masked LUN bitmasks of a path
type Masks = types.PathMasks

// Service implements the administrative operations. Every operation
// returns a Status; changes to parameters, masks and control bytes are
// written through to the store when one is configured.
type Service struct {
	reg    Registry
	store  storage.Store
	locks  *failover.LunLocks
	logger zerolog.Logger
}

// NewService creates the administrative service. store may be nil. locks
// must be the set the failover engine and failback use so a forced path
// switch is serialized with theirs; nil creates a private set.
func NewService(reg Registry, store storage.Store, locks *failover.LunLocks) *Service {
	if locks == nil {
		locks = failover.NewLunLocks()
	}
	return &Service{
		reg:    reg,
		store:  store,
		locks:  locks,
		logger: log.WithComponent("admin"),
	}
}

// GetParams returns the failover parameters
func (s *Service) GetParams() (config.Params, Status) {
	return s.reg.Params(), StatusOk
}

// SetParams merges update into the current parameters and applies them
func (s *Service) SetParams(update config.Params) (config.Params, Status) {
	next := s.reg.Params().Apply(update)
	if err := s.reg.SetParams(next); err != nil {
		s.logger.Warn().Err(err).Msg("Parameter update rejected")
		return s.reg.Params(), StatusFromError(err)
	}
	applied := s.reg.Params()
	if s.store != nil {
		if err := s.store.SaveParams(applied); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to persist parameters")
		}
	}
	s.logger.Info().
		Int("max_paths_per_device", applied.MaxPathsPerDevice).
		Int("max_retries_per_path", applied.MaxRetriesPerPath).
		Int("max_retries_per_io", applied.MaxRetriesPerIo).
		Str("notify_type", string(applied.NotifyType)).
		Msg("Parameters updated")
	return applied, StatusOk
}

// ListDevices summarizes every device
func (s *Service) ListDevices() []DeviceInfo {
	devs := s.reg.Devices()
	out := make([]DeviceInfo, 0, len(devs))
	for _, dev := range devs {
		luns := make([]int, 0, len(dev.Luns))
		for n := range dev.Luns {
			luns = append(luns, n)
		}
		sort.Ints(luns)
		out = append(out, DeviceInfo{
			ID:          dev.ID,
			Names:       dev.Names,
			Policy:      dev.Policy,
			Paths:       dev.Paths.Len(),
			Luns:        luns,
			ControlByte: dev.ControlByte,
		})
	}
	return out
}

// ListPaths enumerates the paths of a device. max bounds the number of
// entries the caller can take; zero or less means no bound. When the device
// has more paths than max, BufferTooSmall is returned with the count.
func (s *Service) ListPaths(deviceID, max int) ([]PathInfo, int, Status) {
	dev, err := s.reg.Device(deviceID)
	if err != nil {
		return nil, 0, StatusFromError(err)
	}
	count := dev.Paths.Len()
	if max > 0 && max < count {
		return nil, count, StatusBufferTooSmall
	}

	out := make([]PathInfo, 0, count)
	for _, p := range dev.Paths.Paths {
		var current []int
		for lun, id := range dev.Paths.Current {
			if id == p.ID {
				current = append(current, lun)
			}
		}
		sort.Ints(current)
		out = append(out, PathInfo{
			ID:        p.ID,
			HostID:    p.HostID,
			WWNN:      p.Port.WWNN,
			WWPN:      p.Port.WWPN,
			Target:    p.Port.Target,
			Visible:   p.Visible(),
			Dead:      p.Dead(),
			Flags:     p.Flags,
			Enabled:   p.Enabled,
			Preferred: p.Preferred,
			Masked:    p.Masked,
			Current:   current,
		})
	}
	return out, count, StatusOk
}

// SetCurrentPath forces the current path of a LUN
func (s *Service) SetCurrentPath(deviceID, lun, pathID int) Status {
	unlock := s.locks.Lock(deviceID, lun)
	defer unlock()

	prev, err := s.reg.SetCurrentPath(deviceID, lun, pathID)
	if err != nil {
		return StatusFromError(err)
	}
	logger := log.WithLun(deviceID, lun)
	logger.Info().
		Int("from", prev).
		Int("to", pathID).
		Msg("Current path set administratively")
	return StatusOk
}

// GetHostStats returns the I/O counters of a host
func (s *Service) GetHostStats(hostID int) (types.HostStatsSnapshot, Status) {
	stats, err := s.reg.HostStats(hostID)
	if err != nil {
		return types.HostStatsSnapshot{}, StatusFromError(err)
	}
	return stats.Snapshot(), StatusOk
}

// ResetHostStats zeroes the I/O counters of a host
func (s *Service) ResetHostStats(hostID int) Status {
	stats, err := s.reg.HostStats(hostID)
	if err != nil {
		return StatusFromError(err)
	}
	stats.Reset()
	return StatusOk
}

// GetLunMasks returns the masks of a path
func (s *Service) GetLunMasks(deviceID, pathID int) (Masks, Status) {
	masks, err := s.reg.LunMasks(deviceID, pathID)
	if err != nil {
		return Masks{}, StatusFromError(err)
	}
	return masks, StatusOk
}

// SetLunMasks replaces the enabled, preferred and masked LUNs of a path
func (s *Service) SetLunMasks(deviceID, pathID int, masks Masks) Status {
	if err := s.reg.SetLunMasks(deviceID, pathID, masks); err != nil {
		return StatusFromError(err)
	}
	if name, ok := s.deviceName(deviceID); ok && s.store != nil {
		rec := &storage.LunMaskRecord{Device: name, PathID: pathID, PathMasks: masks}
		if err := s.store.PutLunMasks(rec); err != nil {
			s.logger.Warn().Err(err).Int("device_id", deviceID).Int("path_id", pathID).Msg("Failed to persist lun masks")
		}
	}
	return StatusOk
}

// GetControlByte returns the multipath-control byte of a device's target
func (s *Service) GetControlByte(deviceID int) (uint8, Status) {
	v, err := s.reg.ControlByte(deviceID)
	if err != nil {
		return 0, StatusFromError(err)
	}
	return v, StatusOk
}

// SetControlByte sets the multipath-control byte of a device's target
func (s *Service) SetControlByte(deviceID int, value uint8) Status {
	if err := s.reg.SetControlByte(deviceID, value); err != nil {
		return StatusFromError(err)
	}
	if name, ok := s.deviceName(deviceID); ok && s.store != nil {
		if err := s.store.PutControlByte(name, value); err != nil {
			s.logger.Warn().Err(err).Int("device_id", deviceID).Msg("Failed to persist control byte")
		}
	}
	return StatusOk
}

func (s *Service) deviceName(deviceID int) (string, bool) {
	dev, err := s.reg.Device(deviceID)
	if err != nil || len(dev.Names) == 0 {
		return "", false
	}
	return dev.Names[0], true
}
