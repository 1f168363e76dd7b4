package types

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

const (
	// MaxDevices bounds the number of multipath devices in a registry
	MaxDevices = 256

	// MaxPathsLimit is the hard upper bound for MaxPathsPerDevice
	MaxPathsLimit = 8

	// NoPath marks the absence of a path id
	NoPath = -1
)

// HostState represents whether an adapter can carry I/O
type HostState string

const (
	HostStateOnline HostState = "online"
	HostStateDown   HostState = "down"
)

// HostFlags is the flag set of a host adapter
type HostFlags uint32

const (
	HostFailoverEnabled HostFlags = 1 << iota
	HostNeedsUpdate
	HostDisabled
)

func (f HostFlags) Has(x HostFlags) bool { return f&x == x }

func (f HostFlags) String() string {
	var parts []string
	if f.Has(HostFailoverEnabled) {
		parts = append(parts, "failover")
	}
	if f.Has(HostNeedsUpdate) {
		parts = append(parts, "needs-update")
	}
	if f.Has(HostDisabled) {
		parts = append(parts, "disabled")
	}
	return strings.Join(parts, ",")
}

// HostStats holds per-host I/O counters. Counters are updated without the
// registry lock, so the struct is shared by pointer between clones.
type HostStats struct {
	IOs       atomic.Uint64
	Bytes     atomic.Uint64
	Retries   atomic.Uint64
	Failovers atomic.Uint64
	Failbacks atomic.Uint64
	Errors    atomic.Uint64
}

// HostStatsSnapshot is a point-in-time copy of HostStats
type HostStatsSnapshot struct {
	IOs       uint64 `json:"ios"`
	Bytes     uint64 `json:"bytes"`
	Retries   uint64 `json:"retries"`
	Failovers uint64 `json:"failovers"`
	Failbacks uint64 `json:"failbacks"`
	Errors    uint64 `json:"errors"`
}

func (s *HostStats) Snapshot() HostStatsSnapshot {
	return HostStatsSnapshot{
		IOs:       s.IOs.Load(),
		Bytes:     s.Bytes.Load(),
		Retries:   s.Retries.Load(),
		Failovers: s.Failovers.Load(),
		Failbacks: s.Failbacks.Load(),
		Errors:    s.Errors.Load(),
	}
}

func (s *HostStats) Reset() {
	s.IOs.Store(0)
	s.Bytes.Store(0)
	s.Retries.Store(0)
	s.Failovers.Store(0)
	s.Failbacks.Store(0)
	s.Errors.Store(0)
}

// Host represents one physical adapter instance
type Host struct {
	ID         int
	Name       string
	State      HostState
	Flags      HostFlags
	Ports      []*TargetPort
	Stats      *HostStats
	AttachedAt time.Time
}

// Online reports whether the host can carry I/O
func (h *Host) Online() bool {
	return h.State == HostStateOnline && !h.Flags.Has(HostDisabled)
}

// Clone returns a copy of the host sharing its stats counters
func (h *Host) Clone() *Host {
	c := *h
	c.Ports = make([]*TargetPort, len(h.Ports))
	for i, p := range h.Ports {
		pc := *p
		c.Ports[i] = &pc
	}
	return &c
}

// PortState is the login state of a discovered remote port
type PortState string

const (
	PortStateOnline PortState = "online"
	PortStateLost   PortState = "lost"
	PortStateDead   PortState = "dead"
)

// TargetPort is a remote port discovered by a host
type TargetPort struct {
	WWNN   string    `json:"wwnn" yaml:"wwnn"`
	WWPN   string    `json:"wwpn" yaml:"wwpn"`
	PortID uint32    `json:"port_id" yaml:"port_id"`
	Target int       `json:"target" yaml:"target"`
	State  PortState `json:"state" yaml:"state"`
}

// SameTarget reports whether both ports identify the same remote port
func (p TargetPort) SameTarget(o TargetPort) bool {
	return p.WWPN != "" && strings.EqualFold(p.WWPN, o.WWPN)
}

// PathFlags is the mode flag set of a path
type PathFlags uint32

const (
	PathVisible PathFlags = 1 << iota
	PathHidden
	PathUnconfigured
	PathControllerUnstable
	PathFailbackDisabled
	PathDead
)

func (f PathFlags) Has(x PathFlags) bool { return f&x == x }

// Path is one host's route to a device
type Path struct {
	ID     int        `json:"id"`
	HostID int        `json:"host_id"`
	Port   TargetPort `json:"port"`
	Flags  PathFlags  `json:"flags"`

	// HostDown mirrors the owning host's state so a device snapshot can
	// judge path health without the host table.
	HostDown bool `json:"host_down"`

	Enabled   LunMask `json:"enabled"`
	Preferred LunMask `json:"preferred"`
	Masked    LunMask `json:"masked"`
	Reported  LunMask `json:"reported"`
}

// Dead reports whether the path cannot carry I/O
func (p *Path) Dead() bool {
	return p.Flags.Has(PathDead) || p.HostDown || p.Port.State == PortStateDead
}

// Reaches reports whether the LUN is enabled and not masked on this path
func (p *Path) Reaches(lun int) bool {
	return p.Enabled.Has(lun) && !p.Masked.Has(lun)
}

// Visible reports whether this is the device's OS-exposed path
func (p *Path) Visible() bool { return p.Flags.Has(PathVisible) }

// PathList is the ordered, circular collection of paths of one device
type PathList struct {
	Paths     []*Path
	VisibleID int
	Current   map[int]int // lun -> path id
}

func (l *PathList) Len() int { return len(l.Paths) }

// Index returns the position of the path id, or -1
func (l *PathList) Index(id int) int {
	for i, p := range l.Paths {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Get returns the path with the given id, or nil
func (l *PathList) Get(id int) *Path {
	if i := l.Index(id); i >= 0 {
		return l.Paths[i]
	}
	return nil
}

// Next returns the path following id in circular order. When id is unknown
// the first path is returned; an empty list yields nil.
func (l *PathList) Next(id int) *Path {
	if len(l.Paths) == 0 {
		return nil
	}
	i := l.Index(id)
	return l.Paths[(i+1)%len(l.Paths)]
}

// Ring returns every path except id, in circular order starting after id.
// Each path appears exactly once.
func (l *PathList) Ring(id int) []*Path {
	n := len(l.Paths)
	start := l.Index(id)
	out := make([]*Path, 0, n)
	for step := 1; step <= n; step++ {
		p := l.Paths[(start+step+n)%n]
		if p.ID == id {
			continue
		}
		out = append(out, p)
	}
	return out
}

// CurrentPath returns the current path for a LUN, or nil
func (l *PathList) CurrentPath(lun int) *Path {
	id, ok := l.Current[lun]
	if !ok {
		return nil
	}
	return l.Get(id)
}

// ActiveState is the controller membership of a path for a LUN on
// active/standby arrays
type ActiveState string

const (
	ActiveUnknown ActiveState = "unknown"
	ActiveActive  ActiveState = "active"
	ActiveStandby ActiveState = "standby"
	ActiveDead    ActiveState = "dead"
)

// PathLun is the per-path handle of a LUN
type PathLun struct {
	Handle uint64      `json:"handle"`
	Active ActiveState `json:"active"`
}

// LunPort records which path of a host reaches a LUN
type LunPort struct {
	HostID int `json:"host_id"`
	PathID int `json:"path_id"`
}

// Lun is a logical unit of a device
type Lun struct {
	Number   int
	WWLUN    string
	DeviceID int
	PathLuns map[int]*PathLun
	Ports    []LunPort
}

// Port returns the cross-host record for a host, or nil
func (l *Lun) Port(hostID int) *LunPort {
	for i := range l.Ports {
		if l.Ports[i].HostID == hostID {
			return &l.Ports[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the LUN
func (l *Lun) Clone() *Lun {
	c := *l
	c.PathLuns = make(map[int]*PathLun, len(l.PathLuns))
	for id, pl := range l.PathLuns {
		plc := *pl
		c.PathLuns[id] = &plc
	}
	c.Ports = append([]LunPort(nil), l.Ports...)
	return &c
}

// ActiveOn returns the cached controller state of a path, ActiveUnknown if none
func (l *Lun) ActiveOn(pathID int) ActiveState {
	if pl, ok := l.PathLuns[pathID]; ok && pl.Active != "" {
		return pl.Active
	}
	return ActiveUnknown
}

// CombinePolicy selects how failover paths are chosen for a device
type CombinePolicy string

const (
	PolicyStandard           CombinePolicy = "standard"
	PolicyActiveStandbyArray CombinePolicy = "active-standby"
)

// ParseCombinePolicy parses a policy name
func ParseCombinePolicy(s string) (CombinePolicy, error) {
	switch CombinePolicy(strings.ToLower(s)) {
	case "", PolicyStandard:
		return PolicyStandard, nil
	case PolicyActiveStandbyArray:
		return PolicyActiveStandbyArray, nil
	default:
		return "", fmt.Errorf("%w: unknown combine policy %q", ErrInvalidParam, s)
	}
}

// Device is a virtual multipath device for one target across all hosts
type Device struct {
	ID          int
	Names       []string
	Policy      CombinePolicy
	Notify      *NotifySettings
	ControlByte uint8
	Paths       PathList
	Luns        map[int]*Lun
	CreatedAt   time.Time
}

// Target returns the OS-visible target number of the device
func (d *Device) Target() int { return d.ID }

// HasName reports whether name is one of the device's world-wide names
func (d *Device) HasName(name string) bool {
	for _, n := range d.Names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the device
func (d *Device) Clone() *Device {
	c := *d
	c.Names = append([]string(nil), d.Names...)
	if d.Notify != nil {
		n := *d.Notify
		n.Cdb = append(HexBytes(nil), d.Notify.Cdb...)
		c.Notify = &n
	}
	c.Paths.Paths = make([]*Path, len(d.Paths.Paths))
	for i, p := range d.Paths.Paths {
		pc := *p
		c.Paths.Paths[i] = &pc
	}
	c.Paths.Current = make(map[int]int, len(d.Paths.Current))
	for lun, id := range d.Paths.Current {
		c.Paths.Current[lun] = id
	}
	c.Luns = make(map[int]*Lun, len(d.Luns))
	for n, l := range d.Luns {
		c.Luns[n] = l.Clone()
	}
	return &c
}
