// Package discovery loads a host/port/LUN topology from YAML and feeds it
// through the registry's find-or-create operations, the same calls an
// adapter driver makes while scanning its fabric.
package discovery

import (
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/registry"
	"github.com/cuemby/mpathd/pkg/types"
	"gopkg.in/yaml.v3"
)

// Topology is what one discovery pass reports
type Topology struct {
	Hosts   []Host   `yaml:"hosts"`
	Devices []Device `yaml:"devices,omitempty"`
}

// Host is one adapter and the remote ports it logged into
type Host struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name,omitempty"`
	Failover *bool  `yaml:"failover,omitempty"`
	Ports    []Port `yaml:"ports"`
}

// Port is a remote port and the LUNs reported behind it. The port's WWNN
// names the multipath device. UnstableController marks arrays whose
// controller membership changes underneath the host.
type Port struct {
	types.TargetPort   `yaml:",inline"`
	UnstableController bool  `yaml:"unstable_controller,omitempty"`
	Luns               []Lun `yaml:"luns,omitempty"`
}

// Lun is a logical unit reported through a port
type Lun struct {
	Number    int    `yaml:"number"`
	WWLUN     string `yaml:"wwlun"`
	Handle    uint64 `yaml:"handle,omitempty"`
	Preferred bool   `yaml:"preferred,omitempty"`
}

// Device carries per-device settings keyed by any of its names
type Device struct {
	Name   string                `yaml:"name"`
	Policy string                `yaml:"policy,omitempty"`
	Notify *types.NotifySettings `yaml:"notify,omitempty"`
}

// Load reads and parses a topology file
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read topology: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a topology document
func Parse(data []byte) (*Topology, error) {
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("failed to parse topology: %w", err)
	}
	if err := topo.Validate(); err != nil {
		return nil, err
	}
	return &topo, nil
}

// Validate checks identities and ranges before anything is applied
func (t *Topology) Validate() error {
	hosts := make(map[int]bool)
	for _, h := range t.Hosts {
		if h.ID < 0 {
			return fmt.Errorf("%w: host id %d", types.ErrInvalidParam, h.ID)
		}
		if hosts[h.ID] {
			return fmt.Errorf("%w: duplicate host id %d", types.ErrInvalidParam, h.ID)
		}
		hosts[h.ID] = true
		for _, p := range h.Ports {
			if p.WWNN == "" || p.WWPN == "" {
				return fmt.Errorf("%w: host %d has a port without wwnn/wwpn", types.ErrInvalidParam, h.ID)
			}
			for _, l := range p.Luns {
				if l.Number < 0 || l.Number >= types.MaxLuns {
					return fmt.Errorf("%w: lun %d out of range on %s", types.ErrInvalidParam, l.Number, p.WWPN)
				}
				if l.WWLUN == "" {
					return fmt.Errorf("%w: lun %d on %s has no wwlun", types.ErrInvalidParam, l.Number, p.WWPN)
				}
			}
		}
	}
	for _, d := range t.Devices {
		if _, err := types.ParseCombinePolicy(d.Policy); err != nil {
			return fmt.Errorf("device %s: %w", d.Name, err)
		}
		if d.Notify != nil {
			if err := d.Notify.Validate(); err != nil {
				return fmt.Errorf("device %s: %w", d.Name, err)
			}
		}
	}
	return nil
}

// Registry is the set of registry operations discovery drives
type Registry interface {
	AttachHost(spec registry.HostSpec) (*types.Host, error)
	BeginHostUpdate(hostID int) error
	CompleteHostUpdate(hostID int) (bool, error)
	FindOrCreateDevice(names []string, policy types.CombinePolicy) (*types.Device, error)
	FindOrCreatePath(hostID, deviceID int, port types.TargetPort) (*types.Path, error)
	FindOrCreateLun(deviceID int, wwlun string, number int) (*types.Lun, error)
	RegisterLunPath(deviceID, lun, pathID int, handle uint64, preferred bool) error
	SetPathFlags(deviceID, pathID int, flags types.PathFlags, on bool) error
	DeviceByName(name string) (*types.Device, error)
	SetDevicePolicy(deviceID int, policy types.CombinePolicy) error
	SetDeviceNotify(deviceID int, settings *types.NotifySettings) error
}

// Result counts what a pass found. Completed lists the hosts whose update
// finished cleanly.
type Result struct {
	Hosts     int
	Paths     int
	Luns      int
	Completed []int
}

// Apply feeds the topology into reg. A failure on one port does not stop
// the pass; every failure is returned joined, and a host with failures
// keeps its needs-update flag.
func Apply(reg Registry, topo *Topology) (Result, error) {
	logger := log.WithComponent("discovery")
	var res Result
	var errs []error

	policies := make(map[string]types.CombinePolicy)
	for _, d := range topo.Devices {
		policy, _ := types.ParseCombinePolicy(d.Policy)
		policies[d.Name] = policy
	}

	for _, h := range topo.Hosts {
		failover := h.Failover == nil || *h.Failover
		if _, err := reg.AttachHost(registry.HostSpec{ID: h.ID, Name: h.Name, FailoverEnabled: failover}); err != nil {
			errs = append(errs, fmt.Errorf("host %d: %w", h.ID, err))
			continue
		}
		if err := reg.BeginHostUpdate(h.ID); err != nil {
			errs = append(errs, fmt.Errorf("host %d: %w", h.ID, err))
			continue
		}
		res.Hosts++

		hostErrs := 0
		for _, p := range h.Ports {
			n, luns, err := applyPort(reg, h.ID, p, policies[p.WWNN])
			res.Paths += n
			res.Luns += luns
			if err != nil {
				hostErrs++
				errs = append(errs, fmt.Errorf("host %d port %s: %w", h.ID, p.WWPN, err))
			}
		}
		if hostErrs > 0 {
			logger.Warn().Int("host_id", h.ID).Int("failed_ports", hostErrs).Msg("Discovery incomplete, host stays pending")
			continue
		}
		if _, err := reg.CompleteHostUpdate(h.ID); err != nil {
			errs = append(errs, fmt.Errorf("host %d: %w", h.ID, err))
			continue
		}
		res.Completed = append(res.Completed, h.ID)
	}

	for _, d := range topo.Devices {
		dev, err := reg.DeviceByName(d.Name)
		if err != nil {
			errs = append(errs, fmt.Errorf("device %s: %w", d.Name, err))
			continue
		}
		if err := reg.SetDevicePolicy(dev.ID, policies[d.Name]); err != nil {
			errs = append(errs, err)
		}
		if d.Notify != nil {
			if err := reg.SetDeviceNotify(dev.ID, d.Notify); err != nil {
				errs = append(errs, err)
			}
		}
	}

	logger.Info().
		Int("hosts", res.Hosts).
		Int("paths", res.Paths).
		Int("luns", res.Luns).
		Msg("Topology applied")
	return res, errors.Join(errs...)
}

func applyPort(reg Registry, hostID int, p Port, policy types.CombinePolicy) (int, int, error) {
	dev, err := reg.FindOrCreateDevice([]string{p.WWNN}, policy)
	if err != nil {
		return 0, 0, err
	}
	if p.State == "" {
		p.State = types.PortStateOnline
	}
	path, err := reg.FindOrCreatePath(hostID, dev.ID, p.TargetPort)
	if err != nil {
		return 0, 0, err
	}
	if err := reg.SetPathFlags(dev.ID, path.ID, types.PathControllerUnstable, p.UnstableController); err != nil {
		return 1, 0, err
	}
	luns := 0
	for _, l := range p.Luns {
		if _, err := reg.FindOrCreateLun(dev.ID, l.WWLUN, l.Number); err != nil {
			return 1, luns, fmt.Errorf("lun %d: %w", l.Number, err)
		}
		if err := reg.RegisterLunPath(dev.ID, l.Number, path.ID, l.Handle, l.Preferred); err != nil {
			return 1, luns, fmt.Errorf("lun %d: %w", l.Number, err)
		}
		luns++
	}
	return 1, luns, nil
}
