package selector

import (
	"context"
	"sort"

	"github.com/cuemby/mpathd/pkg/types"
)

// smart implements the active/standby array policy. Link errors search other
// hosts first; path errors search for a verified active path. Both fall back
// to round robin.
func (s *Selector) smart(ctx context.Context, req Request) Selection {
	dev := req.Device
	lun, ok := dev.Luns[req.Lun]
	if !ok {
		return Selection{Path: roundRobin(dev, req.Lun, req.FailingPathID), Reason: ReasonFallback}
	}

	var sel Selection
	if req.ErrorClass == types.ErrorClassLink {
		sel = s.acrossHosts(ctx, dev, lun, req.FailingPathID)
	} else {
		sel = s.verifiedActive(ctx, dev, lun, req.FailingPathID)
	}
	if sel.Path == nil {
		sel.Path = roundRobin(dev, req.Lun, req.FailingPathID)
		sel.Reason = ReasonFallback
	}
	return sel
}

// acrossHosts cycles once through every other host reaching the LUN,
// preferring paths known active over paths of unknown state, and then takes
// any other usable path on any host. Cached states of paths on arrays with
// unstable controller membership are not trusted; those paths are probed.
func (s *Selector) acrossHosts(ctx context.Context, dev *types.Device, lun *types.Lun, failing int) Selection {
	failingHost := types.NoPath
	if p := dev.Paths.Get(failing); p != nil {
		failingHost = p.HostID
	}

	var candidates []*types.Path
	for _, lp := range hostOrder(lun.Ports, failingHost) {
		if lp.HostID == failingHost || lp.PathID == types.NoPath || lp.PathID == failing {
			continue
		}
		if p := dev.Paths.Get(lp.PathID); p != nil && usable(p, lun.Number) {
			candidates = append(candidates, p)
		}
	}

	fresh := make(map[int]types.ActiveState)
	probed := make(map[int]types.ActiveState)
	activeOn := func(p *types.Path) types.ActiveState {
		cached := lun.ActiveOn(p.ID)
		if !p.Flags.Has(types.PathControllerUnstable) {
			return cached
		}
		if state, ok := fresh[p.ID]; ok {
			return state
		}
		state := s.probe(ctx, dev, lun, p)
		fresh[p.ID] = state
		if state != cached {
			probed[p.ID] = state
		}
		return state
	}

	for _, want := range []types.ActiveState{types.ActiveActive, types.ActiveUnknown} {
		for _, p := range candidates {
			if activeOn(p) == want {
				return Selection{Path: p, Reason: ReasonOtherHost, Probed: probed}
			}
		}
	}

	for _, p := range dev.Paths.Ring(failing) {
		if usable(p, lun.Number) && activeOn(p) != types.ActiveDead {
			return Selection{Path: p, Reason: ReasonOtherPath, Probed: probed}
		}
	}
	return Selection{Probed: probed}
}

// hostOrder returns the LUN's host records in circular host-id order
// starting after the failing host
func hostOrder(ports []types.LunPort, failingHost int) []types.LunPort {
	sorted := append([]types.LunPort(nil), ports...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HostID < sorted[j].HostID })

	start := 0
	for i, lp := range sorted {
		if lp.HostID > failingHost {
			start = i
			break
		}
	}
	out := make([]types.LunPort, 0, len(sorted))
	for i := range sorted {
		out = append(out, sorted[(start+i)%len(sorted)])
	}
	return out
}

// verifiedActive returns another usable path whose controller the prober
// confirms active. Other hosts are tried before the failing path's host;
// paths confirmed dead or standby are skipped.
func (s *Selector) verifiedActive(ctx context.Context, dev *types.Device, lun *types.Lun, failing int) Selection {
	failingHost := types.NoPath
	if p := dev.Paths.Get(failing); p != nil {
		failingHost = p.HostID
	}

	var otherHosts, sameHost []*types.Path
	for _, p := range dev.Paths.Ring(failing) {
		if !usable(p, lun.Number) {
			continue
		}
		if p.HostID == failingHost {
			sameHost = append(sameHost, p)
		} else {
			otherHosts = append(otherHosts, p)
		}
	}

	probed := make(map[int]types.ActiveState)
	for _, p := range append(otherHosts, sameHost...) {
		state := s.probe(ctx, dev, lun, p)
		if state != lun.ActiveOn(p.ID) {
			probed[p.ID] = state
		}
		if state == types.ActiveActive {
			return Selection{Path: p, Reason: ReasonActivePath, Probed: probed}
		}
	}
	return Selection{Probed: probed}
}

func (s *Selector) probe(ctx context.Context, dev *types.Device, lun *types.Lun, p *types.Path) types.ActiveState {
	cached := lun.ActiveOn(p.ID)
	if s.prober == nil || ctx.Err() != nil {
		return cached
	}
	state, err := s.prober.ProbeActive(ctx, dev, lun.Number, p)
	if err != nil {
		s.logger.Debug().Err(err).
			Int("device_id", dev.ID).
			Int("lun", lun.Number).
			Int("path_id", p.ID).
			Msg("Controller probe failed")
		return types.ActiveDead
	}
	return state
}
