package manager

import (
	"errors"
	"fmt"
)

// restoreSettings reapplies persisted LUN masks and control bytes. Records
// are keyed by device name; devices not discovered yet are skipped.
func (m *Manager) restoreSettings() error {
	var errs []error

	masks, err := m.store.ListLunMasks()
	if err != nil {
		return fmt.Errorf("failed to list lun masks: %w", err)
	}
	for _, rec := range masks {
		dev, err := m.registry.DeviceByName(rec.Device)
		if err != nil {
			continue
		}
		if err := m.registry.SetLunMasks(dev.ID, rec.PathID, rec.PathMasks); err != nil {
			errs = append(errs, fmt.Errorf("masks of %s path %d: %w", rec.Device, rec.PathID, err))
		}
	}

	controls, err := m.store.ListControlBytes()
	if err != nil {
		return fmt.Errorf("failed to list control bytes: %w", err)
	}
	for name, v := range controls {
		dev, err := m.registry.DeviceByName(name)
		if err != nil {
			continue
		}
		if err := m.registry.SetControlByte(dev.ID, v); err != nil {
			errs = append(errs, fmt.Errorf("control byte of %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
