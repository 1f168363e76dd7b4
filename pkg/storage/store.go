package storage

import (
	"errors"

	"github.com/cuemby/mpathd/pkg/config"
	"github.com/cuemby/mpathd/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("record not found")

// PathBinding pins the path id of a (device, host, remote port) triple
type PathBinding struct {
	Device  string `json:"device"`
	HostID  int    `json:"host_id"`
	WWPN    string `json:"wwpn"`
	PathID  int    `json:"path_id"`
	Visible bool   `json:"visible"`
}

// LunMaskRecord is the persisted masks of one path
type LunMaskRecord struct {
	Device string `json:"device"`
	PathID int    `json:"path_id"`
	types.PathMasks
}

// Store defines the interface for persistent failover configuration.
// Devices are keyed by their primary world-wide name since device ids are
// assigned at runtime.
type Store interface {
	// Parameters
	SaveParams(params config.Params) error
	LoadParams() (*config.Params, error)

	// Path id bindings
	PutPathBinding(binding *PathBinding) error
	GetPathBinding(device string, hostID int, wwpn string) (*PathBinding, error)
	ListPathBindings() ([]*PathBinding, error)
	DeletePathBinding(device string, hostID int, wwpn string) error

	// LUN masks
	PutLunMasks(rec *LunMaskRecord) error
	ListLunMasks() ([]*LunMaskRecord, error)

	// Multipath-control bytes
	PutControlByte(device string, value uint8) error
	ListControlBytes() (map[string]uint8, error)

	// Utility
	Close() error
}
