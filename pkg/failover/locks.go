package failover

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// LunKey identifies a LUN across the tree
type LunKey struct {
	DeviceID int
	Lun      int
}

// LunLocks serializes path-switch decisions per LUN. Failover and failback
// share one instance.
type LunLocks struct {
	m *xsync.MapOf[LunKey, *sync.Mutex]
}

func NewLunLocks() *LunLocks {
	return &LunLocks{m: xsync.NewMapOf[LunKey, *sync.Mutex]()}
}

// Lock acquires the lock of a LUN and returns its release func
func (l *LunLocks) Lock(deviceID, lun int) func() {
	mu, _ := l.m.LoadOrCompute(LunKey{DeviceID: deviceID, Lun: lun}, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	mu.Lock()
	return mu.Unlock
}
