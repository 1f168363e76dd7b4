package manager

import (
	"github.com/cuemby/mpathd/pkg/log"
	"github.com/cuemby/mpathd/pkg/types"
	"github.com/rs/zerolog"
)

// LogDispatcher logs the commands the failover engine hands back. It stands
// in for the adapter driver's retry path when the daemon runs without one.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher() *LogDispatcher {
	return &LogDispatcher{logger: log.WithComponent("dispatch")}
}

func (d *LogDispatcher) Release(cmd *types.Command) {
	ev := d.logger.Info()
	if cmd.State == types.CommandFailed {
		ev = d.logger.Error().Err(cmd.Err)
	}
	ev.Str("command_id", cmd.ID).
		Int("device_id", cmd.DeviceID).
		Int("lun", cmd.Lun).
		Int("path_id", cmd.PathID).
		Str("state", string(cmd.State)).
		Msg("Command released")
}
