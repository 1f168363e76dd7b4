package types

import (
	"time"

	"github.com/google/uuid"
)

// ErrorClass classifies the transport error a command completed with
type ErrorClass string

const (
	// ErrorClassPath means only the specific path is degraded
	ErrorClassPath ErrorClass = "path"

	// ErrorClassLink means the entire link or host is down
	ErrorClassLink ErrorClass = "link"
)

// CommandState is the failover state of an in-flight command
type CommandState string

const (
	CommandInFlight        CommandState = "in-flight"
	CommandFailoverPending CommandState = "failover-pending"
	CommandBusy            CommandState = "busy"
	CommandFailed          CommandState = "failed"
)

// Command is an in-flight I/O tracked by the failover machinery
type Command struct {
	ID         string
	DeviceID   int
	Lun        int
	HostID     int
	PathID     int
	ErrorClass ErrorClass
	State      CommandState
	Err        error
	IssuedAt   time.Time
	QueuedAt   time.Time
}

// NewCommand creates a command issued on the given path
func NewCommand(deviceID, lun, hostID, pathID int) *Command {
	return &Command{
		ID:       uuid.New().String(),
		DeviceID: deviceID,
		Lun:      lun,
		HostID:   hostID,
		PathID:   pathID,
		State:    CommandInFlight,
		IssuedAt: time.Now(),
	}
}
