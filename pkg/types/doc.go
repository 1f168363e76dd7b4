/*
Package types defines the entity graph shared by every mpathd component.

A Host is one adapter. A Device is a multipath target identified by its
world-wide names; it owns a PathList, the ring of Paths that reach it
through different hosts, and the per-LUN current path pointer. A Lun is a
logical unit of a Device with one PathLun entry per Path and one LunPort
per Host.

Per-LUN state on a Path is held in LunMask bitsets (Enabled, Preferred,
Masked, Reported). Commands tracked by the failover machinery are Command
values; their ErrorClass decides whether a failure indicts one path or the
whole link.

The sentinel errors in errors.go are the error taxonomy of the daemon.
Callers wrap them with context and classify with errors.Is.
*/
package types
