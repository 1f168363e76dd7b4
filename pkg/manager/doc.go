/*
Package manager assembles the mpathd daemon.

A Manager owns the bbolt store, the event broker and the entity registry,
and builds the failover engine, notifier, failback scheduler, host prober,
metrics collector and admin server on top of them. Adapter drivers talk to
it through three entrypoints:

	CompleteCommand  every command completion, good or bad
	HostDown         an adapter lost its link
	HostUpdated      rediscovery on an adapter finished

CompleteCommand never blocks. Commands that exhaust their per-path retry
budget are queued and handed back through the Dispatcher once the engine
has switched the LUN to another path.

Run starts the background components under one errgroup and returns when
the context is cancelled.
*/
package manager
