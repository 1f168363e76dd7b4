/*
Package health probes host adapters and turns the results into host state.

A Checker performs one probe and returns a Result. TURChecker sends TEST
UNIT READY through the scsi.Issuer to one target and LUN; any answer from
the array counts as healthy, only transport errors and timeouts do not.

Status folds results into consecutive success and failure counts:

	failures  >= Config.Retries   → unhealthy
	successes >= Config.Successes → healthy again

Monitor runs a checker per host on every interval. It picks the first path
of the host whose own port is usable, so a host that was marked down keeps
being probed:

	online host turns unhealthy → SetHostState(down) + BeginHostUpdate
	down host turns healthy     → CompleteHostUpdate + failback Trigger

An online host whose discovery is still pending is left to discovery.

Disabled hosts and hosts without paths are not probed.
*/
package health
