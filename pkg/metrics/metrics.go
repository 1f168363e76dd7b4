package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpathd_hosts_total",
			Help: "Total number of attached host adapters by state",
		},
		[]string{"state"},
	)

	DevicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpathd_devices_total",
			Help: "Total number of multipath devices by combine policy",
		},
		[]string{"policy"},
	)

	PathsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpathd_paths_total",
			Help: "Total number of paths by health",
		},
		[]string{"health"},
	)

	LunsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpathd_luns_total",
			Help: "Total number of logical units",
		},
	)

	ConfigConflicts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpathd_config_conflicts",
			Help: "Configuration conflicts recorded while building the device tree",
		},
	)

	HostCounters = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpathd_host_counter",
			Help: "Per-host I/O statistics by counter name",
		},
		[]string{"host", "counter"},
	)

	// Failover metrics
	RetryDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpathd_retry_decisions_total",
			Help: "Total number of retry decisions by outcome",
		},
		[]string{"decision"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpathd_failovers_total",
			Help: "Total number of path switches by selection reason",
		},
		[]string{"reason"},
	)

	FailbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpathd_failbacks_total",
			Help: "Total number of LUNs restored to their preferred path",
		},
	)

	CommandsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mpathd_commands_failed_total",
			Help: "Total number of commands that exhausted their retry budget",
		},
	)

	FailoverQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mpathd_failover_queue_depth",
			Help: "Commands waiting for a failover decision",
		},
	)

	FailoverLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mpathd_failover_latency_seconds",
			Help:    "Time from enqueue to release of a failed-over command",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Notification metrics
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpathd_notifications_total",
			Help: "Total number of path switch notifications by type and result",
		},
		[]string{"type", "result"},
	)

	NotifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpathd_notify_duration_seconds",
			Help:    "Path switch notification duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	// Health probe metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpathd_probes_total",
			Help: "Total number of path health probes by result",
		},
		[]string{"result"},
	)

	// Admin API metrics
	AdminRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpathd_admin_requests_total",
			Help: "Total number of admin requests by route and status",
		},
		[]string{"route", "status"},
	)

	AdminRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mpathd_admin_request_duration_seconds",
			Help:    "Admin request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(DevicesTotal)
	prometheus.MustRegister(PathsTotal)
	prometheus.MustRegister(LunsTotal)
	prometheus.MustRegister(ConfigConflicts)
	prometheus.MustRegister(HostCounters)
	prometheus.MustRegister(RetryDecisions)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(FailbacksTotal)
	prometheus.MustRegister(CommandsFailed)
	prometheus.MustRegister(FailoverQueueDepth)
	prometheus.MustRegister(FailoverLatency)
	prometheus.MustRegister(NotificationsTotal)
	prometheus.MustRegister(NotifyDuration)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(AdminRequestsTotal)
	prometheus.MustRegister(AdminRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
