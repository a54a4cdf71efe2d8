package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fwconsole"

var (
	// PollTicks counts poller executions per cache and outcome.
	PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "poll_ticks_total",
		Help:      "Poller executions per cache and outcome.",
	}, []string{"cache", "status"})

	// PollDuration records fetch-and-merge latency per cache.
	PollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Fetch-and-merge duration per poll tick in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 15.0},
	}, []string{"cache"})

	// PollerRunning is 1 while a cache's poller is active.
	PollerRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "poller_running",
		Help:      "1 while the cache poller is running, 0 otherwise.",
	}, []string{"cache"})

	// LogEntriesCached tracks the current log cache size.
	LogEntriesCached = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "log_entries_cached",
		Help:      "Firewall log entries currently held in the cache.",
	})

	// LogEntriesMerged counts merge outcomes per entry.
	LogEntriesMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "log_entries_merged_total",
		Help:      "Firewall log entries seen during merge, by outcome.",
	}, []string{"outcome"})

	// TrafficSamplesCached tracks samples held per interface.
	TrafficSamplesCached = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "traffic_samples_cached",
		Help:      "Traffic samples currently held per interface.",
	}, []string{"interface"})

	// PinVerifications counts PIN verification results.
	PinVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pin_verifications_total",
		Help:      "PIN verification attempts by result.",
	}, []string{"result"})

	// PinLockouts counts lockouts triggered by repeated failures.
	PinLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pin_lockouts_total",
		Help:      "Lockouts triggered by repeated PIN failures.",
	})

	// APICalls counts raw device API calls.
	APICalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_calls_total",
		Help:      "Raw device API call counts.",
	}, []string{"endpoint", "status"})

	// APIDuration records device API latency.
	APIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "api_duration_seconds",
		Help:      "Device API call latency in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
	}, []string{"endpoint"})

	// HTTPRequests counts command surface requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Command API requests by route and status class.",
	}, []string{"route", "code"})

	// DBSizeBytes tracks the profile database on-disk size.
	DBSizeBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_size_bytes",
		Help:      "bbolt profile database on-disk size in bytes.",
	})
)
