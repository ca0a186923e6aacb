package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptOutcomes counts completed attempt cycles by outcome label.
	AttemptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_attempts_total",
		Help: "Total number of attempt cycles by outcome",
	}, []string{"outcome"})

	// AttemptDuration tracks the wall time of one check-then-order cycle.
	AttemptDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sniper_attempt_duration_seconds",
		Help:    "Duration of one availability check and optional order attempt",
		Buckets: prometheus.DefBuckets,
	})

	// ActiveTasks tracks the number of running per-item tasks.
	ActiveTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniper_scheduler_active_tasks",
		Help: "Current number of per-item scheduler tasks",
	})

	// SkippedFires counts timer fires skipped because an attempt was still in flight.
	SkippedFires = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_scheduler_skipped_fires_total",
		Help: "Timer fires skipped because the previous attempt for the item was still outstanding",
	})

	// DiscardedResults counts attempt results dropped after pause or delete.
	DiscardedResults = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_scheduler_discarded_results_total",
		Help: "Attempt results discarded because the item left Running",
	})

	// AuthHalts counts scheduler-wide pauses triggered by credential failures.
	AuthHalts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_scheduler_auth_halts_total",
		Help: "Number of times all running items were paused due to an auth failure",
	})

	// QueueItems tracks queue items by status.
	QueueItems = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sniper_queue_items",
		Help: "Current number of queue items by status",
	}, []string{"status"})

	// ProviderRequestDuration tracks provider call latency.
	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sniper_provider_request_duration_seconds",
		Help:    "Latency of provider API operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ProviderErrors counts provider failures by operation and error kind.
	ProviderErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_provider_errors_total",
		Help: "Total number of provider errors",
	}, []string{"op", "kind"})

	// ProviderBreakerState tracks the provider circuit (0=closed, 1=half_open, 2=open).
	ProviderBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniper_provider_breaker_state",
		Help: "Provider circuit breaker state (0=closed, 1=half_open, 2=open)",
	})

	// AvailabilityCache counts availability cache lookups by result.
	AvailabilityCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_availability_cache_total",
		Help: "Availability cache lookups by result (hit, miss)",
	}, []string{"result"})

	// OrdersPlaced counts successful checkouts.
	OrdersPlaced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_orders_placed_total",
		Help: "Total number of orders checked out",
	})

	// NotificationFailures counts notifications that could not be delivered.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_notification_failures_total",
		Help: "Total number of failed notification deliveries",
	}, []string{"notifier"})

	// RedisLatency tracks Redis operation latency.
	RedisLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sniper_redis_latency_seconds",
		Help:    "Latency of Redis operations",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
	})

	// LockContention counts attempt locks that were already held.
	LockContention = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_attempt_lock_contention_total",
		Help: "Attempt lock acquisitions refused because the lock was held",
	}, []string{"backend"})

	// IdempotentReplays counts responses served from the idempotency cache.
	IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sniper_idempotent_replays_total",
		Help: "Requests answered from the idempotency cache",
	})

	// HTTPRequests counts API requests by route and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_http_requests_total",
		Help: "Total number of API requests",
	}, []string{"method", "route", "code"})

	// HTTPRequestDuration tracks API latency by route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "sniper_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	// APIRateLimited counts API requests rejected by the request limiter.
	APIRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sniper_api_rate_limited_total",
		Help: "API requests rejected with 429",
	}, []string{"route"})

	// StreamClients tracks connected dashboard WebSocket clients.
	StreamClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sniper_stream_clients",
		Help: "Current number of dashboard stream clients",
	})
)
