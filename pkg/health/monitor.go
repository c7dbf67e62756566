// Package health tracks remote API stability by error class and drives
// backoff tier decisions. The Omie API signals overload with HTTP 425
// ("too early") responses; runs of consecutive 425s or 5xx responses mean
// the remote side is degrading and callers should slow down before the
// error budget is burned.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for API health tracking.
var (
	consecutiveRateLimitedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omie_consecutive_rate_limited",
		Help: "Current run of consecutive rate-limited (425/429) responses",
	})

	consecutiveServerErrorGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "omie_consecutive_server_errors",
		Help: "Current run of consecutive server-error (5xx/timeout) responses",
	})

	healthEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "omie_health_events_total",
		Help: "Total health events recorded by class",
	}, []string{"class"})
)

// Tier is the monitor's current assessment of remote API health, used to
// scale retry delays and the global call rate.
type Tier string

const (
	// TierNormal applies the base retry delay.
	TierNormal Tier = "normal"

	// TierAggressive multiplies the base retry delay. Entered after 2
	// consecutive rate-limited responses.
	TierAggressive Tier = "aggressive"

	// TierExtreme caps delays at a hard ceiling and additionally throttles
	// the global call rate. Entered after 6 consecutive rate-limited
	// responses.
	TierExtreme Tier = "extreme"
)

// Thresholds for backoff tier decisions.
const (
	// AggressiveThreshold is the consecutive rate-limited count at which
	// the monitor escalates to TierAggressive.
	AggressiveThreshold = 2

	// ExtremeThreshold is the consecutive rate-limited count at which the
	// monitor escalates to TierExtreme.
	ExtremeThreshold = 6
)

// Snapshot is a point-in-time copy of the monitor state for observability.
type Snapshot struct {
	ConsecutiveRateLimited int       `json:"consecutive_rate_limited"`
	ConsecutiveServerError int       `json:"consecutive_server_errors"`
	TotalRateLimited       int64     `json:"total_rate_limited"`
	TotalServerError       int64     `json:"total_server_errors"`
	TotalSuccess           int64     `json:"total_success"`
	LastSuccess            time.Time `json:"last_success"`
	Tier                   Tier      `json:"tier"`
	Unstable               bool      `json:"unstable"`
}

// Monitor tracks consecutive and lifetime error counts by class. It is safe
// for concurrent use; all state sits behind a single mutex. A Monitor is
// passed by reference into the API client and the download orchestrator so
// both observe the same view of remote health.
type Monitor struct {
	mu sync.Mutex

	consecutiveRateLimited int
	consecutiveServerError int

	totalRateLimited int64
	totalServerError int64
	totalSuccess     int64

	lastSuccess time.Time
}

// NewMonitor creates a Monitor with all counters at zero.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// RecordSuccess resets both consecutive counters and stamps the last
// success time.
func (m *Monitor) RecordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveRateLimited = 0
	m.consecutiveServerError = 0
	m.totalSuccess++
	m.lastSuccess = time.Now()

	consecutiveRateLimitedGauge.Set(0)
	consecutiveServerErrorGauge.Set(0)
	healthEventsTotal.WithLabelValues("success").Inc()
}

// RecordRateLimited registers a rate-limited (425/429) response. A run of
// rate-limited responses implies a different remote condition than server
// errors, so the server-error run is reset.
func (m *Monitor) RecordRateLimited() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveRateLimited++
	m.consecutiveServerError = 0
	m.totalRateLimited++

	consecutiveRateLimitedGauge.Set(float64(m.consecutiveRateLimited))
	consecutiveServerErrorGauge.Set(0)
	healthEventsTotal.WithLabelValues("rate_limited").Inc()
}

// RecordServerError registers a server-error (5xx, timeout, network)
// response, resetting the rate-limited run.
func (m *Monitor) RecordServerError() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.consecutiveServerError++
	m.consecutiveRateLimited = 0
	m.totalServerError++

	consecutiveServerErrorGauge.Set(float64(m.consecutiveServerError))
	consecutiveRateLimitedGauge.Set(0)
	healthEventsTotal.WithLabelValues("server_error").Inc()
}

// Tier returns the current backoff tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tierLocked()
}

func (m *Monitor) tierLocked() Tier {
	switch {
	case m.consecutiveRateLimited >= ExtremeThreshold:
		return TierExtreme
	case m.consecutiveRateLimited >= AggressiveThreshold:
		return TierAggressive
	default:
		return TierNormal
	}
}

// Unstable reports whether either consecutive counter is non-zero. Callers
// use it to proactively slow down before the client even attempts a call.
func (m *Monitor) Unstable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutiveRateLimited > 0 || m.consecutiveServerError > 0
}

// Snapshot returns a copy of the current state.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		ConsecutiveRateLimited: m.consecutiveRateLimited,
		ConsecutiveServerError: m.consecutiveServerError,
		TotalRateLimited:       m.totalRateLimited,
		TotalServerError:       m.totalServerError,
		TotalSuccess:           m.totalSuccess,
		LastSuccess:            m.lastSuccess,
		Tier:                   m.tierLocked(),
		Unstable:               m.consecutiveRateLimited > 0 || m.consecutiveServerError > 0,
	}
}
