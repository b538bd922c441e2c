// Package metrics exposes control-plane activity as prometheus metrics,
// gathered at scrape time from the live components.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CallStats is a point-in-time snapshot of orchestrator activity.
type CallStats struct {
	CallsStarted       int64
	CallsBridged       int64
	CallsEnded         int64
	CallsTimedOut      int64
	OriginateAttempts  int64
	OriginateSuccesses int64
	PushesSent         int64
	PushesFailed       int64
}

// CallStatsProvider exposes orchestrator counters.
type CallStatsProvider interface {
	CallStatsSnapshot() CallStats
}

// EndpointCounter returns the number of live disposable endpoint rows.
type EndpointCounter interface {
	CountEphemeralEndpoints(ctx context.Context) (int64, error)
}

// SweepCounter returns the number of realtime rows removed by the janitor.
type SweepCounter interface {
	SweptEndpointCount() int64
}

// Collector is a prometheus.Collector that gathers Doorlink metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	calls     CallStatsProvider
	endpoints EndpointCounter
	sweeps    SweepCounter
	startTime time.Time

	callsStartedDesc       *prometheus.Desc
	callsBridgedDesc       *prometheus.Desc
	callsEndedDesc         *prometheus.Desc
	callsTimedOutDesc      *prometheus.Desc
	originateAttemptsDesc  *prometheus.Desc
	originateSuccessesDesc *prometheus.Desc
	pushesSentDesc         *prometheus.Desc
	pushesFailedDesc       *prometheus.Desc
	liveEndpointsDesc      *prometheus.Desc
	sweptEndpointsDesc     *prometheus.Desc
	uptimeDesc             *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(calls CallStatsProvider, endpoints EndpointCounter, sweeps SweepCounter) *Collector {
	return &Collector{
		calls:     calls,
		endpoints: endpoints,
		sweeps:    sweeps,
		startTime: time.Now(),

		callsStartedDesc: prometheus.NewDesc("doorlink_calls_started_total",
			"Doorphone calls accepted into the application.", nil, nil),
		callsBridgedDesc: prometheus.NewDesc("doorlink_calls_bridged_total",
			"Client legs successfully joined to a bridge.", nil, nil),
		callsEndedDesc: prometheus.NewDesc("doorlink_calls_ended_total",
			"Calls ended by hangup or client action.", nil, nil),
		callsTimedOutDesc: prometheus.NewDesc("doorlink_calls_timed_out_total",
			"Calls closed by the ring timer.", nil, nil),
		originateAttemptsDesc: prometheus.NewDesc("doorlink_originate_attempts_total",
			"Originate attempts against pending leases.", nil, nil),
		originateSuccessesDesc: prometheus.NewDesc("doorlink_originate_successes_total",
			"Originates accepted by the engine.", nil, nil),
		pushesSentDesc: prometheus.NewDesc("doorlink_pushes_sent_total",
			"Call-invite push batches fully delivered.", nil, nil),
		pushesFailedDesc: prometheus.NewDesc("doorlink_pushes_failed_total",
			"Call-invite push batches with failures.", nil, nil),
		liveEndpointsDesc: prometheus.NewDesc("doorlink_ephemeral_endpoints",
			"Disposable endpoint rows currently in the realtime store.", nil, nil),
		sweptEndpointsDesc: prometheus.NewDesc("doorlink_swept_endpoints_total",
			"Stale endpoint rows removed by the janitor.", nil, nil),
		uptimeDesc: prometheus.NewDesc("doorlink_uptime_seconds",
			"Seconds since the control plane started.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.callsStartedDesc
	ch <- c.callsBridgedDesc
	ch <- c.callsEndedDesc
	ch <- c.callsTimedOutDesc
	ch <- c.originateAttemptsDesc
	ch <- c.originateSuccessesDesc
	ch <- c.pushesSentDesc
	ch <- c.pushesFailedDesc
	ch <- c.liveEndpointsDesc
	ch <- c.sweptEndpointsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.calls != nil {
		st := c.calls.CallStatsSnapshot()
		ch <- prometheus.MustNewConstMetric(c.callsStartedDesc, prometheus.CounterValue, float64(st.CallsStarted))
		ch <- prometheus.MustNewConstMetric(c.callsBridgedDesc, prometheus.CounterValue, float64(st.CallsBridged))
		ch <- prometheus.MustNewConstMetric(c.callsEndedDesc, prometheus.CounterValue, float64(st.CallsEnded))
		ch <- prometheus.MustNewConstMetric(c.callsTimedOutDesc, prometheus.CounterValue, float64(st.CallsTimedOut))
		ch <- prometheus.MustNewConstMetric(c.originateAttemptsDesc, prometheus.CounterValue, float64(st.OriginateAttempts))
		ch <- prometheus.MustNewConstMetric(c.originateSuccessesDesc, prometheus.CounterValue, float64(st.OriginateSuccesses))
		ch <- prometheus.MustNewConstMetric(c.pushesSentDesc, prometheus.CounterValue, float64(st.PushesSent))
		ch <- prometheus.MustNewConstMetric(c.pushesFailedDesc, prometheus.CounterValue, float64(st.PushesFailed))
	}

	if c.endpoints != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		n, err := c.endpoints.CountEphemeralEndpoints(ctx)
		cancel()
		if err != nil {
			slog.Debug("metrics: counting ephemeral endpoints failed", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(c.liveEndpointsDesc, prometheus.GaugeValue, float64(n))
		}
	}

	if c.sweeps != nil {
		ch <- prometheus.MustNewConstMetric(c.sweptEndpointsDesc, prometheus.CounterValue, float64(c.sweeps.SweptEndpointCount()))
	}

	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}
