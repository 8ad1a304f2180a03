// Package metrics exposes DialCore runtime metrics as a prometheus
// Collector that queries its providers at scrape time, so no counters have
// to be threaded through the call paths.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveCallsProvider exposes the number of active call sessions.
type ActiveCallsProvider interface {
	ActiveCallCount() int
}

// AccountStatusProvider exposes the registration status of the account.
type AccountStatusProvider interface {
	AccountStatusLabel() (accountID, status string)
}

// CallDirectionCounter returns persisted call record counts grouped by
// direction.
type CallDirectionCounter interface {
	CountByDirection(ctx context.Context) (map[string]int64, error)
}

// Collector is a prometheus.Collector that gathers DialCore metrics at
// scrape time.
type Collector struct {
	activeCalls ActiveCallsProvider
	account     AccountStatusProvider
	records     CallDirectionCounter
	startTime   time.Time

	activeCallsDesc   *prometheus.Desc
	accountStatusDesc *prometheus.Desc
	callsTotalDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(
	activeCalls ActiveCallsProvider,
	account AccountStatusProvider,
	records CallDirectionCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		activeCalls: activeCalls,
		account:     account,
		records:     records,
		startTime:   startTime,

		activeCallsDesc: prometheus.NewDesc(
			"dialcore_active_calls",
			"Number of currently active call sessions",
			nil, nil,
		),
		accountStatusDesc: prometheus.NewDesc(
			"dialcore_account_status",
			"Account registration status (1=registered, 0=other)",
			[]string{"account_id", "status"}, nil,
		),
		callsTotalDesc: prometheus.NewDesc(
			"dialcore_calls_total",
			"Total number of calls recorded in history",
			[]string{"direction"}, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialcore_uptime_seconds",
			"Seconds since the DialCore process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeCallsDesc
	ch <- c.accountStatusDesc
	ch <- c.callsTotalDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.activeCalls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.activeCallsDesc, prometheus.GaugeValue,
			float64(c.activeCalls.ActiveCallCount()),
		)
	}

	if c.account != nil {
		accountID, status := c.account.AccountStatusLabel()
		val := 0.0
		if status == "registered" {
			val = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.accountStatusDesc, prometheus.GaugeValue, val,
			accountID, status,
		)
	}

	if c.records != nil {
		counts, err := c.records.CountByDirection(ctx)
		if err != nil {
			slog.Error("metrics: failed to count call records", "error", err)
		} else {
			for _, dir := range []string{"incoming", "outgoing"} {
				ch <- prometheus.MustNewConstMetric(
					c.callsTotalDesc, prometheus.CounterValue,
					float64(counts[dir]), dir,
				)
			}
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
