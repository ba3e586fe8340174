package observability

import (
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BankMetrics records custody activity for operator dashboards.
type BankMetrics struct {
	Deposits    *prometheus.CounterVec
	Withdrawals *prometheus.CounterVec
	Rejections  *prometheus.CounterVec
	SwapLatency prometheus.Histogram
	Exposure    prometheus.Gauge
}

var (
	bankMetricsOnce sync.Once
	bankRegistry    *BankMetrics
)

// Bank returns the lazily-initialised custody metrics registry.
func Bank() *BankMetrics {
	bankMetricsOnce.Do(func() {
		bankRegistry = &BankMetrics{
			Deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenbank",
				Subsystem: "vault",
				Name:      "deposits_total",
				Help:      "Successful deposit-class operations segmented by route.",
			}, []string{"route"}),
			Withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenbank",
				Subsystem: "vault",
				Name:      "withdrawals_total",
				Help:      "Successful withdrawal-class operations segmented by route.",
			}, []string{"route"}),
			Rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "tokenbank",
				Subsystem: "vault",
				Name:      "rejections_total",
				Help:      "Rejected operations segmented by reason.",
			}, []string{"reason"}),
			SwapLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "tokenbank",
				Subsystem: "vault",
				Name:      "swap_settlement_seconds",
				Help:      "Latency distribution of arbitrary-token swap settlements.",
				Buckets:   prometheus.DefBuckets,
			}),
			Exposure: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "tokenbank",
				Subsystem: "vault",
				Name:      "exposure_canonical_units",
				Help:      "Aggregate custodied value in canonical units.",
			}),
		}
		prometheus.MustRegister(
			bankRegistry.Deposits,
			bankRegistry.Withdrawals,
			bankRegistry.Rejections,
			bankRegistry.SwapLatency,
			bankRegistry.Exposure,
		)
	})
	return bankRegistry
}

// ObserveExposure updates the exposure gauge; values beyond float64 precision
// degrade gracefully.
func (m *BankMetrics) ObserveExposure(exposure *big.Int) {
	if m == nil || exposure == nil {
		return
	}
	value, _ := new(big.Float).SetInt(exposure).Float64()
	m.Exposure.Set(value)
}
