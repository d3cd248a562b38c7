package reconciliation

import "github.com/prometheus/client_golang/prometheus"

const metricsSubsystem = "reconciliation"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sokuji",
		Subsystem: metricsSubsystem,
		Name:      "runs_total",
		Help:      "Reconciliation runs by result (clean, drift, error).",
	}, []string{"result"})

	driftedWallets = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sokuji",
		Subsystem: metricsSubsystem,
		Name:      "drifted_wallets",
		Help:      "Wallets whose balance disagreed with the ledger sum in the last run.",
	})

	lastRunSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sokuji",
		Subsystem: metricsSubsystem,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix time the last reconciliation run finished.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sokuji",
		Subsystem: metricsSubsystem,
		Name:      "run_duration_seconds",
		Help:      "Time spent comparing wallet balances with the ledger.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(runsTotal, driftedWallets, lastRunSeconds, runDuration)
}

func observeRun(rep *Report, err error) {
	switch {
	case err != nil:
		runsTotal.WithLabelValues("error").Inc()
		return
	case rep.Count > 0:
		runsTotal.WithLabelValues("drift").Inc()
	default:
		runsTotal.WithLabelValues("clean").Inc()
	}
	driftedWallets.Set(float64(rep.Count))
}
