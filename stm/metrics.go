package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	commitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gostm_commits_total",
		Help: "Total number of transaction commit attempts by outcome",
	}, []string{"outcome"})

	lockWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gostm_lock_wait_seconds",
		Help:    "Time spent acquiring a transaction's full lock sequence",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(commitTotal)
	prometheus.MustRegister(lockWaitSeconds)
}
