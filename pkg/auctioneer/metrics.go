package auctioneer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "auctioneer"

var (
	auctionsOpened = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "auctions_opened_total",
		Help:      "The number of auctions opened.",
	})

	duplicateAttributes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "duplicate_attributes_total",
		Help:      "The number of payload attributes ignored as duplicates.",
	})

	buildFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "build_failures_total",
		Help:      "The number of payload builds that could not be started.",
	})

	scheduleFetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "schedule_fetch_failures_total",
		Help:      "The number of failed proposer schedule fetches.",
	}, []string{"relay"})

	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "submissions_total",
		Help:      "The number of bid submissions to relays.",
	}, []string{"relay", "result"})

	openAuctionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "open_auctions",
		Help:      "The number of auctions currently open.",
	})

	invariantViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "invariant_violations_total",
		Help:      "The number of internal invariant violations.",
	}, []string{"kind"})
)
