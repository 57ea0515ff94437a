package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	intakeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkmd",
		Subsystem: "intake",
		Name:      "requests_total",
		Help:      "Intake requests by outcome.",
	}, []string{"outcome"})

	orphanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pkmd",
		Subsystem: "orphans",
		Name:      "resolved_total",
		Help:      "Orphaned visits by resolution.",
	}, []string{"resolution"})
)
