package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	documentsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "paperbase_documents_ingested_total",
		Help: "Documents accepted for processing.",
	})
	searchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "paperbase_search_duration_seconds",
		Help:    "End-to-end latency of similarity searches.",
		Buckets: prometheus.DefBuckets,
	})
)
