package document

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var extractionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "taxdesk_document_extractions_total",
	Help: "Uploaded documents processed, by format and outcome.",
}, []string{"format", "outcome"})
