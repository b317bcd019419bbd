package prom

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Counters incremented by the orchestration loop. The fan-out phase reports
// through the classify package's atomics instead; these are only touched
// from the single orchestrating goroutine.
var (
	SettlementsPosted  float64 = 0
	SettlementsSkipped float64 = 0
	ReconcileFailures  float64 = 0
	LinesNeedingReview float64 = 0
	ProgramErrors      float64 = 0
)

type Exporter struct {
	APICalls           *prometheus.Desc
	APIErrors          *prometheus.Desc
	OpenAITokens       *prometheus.Desc
	CacheLookups       *prometheus.Desc
	SettlementsPosted  *prometheus.Desc
	SettlementsSkipped *prometheus.Desc
	ReconcileFailures  *prometheus.Desc
	LinesNeedingReview *prometheus.Desc
	ProgramErrors      *prometheus.Desc
}

func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.APICalls
	ch <- e.APIErrors
	ch <- e.OpenAITokens
	ch <- e.CacheLookups
	ch <- e.SettlementsPosted
	ch <- e.SettlementsSkipped
	ch <- e.ReconcileFailures
	ch <- e.LinesNeedingReview
	ch <- e.ProgramErrors
}

func NewExporter(namespace string) *Exporter {
	return &Exporter{
		APICalls: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace,
				"status",
				"api_calls",
			),
			"Count of API calls",
			[]string{"type"},
			nil,
		),
		APIErrors: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace,
				"status",
				"api_errors",
			),
			"Count of API Errors",
			[]string{"type"},
			nil,
		),
		OpenAITokens: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace,
				"openai",
				"tokens",
			),
			"Count of OpenAI Tokens",
			[]string{"type"},
			nil,
		),
		CacheLookups: prometheus.NewDesc(
			prometheus.BuildFQName(
				namespace,
				"cache",
				"lookups",
			),
			"Category mapping cache lookups by outcome",
			[]string{"outcome"},
			nil,
		),
		SettlementsPosted: prometheusStatusDesc(
			namespace,
			"settlements_posted",
			"Count of settlements posted to YNAB",
		),
		SettlementsSkipped: prometheusStatusDesc(
			namespace,
			"settlements_skipped",
			"Count of settlements skipped as already processed",
		),
		ReconcileFailures: prometheusStatusDesc(
			namespace,
			"reconcile_failures",
			"Count of settlements that failed reconciliation",
		),
		LinesNeedingReview: prometheusStatusDesc(
			namespace,
			"lines_needing_review",
			"Count of allocation lines flagged for manual review",
		),
		ProgramErrors: prometheusStatusDesc(
			namespace,
			"program_errors",
			"Current status of the system",
		),
	}
}

func prometheusStatusDesc(namespace string, metric string, help string) *prometheus.Desc {
	return prometheus.NewDesc(
		prometheus.BuildFQName(
			namespace,
			"status",
			metric,
		),
		help,
		[]string{},
		nil,
	)
}
