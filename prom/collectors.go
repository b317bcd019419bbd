package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/helpcomp/ynab-splitwise-importer/classify"
	"github.com/helpcomp/ynab-splitwise-importer/splitwise"
	"github.com/helpcomp/ynab-splitwise-importer/ynab"
)

func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	e.CollectAPI(ch) // External API Collector (API calls, errors, tokens)
	e.CollectSys(ch) // Program Collector (cache, settlements, errors)
}

// CollectAPI reports call and error counts for every external backend.
func (e *Exporter) CollectAPI(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		e.APICalls,
		prometheus.CounterValue,
		splitwise.APICalls,
		"splitwise",
	)
	ch <- prometheus.MustNewConstMetric(
		e.APICalls,
		prometheus.CounterValue,
		ynab.APICalls,
		"ynab",
	)
	ch <- prometheus.MustNewConstMetric(
		e.APICalls,
		prometheus.CounterValue,
		float64(classify.APICalls.Load()),
		"openai",
	)
	ch <- prometheus.MustNewConstMetric(
		e.APIErrors,
		prometheus.CounterValue,
		splitwise.APIErrors,
		"splitwise",
	)
	ch <- prometheus.MustNewConstMetric(
		e.APIErrors,
		prometheus.CounterValue,
		ynab.APIErrors,
		"ynab",
	)
	ch <- prometheus.MustNewConstMetric(
		e.APIErrors,
		prometheus.CounterValue,
		float64(classify.APIFailures.Load()),
		"openai",
	)
	ch <- prometheus.MustNewConstMetric(
		e.OpenAITokens,
		prometheus.CounterValue,
		float64(classify.PromptTokens.Load()),
		"prompt",
	)
	ch <- prometheus.MustNewConstMetric(
		e.OpenAITokens,
		prometheus.CounterValue,
		float64(classify.CompletionTokens.Load()),
		"completion",
	)
}

// CollectSys reports program information (cache effectiveness, settlement
// outcomes, errors).
func (e *Exporter) CollectSys(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(
		e.CacheLookups,
		prometheus.CounterValue,
		float64(classify.CacheHits.Load()),
		"hit",
	)
	ch <- prometheus.MustNewConstMetric(
		e.CacheLookups,
		prometheus.CounterValue,
		float64(classify.CacheMisses.Load()),
		"miss",
	)
	ch <- prometheus.MustNewConstMetric(
		e.SettlementsPosted,
		prometheus.CounterValue,
		SettlementsPosted,
	)
	ch <- prometheus.MustNewConstMetric(
		e.SettlementsSkipped,
		prometheus.CounterValue,
		SettlementsSkipped,
	)
	ch <- prometheus.MustNewConstMetric(
		e.ReconcileFailures,
		prometheus.CounterValue,
		ReconcileFailures,
	)
	ch <- prometheus.MustNewConstMetric(
		e.LinesNeedingReview,
		prometheus.GaugeValue,
		LinesNeedingReview,
	)
	ch <- prometheus.MustNewConstMetric(
		e.ProgramErrors,
		prometheus.CounterValue,
		ProgramErrors,
	)
}
