// Package metrics contains all application-logic metrics
package metrics

import "github.com/VictoriaMetrics/metrics"

var (
	cyclesTotal          = metrics.NewCounter("arb_cycles_total")
	opportunitiesFound   = metrics.NewCounter("arb_opportunities_found_total")
	opportunitiesPicked  = metrics.NewCounter("arb_opportunities_selected_total")
	simulationsRejected  = metrics.NewCounter("arb_simulations_rejected_total")
	simulationsAmbiguous = metrics.NewCounter("arb_simulations_ambiguous_total")
	txSubmitted          = metrics.NewCounter("arb_tx_submitted_total")
	txConfirmed          = metrics.NewCounter("arb_tx_confirmed_total")
	txReverted           = metrics.NewCounter("arb_tx_reverted_total")
	txStuck              = metrics.NewCounter("arb_tx_stuck_total")
	tierFailovers        = metrics.NewCounter("arb_tier_failovers_total")
	riskTrips            = metrics.NewCounter("arb_risk_trips_total")
	mempoolCandidates    = metrics.NewCounter("arb_mempool_candidates_total")
	mempoolReconnects    = metrics.NewCounter("arb_mempool_reconnects_total")
	batchCalls           = metrics.NewCounter("arb_batch_calls_total")

	cycleDuration   = metrics.NewSummary("arb_cycle_duration_ms")
	confirmDuration = metrics.NewSummary("arb_confirm_duration_ms")
)

func IncCycles() {
	cyclesTotal.Inc()
}

func IncOpportunitiesFound() {
	opportunitiesFound.Inc()
}

func IncOpportunitiesSelected() {
	opportunitiesPicked.Inc()
}

func IncSimulationsRejected() {
	simulationsRejected.Inc()
}

func IncSimulationsAmbiguous() {
	simulationsAmbiguous.Inc()
}

func IncTxSubmitted() {
	txSubmitted.Inc()
}

func IncTxConfirmed() {
	txConfirmed.Inc()
}

func IncTxReverted() {
	txReverted.Inc()
}

func IncTxStuck() {
	txStuck.Inc()
}

func IncTierFailovers() {
	tierFailovers.Inc()
}

func IncRiskTrips() {
	riskTrips.Inc()
}

func IncMempoolCandidates() {
	mempoolCandidates.Inc()
}

func IncMempoolReconnects() {
	mempoolReconnects.Inc()
}

func IncBatchCalls() {
	batchCalls.Inc()
}

func RecordCycleDuration(ms int64) {
	cycleDuration.Update(float64(ms))
}

func RecordConfirmDuration(ms int64) {
	confirmDuration.Update(float64(ms))
}
