// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	auditRecordsDropped   = metrics.NewCounter("audit_records_dropped_total")
	auditRecordsPersisted = metrics.NewCounter("audit_records_persisted_total")
	solutionsRejected     = metrics.NewCounter("solutions_rejected_total")
	simulationsFailed     = metrics.NewCounter("settlement_simulations_failed_total")
	txReplacements        = metrics.NewCounter("tx_replacements_total")
	roundsEmpty           = metrics.NewCounter("rounds_empty_total")
)

func IncRounds(outcome string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`rounds_total{outcome="%s"}`, outcome)).Inc()
}

func IncRoundsEmpty() {
	roundsEmpty.Inc()
}

func IncSolverResult(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`solver_results_total{kind="%s"}`, kind)).Inc()
}

func IncSolutionsRejected() {
	solutionsRejected.Inc()
}

func IncSimulationsFailed() {
	simulationsFailed.Inc()
}

func IncSettlements(state string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`settlements_total{state="%s"}`, state)).Inc()
}

func IncOperatorCalls(method string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`operator_calls_total{method="%s"}`, method)).Inc()
}

func IncTxReplacements() {
	txReplacements.Inc()
}

func IncAuditRecordsDropped() {
	auditRecordsDropped.Inc()
}

func IncAuditRecordsPersisted() {
	auditRecordsPersisted.Inc()
}

func RecordRoundDuration(outcome string, durationMS int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`round_duration_milliseconds{outcome="%s"}`, outcome)).Update(float64(durationMS))
}

func RecordSolverDuration(solver string, durationMS int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`solver_request_duration_milliseconds{solver="%s"}`, solver)).Update(float64(durationMS))
}
