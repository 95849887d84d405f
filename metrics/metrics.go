// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	tradesExecuted      = metrics.NewCounter(`trades_executed_total{outcome="success"}`)
	tradesFailed        = metrics.NewCounter(`trades_executed_total{outcome="failed"}`)
	ordersTriggered     = metrics.NewCounter("orders_triggered_total")
	positionsPurged     = metrics.NewCounter("positions_purged_total")
	monitorTickErrors   = metrics.NewCounter("monitor_tick_errors_total")
	bundleLandDuration  = metrics.NewSummary("bundle_land_duration_ms")
	confirmPollDuration = metrics.NewSummary("confirmation_poll_duration_ms")
)

func IncTradeExecuted(success bool) {
	if success {
		tradesExecuted.Inc()
	} else {
		tradesFailed.Inc()
	}
}

func IncTierAttempt(tier string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tier_attempts_total{tier=%q}`, tier)).Inc()
}

func IncTierConfirmed(tier string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`tier_confirmed_total{tier=%q}`, tier)).Inc()
}

func IncBundlesAccepted(endpoint string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`bundles_accepted_total{endpoint=%q}`, endpoint)).Inc()
}

func IncOrdersTriggered() {
	ordersTriggered.Inc()
}

func IncPositionsPurged() {
	positionsPurged.Inc()
}

func IncMonitorTickErrors() {
	monitorTickErrors.Inc()
}

func RecordBundleLandDuration(ms int64) {
	bundleLandDuration.Update(float64(ms))
}

func RecordConfirmationPollDuration(ms int64) {
	confirmPollDuration.Update(float64(ms))
}
