package metrics

import "expvar"

var (
	Evaluations           = expvar.NewInt("evaluations")
	OutcomesExecuted      = expvar.NewInt("outcomes_executed")
	OutcomesFailed        = expvar.NewInt("outcomes_failed")
	OutcomesNotApplicable = expvar.NewInt("outcomes_not_applicable")

	BetsPlaced        = expvar.NewInt("bets_placed")
	BetsRejected      = expvar.NewInt("bets_rejected")
	BreakerRejections = expvar.NewInt("breaker_rejections")

	// PlacedLiabilityCents 进程启动以来已下单的总风险敞口（分）
	PlacedLiabilityCents = expvar.NewInt("placed_liability_cents")

	StreamUpdates     = expvar.NewInt("stream_updates")
	SnapshotRefreshes = expvar.NewInt("snapshot_refreshes")
	LedgerErrors      = expvar.NewInt("ledger_errors")
	BroadcastDropped  = expvar.NewInt("broadcast_dropped")
)
