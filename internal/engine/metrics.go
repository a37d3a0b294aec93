package engine

import "expvar"

var (
	enqueuedTotal      = expvar.NewInt("queue_enqueued_total")
	dequeuedTotal      = expvar.NewInt("queue_dequeued_total")
	dequeueEmptyTotal  = expvar.NewInt("queue_dequeue_empty_total")
	removedTotal       = expvar.NewInt("queue_removed_total")
	rebalanceRunsTotal = expvar.NewInt("queue_rebalance_runs_total")
	conflictsTotal     = expvar.NewInt("queue_store_conflicts_total")
	storageErrorsTotal = expvar.NewInt("queue_store_errors_total")
)
