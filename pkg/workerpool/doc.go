// Package workerpool executes independent units of work under a bounded
// concurrency budget and isolates per-unit failure from the batch.
//
// Every task submitted to Pool.Run resolves to exactly one entry: a Result
// in the Batch or a FailureRecord in the Ledger. Successes plus failures
// always equal the number of submitted tasks, whatever the failure
// distribution.
//
// # Basic Usage
//
//	pool := workerpool.New[string, []byte]("pages", workerpool.DefaultConfig(), logger)
//	batch, ledger := pool.Run(ctx, tasks, func(ctx context.Context, t workerpool.Task[string]) ([]byte, error) {
//		return fetch(ctx, t.Params)
//	})
//	if err := workerpool.WriteReport("failed_request.json", ledger, time.Now()); err != nil {
//		return err
//	}
//
// # Failure Report
//
// WriteReport serialises the ledger as a JSON document with created_time and
// the parallel lists units and errors. LoadReport reads it back so only the
// failed subset can be resubmitted.
//
// # Metrics
//
//   - ingest_units_total{pool,outcome} - finished units
//   - ingest_unit_duration_seconds{pool} - per-unit execution time
//   - ingest_units_in_flight{pool} - units currently running
package workerpool
