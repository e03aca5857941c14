// Package engine contains the run machinery shared by every datamill
// command: error classification, a fixed-delay retry policy, a bounded
// bridge for blocking backend calls, the resource sync worker, and the
// orchestrator that joins the worker with the portal session tasks.
//
// # Error Classification
//
// Operations against external systems fail in two ways. Transient errors
// (a stuck refresh, a slow portal page) are worth retrying; permanent
// errors (bad credentials, a malformed workbook) are not. OpError carries
// the class plus the operation and resource involved:
//
//	err := engine.NewTransientError("failed to refresh resource", cause).
//		WithOp("refresh").
//		WithResource(path)
//
// IsRetryable treats errors as retryable unless they are explicitly
// permanent or already exhausted. Unknown errors from drivers and
// libraries therefore get retried rather than silently dropped.
//
// # Retry
//
// Policy is a pure decision: given a one-based attempt number and an
// error, it answers retry-after-fixed-delay or fail. Retrier runs an
// operation under a policy, logging each failed attempt at warn level.
// A non-retryable error passes through unchanged without consuming
// further attempts; when every attempt fails the caller receives one
// ExhaustedError wrapping the final cause:
//
//	retrier := engine.NewRetrier(engine.DefaultPolicy(), log)
//	err := retrier.Do(ctx, "portal.login", func(ctx context.Context) error {
//		return session.Login(ctx)
//	})
//
// # Bridge
//
// Portal automation runs against a blocking webdriver backend. Bridge
// bounds how many of those calls run at once: submissions return a Future
// immediately and the call itself parks until one of the fixed slots
// frees up. Waiting on a Future can be abandoned via context, but the
// underlying call is never cancelled; a hung backend call keeps its slot
// until it returns.
//
// # Sync Worker
//
// SyncWorker owns the resource refresh loop. It launches one application,
// walks the configured resources in order holding at most one open handle
// at a time, and retries each resource up to its attempt budget. A
// resource that exhausts its budget is abandoned: the outcome records the
// final error, the application is torn down and relaunched, and the run
// moves on. Stop requests take effect between resources only.
//
// # Orchestrator
//
// Orchestrator ties a run together: it starts the worker, runs the
// session tasks, then joins the worker. The join blocks on the worker's
// done channel; a ticker logs a heartbeat while waiting so long refreshes
// stay visible. Stop is idempotent and always waits for the in-progress
// resource to finish.
package engine
