// Package task runs long-running fleet operations on per-area worker pools.
//
// A Task wraps a function together with the progress.Handle its callers poll.
// Tasks are submitted to a WorkArea, which owns a bounded FIFO queue, a fixed
// pool of worker goroutines and the reorder collection for the notifications
// of the devices in that area. A Scheduler owns every area; there is no
// package-level state.
//
// # Execution
//
// Workers run each task to completion. A task that fails with an error
// wrapping lock.ErrBusy and carries a RetryPolicy is put back on its queue
// after a backoff instead of blocking a worker. Panics are recovered at the
// worker boundary and recorded on the task's handle.
//
// # Shutdown
//
// Pool.Shutdown lets running tasks finish, fails every queued task and every
// pending retry with ErrPoolStopped, and joins the workers.
package task
