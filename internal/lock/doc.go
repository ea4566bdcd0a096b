// Package lock provides the reentrant write locks that protect fleet resources.
//
// Every protected resource (a device, a device group, the firmware pool, the
// set of ungrouped devices) has exactly one Lock. Writers must hold it;
// readers never acquire it and may observe slightly stale data.
//
// # Ownership
//
// Go has no goroutine identity, so reentrancy is keyed on an explicit Owner
// token. The task framework gives every task execution its own Owner and
// carries it in the context:
//
//	ctx = lock.WithOwner(ctx, lock.Owner(taskID))
//	owner := lock.OwnerFromContext(ctx)
//	if err := deviceLock.TryAcquire(owner); err != nil {
//	    return err // lock.ErrBusy: retry later
//	}
//	defer deviceLock.Release(owner)
//
// # Acquisition modes
//
//   - TryAcquire never blocks and returns ErrBusy on contention. Background
//     tasks turn ErrBusy into a delayed retry; interactive callers abort.
//   - Acquire blocks until the lock is free or the context is cancelled.
//
// # Ordering
//
// Tasks that need several locks must take them through a Set, which sorts
// them into the global order ungrouped → firmware → group → device and never
// holds a partial subset after a failure.
package lock
