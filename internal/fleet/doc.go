// Package fleet manages the appliance inventory and the background
// operations run against it.
//
// Devices are identified by serial number and may belong to one group.
// Every group has its own scheduler work area; ungrouped devices share the
// UngroupedArea. The Manager keeps the areas and the lock table in step with
// the inventory and builds the tasks that act on devices:
//
//   - Resync: fail-fast on the device lock, for interactive callers
//   - SyncDomain: re-queued with backoff while the device is busy
//   - DeployFirmware: firmware, group and device locks taken in rank
//     order, one progress step per device, result staged until the locks
//     are released
//   - Reboot: waits for the device lock
//
// Device notifications arrive through Manager.Ingest and are delivered
// back to Manager.HandleNotification in sequence order. A notification
// released after a gap timed out triggers a Resync of that device.
//
// Usage:
//
//	repo := fleet.NewSQLiteRepository(db.DB)
//	groups := fleet.NewSQLiteGroupRepository(db.DB)
//	registry := fleet.NewRegistry(repo, groups)
//	mgr := fleet.NewManager(registry, sched, publisher, fleet.DefaultManagerConfig())
//	sched.SetNotificationHandler(mgr.HandleNotification)
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//
//	ref, err := mgr.Reboot(ctx, "DP0001")
//	if err != nil {
//	    return err
//	}
//	st, err := ref.Handle().WaitForEnd(ctx)
package fleet
