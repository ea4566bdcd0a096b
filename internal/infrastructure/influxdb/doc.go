// Package influxdb provides InfluxDB connectivity for Fleet Core.
//
// It wraps the official influxdb-client-go v2 library for connection
// management, metric writing and health monitoring.
//
// # Purpose
//
// This package records the scheduler's operational history as time series:
//   - task_outcome: one point per finished task (tags task, area, outcome)
//   - queue_depth: periodic queue and pool gauges per work area
//   - reorder: periodic notification reordering counters per work area
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetLogger(log)
//
//	client.WriteQueueDepth(influxdb.QueueDepth{Area: "ungrouped", Queued: 3, Capacity: 256})
//
// # Thread Safety
//
// All methods are safe for concurrent use from multiple goroutines.
// The underlying write API uses non-blocking batched writes.
//
// # Error Handling
//
// Write operations are non-blocking; failed batches are logged through the
// logger set with SetLogger and counted by WriteErrors. Connection and
// health check errors are returned directly. Writes on a closed client are
// dropped.
package influxdb
