package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names written by Fleet Core.
const (
	MeasurementTaskOutcome = "task_outcome"
	MeasurementQueueDepth  = "queue_depth"
	MeasurementReorder     = "reorder"
)

// TaskOutcome describes one finished task.
type TaskOutcome struct {
	Name     string
	Area     string
	Outcome  string
	Attempts int
	// Duration is first start to finish; zero if the task never ran.
	Duration time.Duration
	At       time.Time
}

// QueueDepth is a snapshot of one work area's task queue and pool.
type QueueDepth struct {
	Area         string
	Queued       int
	Capacity     int
	Running      int
	RetryPending int
	At           time.Time
}

// ReorderStats is a snapshot of one work area's notification reordering.
type ReorderStats struct {
	Area          string
	Pending       int
	OutOfSequence uint64
	Duplicates    uint64
	Stale         uint64
	Hiding        bool
	At            time.Time
}

// WriteTaskOutcome records a finished task.
//
// The write is non-blocking; data is batched and sent asynchronously.
//
// Example:
//
//	client.WriteTaskOutcome(influxdb.TaskOutcome{
//	    Name: "deploy_firmware", Area: "grp-1", Outcome: "ok",
//	    Attempts: 1, Duration: 42 * time.Second, At: time.Now(),
//	})
func (c *Client) WriteTaskOutcome(o TaskOutcome) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(taskOutcomePoint(o))
}

// WriteQueueDepth records a work area's queue gauges.
func (c *Client) WriteQueueDepth(q QueueDepth) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(queueDepthPoint(q))
}

// WriteReorder records a work area's reorder counters.
func (c *Client) WriteReorder(r ReorderStats) {
	if !c.IsConnected() {
		return
	}
	c.writeAPI.WritePoint(reorderPoint(r))
}

func taskOutcomePoint(o TaskOutcome) *write.Point {
	return write.NewPoint(
		MeasurementTaskOutcome,
		map[string]string{
			"task":    o.Name,
			"area":    o.Area,
			"outcome": o.Outcome,
		},
		map[string]interface{}{
			"attempts":    o.Attempts,
			"duration_ms": o.Duration.Milliseconds(),
		},
		stamp(o.At),
	)
}

func queueDepthPoint(q QueueDepth) *write.Point {
	return write.NewPoint(
		MeasurementQueueDepth,
		map[string]string{"area": q.Area},
		map[string]interface{}{
			"queued":        q.Queued,
			"capacity":      q.Capacity,
			"running":       q.Running,
			"retry_pending": q.RetryPending,
		},
		stamp(q.At),
	)
}

func reorderPoint(r ReorderStats) *write.Point {
	return write.NewPoint(
		MeasurementReorder,
		map[string]string{"area": r.Area},
		map[string]interface{}{
			"pending":         r.Pending,
			"out_of_sequence": r.OutOfSequence,
			"duplicates":      r.Duplicates,
			"stale":           r.Stale,
			"hiding":          r.Hiding,
		},
		stamp(r.At),
	)
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
