package history

import (
	"context"
	"time"

	"github.com/nerrad567/fleet-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fleet-core/internal/task"
)

// MetricsWriter is the subset of *influxdb.Client used here.
type MetricsWriter interface {
	WriteTaskOutcome(o influxdb.TaskOutcome)
	WriteQueueDepth(q influxdb.QueueDepth)
	WriteReorder(r influxdb.ReorderStats)
}

// MetricsObserver writes one task_outcome point per finished task.
type MetricsObserver struct {
	w MetricsWriter
}

// NewMetricsObserver creates an observer writing to w.
func NewMetricsObserver(w MetricsWriter) *MetricsObserver {
	return &MetricsObserver{w: w}
}

// TaskSubmitted is a no-op.
func (o *MetricsObserver) TaskSubmitted(task.Record) {}

// TaskFinished writes the task's outcome. The InfluxDB write API batches
// asynchronously, so this does not block the worker.
func (o *MetricsObserver) TaskFinished(rec task.Record) {
	o.w.WriteTaskOutcome(influxdb.TaskOutcome{
		Name:     rec.Name,
		Area:     rec.Area,
		Outcome:  string(rec.Outcome),
		Attempts: rec.Attempts,
		Duration: rec.Duration(),
		At:       rec.FinishedAt,
	})
}

var _ task.Observer = (*MetricsObserver)(nil)

// StatsSource reports work area statistics. *task.Scheduler implements it.
type StatsSource interface {
	Stats() []task.AreaStats
}

// Sampler periodically writes queue_depth and reorder gauges for every
// work area.
type Sampler struct {
	w        MetricsWriter
	src      StatsSource
	interval time.Duration
	now      func() time.Time
}

// NewSampler creates a sampler. An interval below one second is raised to
// one second.
func NewSampler(w MetricsWriter, src StatsSource, interval time.Duration) *Sampler {
	if interval < time.Second {
		interval = time.Second
	}
	return &Sampler{w: w, src: src, interval: interval, now: time.Now}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sample()
		}
	}
}

// Sample writes one set of gauges.
func (s *Sampler) Sample() {
	at := s.now()
	for _, a := range s.src.Stats() {
		s.w.WriteQueueDepth(influxdb.QueueDepth{
			Area:         a.Name,
			Queued:       a.Pool.Queued,
			Capacity:     a.Pool.Capacity,
			Running:      a.Pool.Running,
			RetryPending: a.Pool.RetryPending,
			At:           at,
		})
		s.w.WriteReorder(influxdb.ReorderStats{
			Area:          a.Name,
			Pending:       a.Reorder.Pending,
			OutOfSequence: a.Reorder.OutOfSequence,
			Duplicates:    a.Reorder.Duplicates,
			Stale:         a.Reorder.Stale,
			Hiding:        a.Hiding,
			At:            at,
		})
	}
}
