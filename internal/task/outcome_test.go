package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nerrad567/fleet-core/internal/lock"
	"github.com/nerrad567/fleet-core/internal/queue"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"nil", nil, OutcomeOK},
		{"busy", fmt.Errorf("acquiring device lock: %w", lock.ErrBusy), OutcomeBusy},
		{"full", fmt.Errorf("submitting: %w", queue.ErrFull), OutcomeFull},
		{"deleted", lock.ErrDeleted, OutcomeDeleted},
		{"other", errors.New("device unreachable"), OutcomeError},
		{"stopped", ErrPoolStopped, OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsCancellation(t *testing.T) {
	if !IsCancellation(fmt.Errorf("waiting: %w", context.Canceled)) {
		t.Error("wrapped Canceled not detected")
	}
	if IsCancellation(lock.ErrBusy) {
		t.Error("ErrBusy reported as cancellation")
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	mid := func() float64 { return 0.5 } // zero jitter offset

	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.attempt, mid); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRetryPolicy_Jitter(t *testing.T) {
	p := DefaultRetryPolicy()

	low := p.Delay(1, func() float64 { return 0 })
	high := p.Delay(1, func() float64 { return 0.999999 })
	if low != 800*time.Millisecond {
		t.Errorf("low jitter = %v, want 800ms", low)
	}
	if high < 1199*time.Millisecond || high > 1200*time.Millisecond {
		t.Errorf("high jitter = %v, want ~1.2s", high)
	}
}

func TestRetryPolicy_Fixed(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 1}
	for attempt := 1; attempt <= 5; attempt++ {
		if got := p.Delay(attempt, nil); got != time.Second {
			t.Errorf("Delay(%d) = %v, want 1s", attempt, got)
		}
	}
}
