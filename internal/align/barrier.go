package align

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// #region barrier

// Barrier collects the runs of one cohort. Alignment starts once every expected
// run has arrived, failed or been cancelled, or when the timeout promotes the
// stragglers to failed.
type Barrier struct {
	mu       sync.Mutex
	cohortID string
	timeout  time.Duration
	expected map[string]bool
	arrived  map[string]Run
	failed   map[string]string
	done     chan struct{}
	closed   bool
}

// NewBarrier creates a barrier waiting for the expected run ids. A non-positive
// timeout waits until every run is accounted for or the context ends.
func NewBarrier(cohortID string, expected []string, timeout time.Duration) *Barrier {
	b := &Barrier{
		cohortID: cohortID,
		timeout:  timeout,
		expected: make(map[string]bool, len(expected)),
		arrived:  make(map[string]Run),
		failed:   make(map[string]string),
		done:     make(chan struct{}),
	}
	for _, id := range expected {
		b.expected[id] = true
	}
	b.checkLocked()
	return b
}

// Arrive records a completed run.
func (b *Barrier) Arrive(run Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.admitLocked(run.RunID); err != nil {
		return err
	}
	b.arrived[run.RunID] = run
	b.checkLocked()
	return nil
}

// Fail records that an expected run will not complete.
func (b *Barrier) Fail(runID, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.admitLocked(runID); err != nil {
		return err
	}
	b.failed[runID] = reason
	b.checkLocked()
	return nil
}

// Cancel removes a pending run from the expected set.
func (b *Barrier) Cancel(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.admitLocked(runID); err != nil {
		return err
	}
	delete(b.expected, runID)
	b.checkLocked()
	return nil
}

// Wait blocks until the cohort is accounted for, the timeout fires, or ctx ends.
func (b *Barrier) Wait(ctx context.Context) (Cohort, error) {
	var timer <-chan time.Time
	if b.timeout > 0 {
		t := time.NewTimer(b.timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-b.done:
	case <-timer:
		b.expire()
	case <-ctx.Done():
		return Cohort{}, fmt.Errorf("wait for cohort %s: %w", b.cohortID, ctx.Err())
	}
	return b.Snapshot(), nil
}

// Snapshot returns the cohort as currently known; pending runs are left out.
func (b *Barrier) Snapshot() Cohort {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := Cohort{ID: b.cohortID}
	for id := range b.expected {
		c.Expected = append(c.Expected, id)
	}
	sort.Strings(c.Expected)
	for _, id := range c.Expected {
		if r, ok := b.arrived[id]; ok {
			c.Runs = append(c.Runs, r)
		}
		if reason, ok := b.failed[id]; ok {
			c.Failed = append(c.Failed, FailedRun{RunID: id, Reason: reason})
		}
	}
	return c
}

func (b *Barrier) admitLocked(runID string) error {
	if !b.expected[runID] {
		return fmt.Errorf("%w: %s in cohort %s", ErrUnexpectedRun, runID, b.cohortID)
	}
	if _, ok := b.arrived[runID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}
	if _, ok := b.failed[runID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRun, runID)
	}
	return nil
}

func (b *Barrier) expire() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id := range b.expected {
		_, arrived := b.arrived[id]
		_, failed := b.failed[id]
		if !arrived && !failed {
			b.failed[id] = fmt.Sprintf("timed out after %s", b.timeout)
		}
	}
	b.checkLocked()
}

func (b *Barrier) checkLocked() {
	if b.closed {
		return
	}
	for id := range b.expected {
		_, arrived := b.arrived[id]
		_, failed := b.failed[id]
		if !arrived && !failed {
			return
		}
	}
	b.closed = true
	close(b.done)
}

// #endregion barrier
