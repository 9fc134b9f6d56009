package splitter

import (
	"context"
	"testing"
	"time"
)

// uniformCounter models resources arriving at one-per-tick over
// [base, base+total*tick), so Count is just linear interpolation --
// enough to exercise the bisection without a real upstream.
type uniformCounter struct {
	base  time.Time
	tick  time.Duration
	total int
}

func (c *uniformCounter) indexOf(ts time.Time) int {
	if !ts.After(c.base) {
		return 0
	}
	n := int(ts.Sub(c.base) / c.tick)
	if n > c.total {
		n = c.total
	}
	return n
}

func (c *uniformCounter) Count(_ context.Context, _ string, start, end time.Time) (int, bool, error) {
	lo, hi := c.indexOf(start), c.indexOf(end)
	if hi < lo {
		hi = lo
	}
	return hi - lo, false, nil
}

func (c *uniformCounter) FirstLastUpdated(_ context.Context, _ string, start, _ time.Time) (time.Time, bool, error) {
	if c.indexOf(start) >= c.total {
		return time.Time{}, false, nil
	}
	return start, true, nil
}

func (c *uniformCounter) LastLastUpdated(_ context.Context, _ string, _, end time.Time) (time.Time, bool, error) {
	return end, true, nil
}

func TestSplitSmallWindowYieldsSingleSubJob(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter := &uniformCounter{base: base, tick: time.Second, total: 500}
	start, end := base, base.Add(500*time.Second)

	jobs, err := Split(context.Background(), counter, "Patient", start, end, DefaultBounds)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 sub-job, got %d", len(jobs))
	}
	if jobs[0].ExpectedSize != 500 {
		t.Fatalf("expected size 500, got %d", jobs[0].ExpectedSize)
	}
	if !jobs[0].Start.Equal(start) || !jobs[0].End.Equal(end) {
		t.Fatalf("sub-job does not cover [start,end): got [%v,%v)", jobs[0].Start, jobs[0].End)
	}
}

func TestSplitEmptyRangeYieldsNoSubJobs(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter := &uniformCounter{base: base, tick: time.Second, total: 0}
	jobs, err := Split(context.Background(), counter, "Patient", base, base.Add(time.Hour), DefaultBounds)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("expected 0 sub-jobs, got %d", len(jobs))
	}
}

func TestSplitOversizedWindowBisectsWithinBounds(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	bounds := Bounds{Low: 20000, High: 40000}
	counter := &uniformCounter{base: base, tick: time.Millisecond, total: 120000}
	start := base
	end := base.Add(120000 * time.Millisecond)

	jobs, err := Split(context.Background(), counter, "Patient", start, end, bounds)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(jobs) < 3 {
		t.Fatalf("expected multiple sub-jobs for an oversized window, got %d", len(jobs))
	}

	cursor := start
	total := 0
	for i, j := range jobs {
		if !j.Start.Equal(cursor) {
			t.Fatalf("sub-job %d does not start where the previous ended: got %v want %v", i, j.Start, cursor)
		}
		if j.ExpectedSize > bounds.High {
			t.Fatalf("sub-job %d exceeds HIGH: %d > %d", i, j.ExpectedSize, bounds.High)
		}
		cursor = j.End
		total += j.ExpectedSize
	}
	if !cursor.Equal(end) {
		t.Fatalf("sub-jobs do not cover the full range: ended at %v want %v", cursor, end)
	}
	if total != 120000 {
		t.Fatalf("expected total resource count 120000, got %d", total)
	}
}
