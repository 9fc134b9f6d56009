// Package splitter bisects a time window into sub-jobs each sized
// between LOW and HIGH upstream resources (spec C5), using counted
// binary search. Split computes the whole finite sequence up front and
// returns it as a slice; it does not yield sub-jobs lazily.
package splitter

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/yungbote/fhirqueue/internal/platform/apierr"
)

// SubJob is one yielded slice: a half-open time range and the
// resource count the splitter believes it contains.
type SubJob struct {
	Start        time.Time
	End          time.Time
	ExpectedSize int
}

// Counter is the upstream capability the splitter borrows. It owns no
// queue state and is never retained beyond a single Split call.
type Counter interface {
	// Count returns the number of resources of resourceType with
	// lastUpdated in [start, end). A saturated upstream ("too many
	// results") is reported via saturated=true; the splitter treats
	// that as +Inf and keeps bisecting.
	Count(ctx context.Context, resourceType string, start, end time.Time) (count int, saturated bool, err error)

	// FirstLastUpdated/LastLastUpdated return the lastUpdated of the
	// earliest/latest resource in [start, end), used to seed anchors.
	FirstLastUpdated(ctx context.Context, resourceType string, start, end time.Time) (ts time.Time, ok bool, err error)
	LastLastUpdated(ctx context.Context, resourceType string, start, end time.Time) (ts time.Time, ok bool, err error)
}

// Bounds configures the target sub-job size.
type Bounds struct {
	Low  int
	High int
}

var DefaultBounds = Bounds{Low: 20000, High: 40000}

// bisectResolution is the timestamp resolution below which the
// splitter stops bisecting and accepts whichever boundary is smaller
// (spec 4.4 step 4, millisecond resolution).
const bisectResolution = time.Millisecond

type anchor struct {
	ts    time.Time
	count int // cumulative count from Start to ts; math.MaxInt32 marks a saturated (+Inf) anchor
}

// Split returns the full, eagerly-computed sequence of sub-jobs for
// [start, end). The orchestrator pulls elements off the returned slice
// one at a time; the type is a slice rather than a channel because the
// whole anchor map must be known before any element can be yielded in
// its final form (the walk in step 4 can still revise a tentative
// anchor after more bisection), matching the algorithm in spec Sec 4.4.
func Split(ctx context.Context, counter Counter, resourceType string, start, end time.Time, bounds Bounds) ([]SubJob, error) {
	if !start.Before(end) {
		return nil, apierr.Fatal("splitter.split", errValidation("start must be before end"))
	}

	total, saturated, err := counter.Count(ctx, resourceType, start, end)
	if err != nil {
		return nil, apierr.Retriable("splitter.split", err)
	}
	if total == 0 {
		return nil, nil
	}
	if !saturated && total < bounds.High {
		return []SubJob{{Start: start, End: end, ExpectedSize: total}}, nil
	}

	anchors := map[int64]int{
		start.UnixNano(): 0,
		end.UnixNano():   countOrInf(total, saturated),
	}
	if firstTS, ok, err := counter.FirstLastUpdated(ctx, resourceType, start, end); err != nil {
		return nil, apierr.Retriable("splitter.split", err)
	} else if ok {
		anchors[firstTS.UnixNano()] = 0
	}
	if lastTS, ok, err := counter.LastLastUpdated(ctx, resourceType, start, end); err != nil {
		return nil, apierr.Retriable("splitter.split", err)
	} else if ok {
		anchors[lastTS.UnixNano()] = countOrInf(total, saturated)
	}

	ordered := sortedAnchors(anchors)

	var out []SubJob
	cursorTS := start
	cursorCount := 0

	i := 1
	for i < len(ordered) {
		candidate := ordered[i]
		delta := candidate.count - cursorCount
		if delta < bounds.Low && candidate.ts.Before(end) {
			i++
			continue
		}
		if delta >= bounds.Low && delta <= bounds.High {
			out = append(out, SubJob{Start: cursorTS, End: candidate.ts, ExpectedSize: delta})
			cursorTS = candidate.ts
			cursorCount = candidate.count
			i++
			continue
		}

		// oversized: bisect between cursorTS and candidate.ts
		accepted, acceptedCount, err := bisect(ctx, counter, resourceType, cursorTS, cursorCount, candidate.ts, candidate.count, bounds)
		if err != nil {
			return nil, err
		}
		out = append(out, SubJob{Start: cursorTS, End: accepted, ExpectedSize: acceptedCount - cursorCount})
		cursorTS = accepted
		cursorCount = acceptedCount
		if !accepted.Before(candidate.ts) {
			i++
		}
	}

	if cursorTS.Before(end) {
		out = append(out, SubJob{Start: cursorTS, End: end, ExpectedSize: countOrInf(total, saturated) - cursorCount})
	}
	return out, nil
}

// bisect binary-searches the midpoint timestamps between (loTS,loCount)
// and (hiTS,hiCount) until millisecond resolution, recomputing counts
// at each probe, and returns the first probe whose delta from loCount
// falls in [Low,High]. If resolution bottoms out first it returns the
// smaller of the two boundary points, or the later (end-exclusive)
// boundary when the smaller one never moved off the starting point, so
// every sub-job is non-empty, disjoint and half-open.
func bisect(ctx context.Context, counter Counter, resourceType string, loTS time.Time, loCount int, hiTS time.Time, hiCount int, bounds Bounds) (time.Time, int, error) {
	startTS := loTS
	for hiTS.Sub(loTS) > bisectResolution {
		mid := loTS.Add(hiTS.Sub(loTS) / 2)
		count, saturated, err := counter.Count(ctx, resourceType, loTS, mid)
		if err != nil {
			return time.Time{}, 0, apierr.Retriable("splitter.bisect", err)
		}
		delta := count
		if saturated {
			delta = math.MaxInt32
		}
		abs := loCount + delta
		if delta >= bounds.Low && delta <= bounds.High {
			return mid, abs, nil
		}
		if delta < bounds.Low {
			loTS = mid
			loCount = abs
		} else {
			hiTS = mid
			hiCount = abs
		}
	}
	// resolution exhausted: take the smaller boundary unless it is still
	// the starting point, in which case the later boundary is taken.
	if loTS.After(startTS) {
		return loTS, loCount, nil
	}
	return hiTS, hiCount, nil
}

func countOrInf(total int, saturated bool) int {
	if saturated {
		return math.MaxInt32
	}
	return total
}

func sortedAnchors(m map[int64]int) []anchor {
	out := make([]anchor, 0, len(m))
	for nanos, count := range m {
		out = append(out, anchor{ts: time.Unix(0, nanos).UTC(), count: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ts.Before(out[j].ts) })
	return out
}

type validationError string

func errValidation(msg string) error { return validationError(msg) }
func (e validationError) Error() string { return string(e) }
