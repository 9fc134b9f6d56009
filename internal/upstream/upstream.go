// Package upstream declares the interfaces the core consumes for the
// upstream clinical-records API; the concrete FHIR/DICOM client is a
// deliberately out-of-scope external collaborator (spec Sec 1).
package upstream

import (
	"context"
	"time"
)

// Counter is the upstream capability the splitter borrows (spec
// Sec 4.4, Sec 6): counting- and boundary-timestamp queries against
// `_lastUpdated`. A concrete FHIR client issues
// GET ?_type=<R>&_lastUpdated=ge<ts>&_lastUpdated=lt<ts>&_summary=count
// for Count, and the `_count=1&_sort=(-)_lastUpdated` boundary query
// for FirstLastUpdated/LastLastUpdated.
type Counter interface {
	Count(ctx context.Context, resourceType string, start, end time.Time) (count int, saturated bool, err error)
	FirstLastUpdated(ctx context.Context, resourceType string, start, end time.Time) (ts time.Time, ok bool, err error)
	LastLastUpdated(ctx context.Context, resourceType string, start, end time.Time) (ts time.Time, ok bool, err error)
}

// Fetcher retrieves the actual resources for a sub-job once a
// processing job (C7) runs it. C7 is external to this spec; Fetcher
// exists only so a processing-job implementation has a documented
// seam to plug into the same upstream client the splitter uses.
type Fetcher interface {
	Fetch(ctx context.Context, resourceType string, start, end time.Time) (records [][]byte, err error)
	FetchCompartment(ctx context.Context, patientID string) (records [][]byte, err error)
}
