// Package apierr is the error taxonomy shared by the queue client, job
// host, scheduler, splitter and orchestrator. Every component that can
// fail across an API boundary returns one of these kinds instead of a
// bare error so the caller can switch on Kind rather than string-match.
package apierr

import "fmt"

type Kind string

const (
	// KindRetriable covers transient failures (table throttling, a
	// message that is temporarily invisible, an upstream 5xx): the host
	// re-leases the job and the caller resumes from persisted progress.
	KindRetriable Kind = "retriable"
	// KindNotExist means the caller's lease is no longer valid: its
	// version no longer matches the stored version, or the queue
	// reports the message/pop-receipt is gone. The caller must abandon
	// the job silently; it is not a bug.
	KindNotExist Kind = "not_exist"
	// KindDuplicate names a duplicate definition. Enqueue does not return
	// it: a definition that already has a JobLock in the (queueType,
	// groupId) partition comes back as the existing id with deduped=true
	// and a nil error.
	KindDuplicate Kind = "duplicate"
	// KindEntityTooLarge / KindPropertyTooLarge are fatal to the call:
	// the caller must shrink the definition or result before retrying.
	KindEntityTooLarge   Kind = "entity_too_large"
	KindPropertyTooLarge Kind = "property_too_large"
	// KindCancelled surfaces a cooperative cancellation that was
	// observed via keepAlive; the host completes the job Cancelled.
	KindCancelled Kind = "cancelled"
	// KindFatal is an unrecoverable, non-retriable failure (bad
	// config, auth failure, programmer error after logging).
	KindFatal Kind = "fatal"
)

// Error is the concrete type returned by this package. Components switch
// on Kind via IsKind, never on Error() text.
type Error struct {
	Kind Kind
	Op   string // the operation that failed, e.g. "queue.dequeue"
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Retriable(op string, err error) *Error        { return New(KindRetriable, op, err) }
func NotExist(op string, err error) *Error         { return New(KindNotExist, op, err) }
func Duplicate(op string, err error) *Error        { return New(KindDuplicate, op, err) }
func EntityTooLarge(op string, err error) *Error   { return New(KindEntityTooLarge, op, err) }
func PropertyTooLarge(op string, err error) *Error { return New(KindPropertyTooLarge, op, err) }
func Cancelled(op string, err error) *Error        { return New(KindCancelled, op, err) }
func Fatal(op string, err error) *Error            { return New(KindFatal, op, err) }

// IsKind reports whether err (or anything it wraps) is an *Error of kind k.
func IsKind(err error, k Kind) bool {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = unwrapper.Unwrap()
	}
	return e != nil && e.Kind == k
}

func IsRetriable(err error) bool { return IsKind(err, KindRetriable) }
func IsNotExist(err error) bool  { return IsKind(err, KindNotExist) }
func IsFatal(err error) bool     { return IsKind(err, KindFatal) }
