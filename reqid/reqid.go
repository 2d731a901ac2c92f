// Package reqid builds the X-ReqId correlation header attached to every
// HTTP request this module issues (range reads and monitor uploads alike),
// and tracks the process-wide download epoch those ids are relative to.
package reqid

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Header is the HTTP header name carrying the correlation id.
const Header = "X-ReqId"

var startTimeMs atomic.Uint64

// SetDownloadStartTime records the process-wide epoch that later X-ReqId
// values report their delta against. Defaults to 0 (epoch) until called.
func SetDownloadStartTime(t time.Time) {
	ms := t.UnixMilli()
	if ms < 0 {
		ms = 0
	}
	startTimeMs.Store(uint64(ms))
}

// TotalDownloadDuration returns the elapsed time since the recorded start,
// as observed at t.
func TotalDownloadDuration(t time.Time) time.Duration {
	endMs := t.UnixMilli()
	start := int64(startTimeMs.Load())
	if endMs < start {
		return 0
	}
	return time.Duration(endMs-start) * time.Millisecond
}

// Get builds the request id with no async task segment:
// r{start_time_ms}-{delta_ns}-t{tries}-o{timeout_ms}.
func Get(tn time.Time, tries int, timeout time.Duration) string {
	start, delta := startAndDelta(tn)
	return fmt.Sprintf("r%d-%d-t%d-o%d", start, delta, tries, timeout.Milliseconds())
}

// GetWithTask builds the request id including an async task correlation
// segment: r{start_time_ms}-{delta_ns}-t{tries}-a{async_task_id}-o{timeout_ms}.
func GetWithTask(tn time.Time, tries int, asyncTaskID uint32, timeout time.Duration) string {
	start, delta := startAndDelta(tn)
	return fmt.Sprintf("r%d-%d-t%d-a%d-o%d", start, delta, tries, asyncTaskID, timeout.Milliseconds())
}

func startAndDelta(tn time.Time) (uint64, int64) {
	start := startTimeMs.Load()
	deltaNs := tn.UnixNano() - int64(start)*int64(time.Millisecond)
	return start, deltaNs
}

// NewAsyncTaskID derives a stable 32-bit task correlation id from a fresh
// UUID. Collisions only degrade correlation readability, never correctness,
// so truncating a UUID's entropy down to 32 bits is an acceptable tradeoff
// against the header format's fixed width.
func NewAsyncTaskID() uint32 {
	id := uuid.New()
	b := id[:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

type contextKey struct{}

type requestInfo struct {
	tries   int
	timeout time.Duration
	taskID  uint32
	hasTask bool
}

func infoFrom(ctx context.Context) requestInfo {
	info, _ := ctx.Value(contextKey{}).(requestInfo)
	return info
}

// ContextWithTaskID tags ctx with the async task id that any request
// issued under it should report in its X-ReqId's "a" segment.
func ContextWithTaskID(ctx context.Context, taskID uint32) context.Context {
	info := infoFrom(ctx)
	info.taskID = taskID
	info.hasTask = true
	return context.WithValue(ctx, contextKey{}, info)
}

// ContextWithAttempt tags ctx with the current retry count and the
// selected host's timeout, preserving any task id already present.
func ContextWithAttempt(ctx context.Context, tries int, timeout time.Duration) context.Context {
	info := infoFrom(ctx)
	info.tries = tries
	info.timeout = timeout
	return context.WithValue(ctx, contextKey{}, info)
}

// FromContext builds the header value for a request issued under ctx at
// time tn. Returns false when ctx carries no attempt tag, so transports
// can leave untagged requests alone.
func FromContext(ctx context.Context, tn time.Time) (string, bool) {
	v := ctx.Value(contextKey{})
	if v == nil {
		return "", false
	}
	info := v.(requestInfo)
	if info.hasTask {
		return GetWithTask(tn, info.tries, info.taskID, info.timeout), true
	}
	return Get(tn, info.tries, info.timeout), true
}
