package reqid

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetFormat(t *testing.T) {
	SetDownloadStartTime(time.UnixMilli(1000))
	id := Get(time.UnixMilli(1500), 2, 3*time.Second)
	assert.True(t, strings.HasPrefix(id, "r1000-"))
	assert.Contains(t, id, "-t2-")
	assert.True(t, strings.HasSuffix(id, "-o3000"))
	assert.NotContains(t, id, "-a")
}

func TestGetWithTaskFormat(t *testing.T) {
	SetDownloadStartTime(time.UnixMilli(0))
	id := GetWithTask(time.UnixMilli(10), 1, 42, time.Second)
	assert.Contains(t, id, "-t1-a42-o1000")
}

func TestFromContextBuildsTaggedHeader(t *testing.T) {
	SetDownloadStartTime(time.UnixMilli(0))

	ctx := context.Background()
	_, ok := FromContext(ctx, time.UnixMilli(5))
	assert.False(t, ok, "untagged context produces no header")

	ctx = ContextWithTaskID(ctx, 7)
	ctx = ContextWithAttempt(ctx, 3, 2*time.Second)
	id, ok := FromContext(ctx, time.UnixMilli(5))
	assert.True(t, ok)
	assert.Contains(t, id, "-t3-a7-o2000")
}

func TestContextWithAttemptPreservesNoTask(t *testing.T) {
	ctx := ContextWithAttempt(context.Background(), 1, time.Second)
	id, ok := FromContext(ctx, time.UnixMilli(5))
	assert.True(t, ok)
	assert.NotContains(t, id, "-a")
}

func TestNewAsyncTaskIDNonZeroMostOfTheTime(t *testing.T) {
	// Not a strict invariant, just a smoke test that generation doesn't panic
	// and returns varying values.
	a := NewAsyncTaskID()
	b := NewAsyncTaskID()
	assert.True(t, a != 0 || b != 0)
	assert.NotEqual(t, a, b)
}
