package rangereader

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrencyGovernorBoundsInFlight(t *testing.T) {
	g := NewConcurrencyGovernor(2, 0, 0, nil)
	defer g.Close()

	var inFlight atomic.Int32
	var maxSeen atomic.Int32
	releaseAll := make(chan struct{})
	done := make(chan struct{}, 5)

	for i := 0; i < 5; i++ {
		go func() {
			release, err := g.Acquire(context.Background())
			require.NoError(t, err)
			n := inFlight.Add(1)
			for {
				cur := maxSeen.Load()
				if n <= cur || maxSeen.CompareAndSwap(cur, n) {
					break
				}
			}
			<-releaseAll
			inFlight.Add(-1)
			release()
			done <- struct{}{}
		}()
	}

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(2), maxSeen.Load())
	close(releaseAll)
	for i := 0; i < 5; i++ {
		<-done
	}
}

func TestConcurrencyGovernorAcquireRespectsContextCancellation(t *testing.T) {
	g := NewConcurrencyGovernor(1, 0, 0, nil)
	defer g.Close()

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = g.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConcurrencyGovernorCloseIsIdempotent(t *testing.T) {
	g := NewConcurrencyGovernor(1, 0.5, 5*time.Millisecond, nil)
	time.Sleep(15 * time.Millisecond) // let sampleLoop tick at least once
	g.Close()
	g.Close()
}
