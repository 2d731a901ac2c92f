package rangereader

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/qbox-oss/rangedl/reqid"
)

// call is a (request, reply) pair sent down the bridge's request channel,
// mirroring the worker-pool submit/callback shape this codebase already
// uses elsewhere for request/response fan-in over a channel.
type call struct {
	ctx   context.Context
	req   Request
	reply chan Response
}

// RangeReader is the synchronous handle over the async reader. It owns a
// dedicated OS thread running a single-goroutine cooperative loop reached
// only through a request channel; every exported method sends a call and
// blocks its calling goroutine on the reply channel. Go's scheduler parks
// the blocked goroutine for free, so no custom waker primitive is needed.
type RangeReader struct {
	requests chan call
	done     chan struct{}
	closeOne sync.Once

	governor *ConcurrencyGovernor
	logger   *logrus.Entry
}

// Params configures a RangeReader.
type Params struct {
	Reader   AsyncReader
	Governor *ConcurrencyGovernor
	Logger   *logrus.Entry
}

// New starts the dedicated worker thread and returns a handle bound to it.
// A nil reader is a programmer error and panics immediately rather than
// starting a loop doomed to return errUnknownRequest-shaped failures
// forever.
func New(p Params) *RangeReader {
	if p.Reader == nil {
		panic("rangereader: New requires a non-nil AsyncReader")
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "rangereader_bridge")

	rr := &RangeReader{
		requests: make(chan call, 64),
		done:     make(chan struct{}),
		governor: p.Governor,
		logger:   logger,
	}

	started := make(chan struct{})
	go rr.runLoop(p.Reader, started)
	<-started

	return rr
}

// runLoop is the single-goroutine cooperative runtime: it pins itself to
// a dedicated OS thread and, for each arriving call, spawns a task
// goroutine that awaits the async implementation and forwards the result,
// discarding it if the caller has already stopped listening.
func (rr *RangeReader) runLoop(reader AsyncReader, started chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	close(started)

	var inFlight sync.WaitGroup
	defer func() {
		inFlight.Wait()
		close(rr.done)
	}()

	for c := range rr.requests {
		inFlight.Add(1)
		go func(c call) {
			defer inFlight.Done()
			rr.runTask(reader, c)
		}(c)
	}
}

// runTask awaits the async implementation under an optional concurrency
// governor, then attempts to forward the result. If the caller has
// dropped its reply channel, the send is abandoned instead of blocking
// forever.
func (rr *RangeReader) runTask(reader AsyncReader, c call) {
	if rr.governor != nil {
		release, err := rr.governor.Acquire(c.ctx)
		if err != nil {
			trySend(c.reply, Response{Err: err})
			return
		}
		defer release()
	}

	// Tag the task's context with a correlation id so every HTTP request
	// issued on its behalf reports the "a" segment in X-ReqId.
	ctx := reqid.ContextWithTaskID(c.ctx, reqid.NewAsyncTaskID())
	resp := send(ctx, reader, c.req)
	trySend(c.reply, resp)
}

// trySend forwards resp without blocking if the reply channel's sole
// reader has already gone away; reply is always buffered with capacity 1
// so this never actually contends with a still-waiting caller.
func trySend(reply chan Response, resp Response) {
	select {
	case reply <- resp:
	default:
	}
}

// dispatch sends req down the bridge and blocks until the worker replies
// or ctx is done. A done ctx does not cancel the in-flight task (the task
// runs to completion; its result is simply discarded) — it only stops
// this caller from waiting on it.
func (rr *RangeReader) dispatch(ctx context.Context, req Request) (ResponseData, error) {
	reply := make(chan Response, 1)
	c := call{ctx: context.WithoutCancel(ctx), req: req, reply: reply}

	select {
	case rr.requests <- c:
	case <-rr.done:
		panic("rangereader: send on closed bridge")
	}

	select {
	case resp := <-reply:
		return resp.Data, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (rr *RangeReader) UpdateURLs(ctx context.Context, urls []string) error {
	_, err := rr.dispatch(ctx, UpdateURLsRequest{URLs: urls})
	return err
}

func (rr *RangeReader) IoURLs(ctx context.Context) ([]string, error) {
	data, err := rr.dispatch(ctx, IoURLsRequest{})
	if err != nil {
		return nil, err
	}
	s, ok := data.(StringsData)
	if !ok {
		return nil, fmt.Errorf("rangereader: unexpected response shape for IoURLs")
	}
	return s.Strings, nil
}

func (rr *RangeReader) ReadAt(ctx context.Context, key string, pos, size int64) ([]byte, error) {
	data, err := rr.dispatch(ctx, ReadAtRequest{Key: key, Pos: pos, Size: size})
	if err != nil {
		return nil, err
	}
	b, ok := data.(BytesWithSizeData)
	if !ok {
		return nil, fmt.Errorf("rangereader: unexpected response shape for ReadAt")
	}
	return b.Bytes, nil
}

func (rr *RangeReader) ReadMultiRanges(ctx context.Context, key string, ranges []RangeSpec) ([]RangePart, error) {
	data, err := rr.dispatch(ctx, ReadMultiRangesRequest{Key: key, Ranges: ranges})
	if err != nil {
		return nil, err
	}
	p, ok := data.(PartsData)
	if !ok {
		return nil, fmt.Errorf("rangereader: unexpected response shape for ReadMultiRanges")
	}
	return p.Parts, nil
}

func (rr *RangeReader) Exist(ctx context.Context, key string) (bool, error) {
	data, err := rr.dispatch(ctx, ExistRequest{Key: key})
	if err != nil {
		return false, err
	}
	b, ok := data.(BoolData)
	if !ok {
		return false, fmt.Errorf("rangereader: unexpected response shape for Exist")
	}
	return b.Bool, nil
}

func (rr *RangeReader) FileSize(ctx context.Context, key string) (uint64, error) {
	data, err := rr.dispatch(ctx, FileSizeRequest{Key: key})
	if err != nil {
		return 0, err
	}
	u, ok := data.(U64Data)
	if !ok {
		return 0, fmt.Errorf("rangereader: unexpected response shape for FileSize")
	}
	return u.U64, nil
}

// Download returns the full object, loaded into memory before returning.
// Not a streaming contract; acceptable for current callers.
func (rr *RangeReader) Download(ctx context.Context, key string) ([]byte, error) {
	data, err := rr.dispatch(ctx, DownloadRequest{Key: key})
	if err != nil {
		return nil, err
	}
	b, ok := data.(BytesData)
	if !ok {
		return nil, fmt.Errorf("rangereader: unexpected response shape for Download")
	}
	return b.Bytes, nil
}

func (rr *RangeReader) ReadLastBytes(ctx context.Context, key string, size int64) ([]byte, int64, error) {
	data, err := rr.dispatch(ctx, ReadLastBytesRequest{Key: key, Size: size})
	if err != nil {
		return nil, 0, err
	}
	b, ok := data.(BytesWithSizeData)
	if !ok {
		return nil, 0, fmt.Errorf("rangereader: unexpected response shape for ReadLastBytes")
	}
	return b.Bytes, b.Size, nil
}

// Close stops accepting new requests and waits for in-flight tasks to
// drain before the worker thread's loop goroutine exits. Close is
// idempotent.
func (rr *RangeReader) Close() {
	rr.closeOne.Do(func() {
		close(rr.requests)
	})
	<-rr.done
}
