package dot

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qbox-oss/rangedl/hostpool"
	"github.com/qbox-oss/rangedl/record"
)

type staticSigner struct{}

func (staticSigner) Sign(ctx context.Context, bucket string, ttl time.Duration) (string, error) {
	return "test-token", nil
}

// startMonitor runs a tiny fiber app standing in for the monitor service,
// recording every POST /v1/stat body it receives.
func startMonitor(t *testing.T, status int) (url string, received *atomic.Int32, bodies chan record.DotRecords) {
	t.Helper()
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	received = &atomic.Int32{}
	bodies = make(chan record.DotRecords, 16)

	app.Post("/v1/stat", func(c *fiber.Ctx) error {
		received.Add(1)
		var recs record.DotRecords
		if err := json.Unmarshal(c.Body(), &recs); err == nil {
			bodies <- recs
		}
		return c.SendStatus(status)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	t.Cleanup(func() { _ = app.Shutdown() })

	return "http://" + ln.Addr().String(), received, bodies
}

func TestInertDotterWithNoMonitorURLs(t *testing.T) {
	// Constructed with empty monitor URLs, Dot is a no-op.
	d := New(Params{CacheDir: t.TempDir()})
	require.NoError(t, d.Dot(record.DotTypeHTTP, record.APIIoGetfile, true, 0))

	time.Sleep(200 * time.Millisecond) // no background upload should fire
}

func TestDotterUploadsOnSizeOrIntervalTrigger(t *testing.T) {
	url, received, bodies := startMonitor(t, fiber.StatusOK)

	d := New(Params{
		CacheDir:    t.TempDir(),
		Bucket:      "test-bucket",
		MonitorURLs: []string{url},
		Interval:    0,
		Tries:       1,
		TokenSigner: staticSigner{},
		Policy:      hostpool.NewPolicy(),
	})
	defer d.Close()

	require.NoError(t, d.Dot(record.DotTypeSdk, record.APIUcV4Query, true, 15))
	require.NoError(t, d.Dot(record.DotTypeSdk, record.APIUcV4Query, false, 18))

	require.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	select {
	case recs := <-bodies:
		found := false
		for _, r := range recs.Logs {
			if !r.Punished && r.DotType == record.DotTypeSdk && r.APIName == record.APIUcV4Query {
				found = true
				assert.Equal(t, uint64(1), r.SuccessCount)
				assert.Equal(t, uint64(1), r.FailedCount)
			}
		}
		assert.True(t, found)
	default:
		t.Fatal("expected an uploaded body")
	}
}

func TestDotterRetriesAcrossMonitorHosts(t *testing.T) {
	// Several monitor URLs, only one of which responds 200; the upload
	// retry loop punishes the failing hosts and lands on the good one.
	badURL, badReceived, _ := startMonitor(t, fiber.StatusInternalServerError)
	goodURL, goodReceived, _ := startMonitor(t, fiber.StatusOK)

	d := New(Params{
		CacheDir:    t.TempDir(),
		MonitorURLs: []string{badURL, goodURL},
		Interval:    0,
		Tries:       5,
		TokenSigner: staticSigner{},
		Policy:      hostpool.NewPolicy(),
	})
	defer d.Close()

	require.NoError(t, d.Dot(record.DotTypeHTTP, record.APIUcV4Query, true, 28))

	require.Eventually(t, func() bool { return goodReceived.Load() >= 1 }, 5*time.Second, 20*time.Millisecond)
	// The bad host may or may not have been hit first depending on shuffle
	// order, but never more than the retry budget allows.
	assert.LessOrEqual(t, badReceived.Load(), int32(5))
}

func TestDotterDisabledTogglesSkipRecording(t *testing.T) {
	url, received, _ := startMonitor(t, fiber.StatusOK)

	DisableDotting()
	defer EnableDotting()

	d := New(Params{
		CacheDir:    t.TempDir(),
		MonitorURLs: []string{url},
		Interval:    0,
		Tries:       1,
		TokenSigner: staticSigner{},
	})
	defer d.Close()

	require.NoError(t, d.Dot(record.DotTypeHTTP, record.APIIoGetfile, true, 5))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), received.Load())
}

func TestDotterBufferFileTruncatedAfterSuccessfulUpload(t *testing.T) {
	url, received, _ := startMonitor(t, fiber.StatusOK)

	cacheDir := t.TempDir()
	d := New(Params{
		CacheDir:    cacheDir,
		MonitorURLs: []string{url},
		Interval:    0,
		Tries:       1,
		TokenSigner: staticSigner{},
	})
	defer d.Close()

	require.NoError(t, d.Dot(record.DotTypeHTTP, record.APIIoGetfile, true, 5))
	require.Eventually(t, func() bool { return received.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		info, err := d.file.Stat()
		return err == nil && info.Size() == 0
	}, time.Second, 10*time.Millisecond)
}
