// Package dot implements the telemetry aggregator ("dotter"): in-memory
// merging of per-API call outcomes, an append-only on-disk buffer guarded
// by an OS advisory lock, and periodic/size-triggered asynchronous upload
// to a monitor service with retry through a dedicated host selector.
package dot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/qbox-oss/rangedl/hostpool"
	"github.com/qbox-oss/rangedl/record"
	"github.com/qbox-oss/rangedl/reqid"
)

// FileName is the buffer file's fixed name within the cache directory.
const FileName = "dot-file"

const (
	defaultInterval      = 10 * time.Second
	defaultMaxBufferSize = 1 << 20 // 1 MiB
	defaultTries         = 10
)

// TokenSigner signs a short-lived upload credential for bucket. Signing
// itself belongs to the caller's credential machinery — this package only
// consumes the interface.
type TokenSigner interface {
	Sign(ctx context.Context, bucket string, ttl time.Duration) (string, error)
}

// Params configures a Dotter. Zero-valued duration/size/tries fields take
// the documented defaults.
type Params struct {
	CacheDir      string
	Bucket        string
	MonitorURLs   []string
	Interval      time.Duration
	MaxBufferSize int64
	Tries         int
	Policy        hostpool.Policy
	TokenSigner   TokenSigner
	Logger        *logrus.Entry
}

// Dotter batches call outcomes in memory, spills them to the buffer file,
// and uploads them to the monitor service. A Dotter constructed with no
// monitor URLs, or whose buffer file cannot be opened, is inert: every
// public method becomes a no-op, because losing telemetry must never
// break the data path.
type Dotter struct {
	inert bool

	mu   sync.Mutex // in-process half of the flush/upload critical section
	file *os.File

	records *record.ConcurrentMap

	bucket        string
	interval      time.Duration
	maxBufferSize int64
	tries         int
	tokenSigner   TokenSigner

	selector     *hostpool.Selector
	lastUploadAt atomic.Value // time.Time

	httpClient *fasthttp.Client

	logger *logrus.Entry
	// warnEvery throttles repeating buffer-file warnings: a wedged disk
	// would otherwise emit one warning per record per flush cycle.
	warnEvery rate.Sometimes
}

// New builds a Dotter from Params, applying documented defaults.
func New(p Params) *Dotter {
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "dotter")

	if len(p.MonitorURLs) == 0 {
		logger.Info("dot: no monitor URLs configured, dotter is inert")
		return &Dotter{inert: true}
	}

	if err := os.MkdirAll(p.CacheDir, 0o755); err != nil {
		logger.WithError(err).Warn("dot: cannot create cache dir, dotter is inert")
		return &Dotter{inert: true}
	}
	path := filepath.Join(p.CacheDir, FileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		logger.WithError(err).Warn("dot: cannot open buffer file, dotter is inert")
		return &Dotter{inert: true}
	}

	interval := p.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxBufferSize := p.MaxBufferSize
	if maxBufferSize <= 0 {
		maxBufferSize = defaultMaxBufferSize
	}
	tries := p.Tries
	if tries <= 0 {
		tries = defaultTries
	}

	registry := hostpool.NewRegistry(p.MonitorURLs, nil, 0, logger)
	selector := hostpool.NewSelector(registry, p.Policy, logger)

	d := &Dotter{
		file:          file,
		records:       record.NewConcurrentMap(),
		bucket:        p.Bucket,
		interval:      interval,
		maxBufferSize: maxBufferSize,
		tries:         tries,
		tokenSigner:   p.TokenSigner,
		selector:      selector,
		httpClient:    &fasthttp.Client{},
		logger:        logger,
		warnEvery:     rate.Sometimes{First: 3, Interval: time.Minute},
	}
	d.lastUploadAt.Store(time.Time{})
	return d
}

// Dot records one API call outcome.
func (d *Dotter) Dot(dotType record.DotType, apiName record.APIName, successful bool, elapsed time.Duration) error {
	if d.inert || IsDottingDisabled() {
		return nil
	}
	d.records.MergeRecord(record.NewAPICall(dotType, apiName, successful, uint64(elapsed.Milliseconds())))
	d.maybeFlushAndUpload()
	return nil
}

// Punish records a host-freeze event. Implements hostpool.PunishRecorder
// so a Selector can call RecordPunished directly on freeze.
func (d *Dotter) Punish() error {
	if d.inert || IsDottingDisabled() {
		return nil
	}
	d.records.MergeRecord(record.NewPunishedCount(1))
	d.maybeFlushAndUpload()
	return nil
}

// RecordPunished adapts Punish to hostpool.PunishRecorder; telemetry
// failures are swallowed.
func (d *Dotter) RecordPunished() {
	if err := d.Punish(); err != nil && d.logger != nil {
		d.logger.WithError(err).Warn("dot: failed to record punished count")
	}
}

// maybeFlushAndUpload is the file-lock critical section: non-blocking
// acquisition of the in-process lock, then the OS advisory lock;
// contention on either degrades to a logged no-op rather than blocking
// the caller, because whoever holds the lock will carry the work.
func (d *Dotter) maybeFlushAndUpload() {
	if !d.mu.TryLock() {
		d.logger.Debug("dot: critical section busy in-process, skipping this cycle")
		return
	}
	defer d.mu.Unlock()

	if err := tryLockFile(d.file.Fd()); err != nil {
		d.logger.WithError(err).Debug("dot: buffer file locked elsewhere, skipping this cycle")
		return
	}
	defer func() {
		if err := unlockFile(d.file.Fd()); err != nil {
			d.logger.WithError(err).Warn("dot: failed to release buffer file lock")
		}
	}()

	d.flushLocked()

	if d.shouldUploadLocked() {
		go d.uploadTask()
	}
}

// flushLocked writes every buffered entry as one JSON line, removing only
// the entries that serialize and write successfully; the rest stay in
// memory for the next cycle.
func (d *Dotter) flushLocked() {
	d.records.Flush(func(r record.Record) bool {
		data, err := r.MarshalJSON()
		if err != nil {
			d.warnEvery.Do(func() {
				d.logger.WithError(err).Warn("dot: record failed to serialize, keeping in memory")
			})
			return false
		}
		data = append(data, '\n')
		if _, err := d.file.Write(data); err != nil {
			d.warnEvery.Do(func() {
				d.logger.WithError(err).Warn("dot: failed to append record to buffer file")
			})
			return false
		}
		return true
	})
}

func (d *Dotter) shouldUploadLocked() bool {
	if IsUploadingDisabled() {
		return false
	}
	last, _ := d.lastUploadAt.Load().(time.Time)
	if time.Since(last) > d.interval {
		return true
	}
	info, err := d.file.Stat()
	if err != nil {
		return false
	}
	return info.Size() > d.maxBufferSize
}

// uploadTask re-enters the critical section (serialized by d.mu, which by
// now has been released by the caller of maybeFlushAndUpload), re-checks
// the trigger to avoid a stampede of redundant uploads, and on success
// truncates the buffer file.
func (d *Dotter) uploadTask() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := tryLockFile(d.file.Fd()); err != nil {
		d.logger.WithError(err).Debug("dot: upload task could not acquire buffer file lock")
		return
	}
	defer func() {
		if err := unlockFile(d.file.Fd()); err != nil {
			d.logger.WithError(err).Warn("dot: failed to release buffer file lock after upload")
		}
	}()

	d.flushLocked()
	if !d.shouldUploadLocked() {
		return
	}

	if err := d.doUploadLocked(context.Background()); err != nil {
		d.logger.WithError(err).Warn("dot: upload failed after exhausting retries")
	}
}

// doUploadLocked rebuilds the payload from the buffer file and POSTs it
// to a monitor host, retrying with adaptive host selection. The file, not
// the in-memory map, is the source of truth: a crash between flush and
// upload loses nothing, and a crash mid-upload at worst duplicates
// records at the monitor, which aggregates anyway.
func (d *Dotter) doUploadLocked(ctx context.Context) error {
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("dot: seek buffer file: %w", err)
	}
	m := record.NewMap()
	if err := m.ReadLines(d.file); err != nil {
		return fmt.Errorf("dot: read buffer file: %w", err)
	}
	if m.Len() == 0 {
		d.lastUploadAt.Store(time.Now())
		return nil
	}
	payload := m.IntoRecords()
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("dot: marshal payload: %w", err)
	}

	token := ""
	if d.tokenSigner != nil {
		token, err = d.tokenSigner.Sign(ctx, d.bucket, 30*time.Second)
		if err != nil {
			return fmt.Errorf("dot: sign upload token: %w", err)
		}
	}

	tried := map[string]bool{} // allow repeats: a single monitor URL is common.
	var lastErr error
	for attempt := 0; attempt < d.tries; attempt++ {
		info, ok := d.selector.Select(tried)
		if !ok {
			lastErr = errors.New("dot: no monitor host available")
			break
		}

		start := time.Now()
		postErr := d.postOnce(info, token, body, attempt)
		elapsed := time.Since(start)

		isTimeout := errors.Is(postErr, fasthttp.ErrTimeout) || errors.Is(postErr, context.DeadlineExceeded)
		// Self-observation: dotted directly against the concurrent map, not
		// through Dot(), since Dot() would re-enter the already-held critical
		// section.
		d.records.MergeRecord(record.NewAPICall(record.DotTypeHTTP, record.APIMonitorV1Stat, postErr == nil, uint64(elapsed.Milliseconds())))

		if postErr == nil {
			d.selector.Reward(info.Host)
			if err := d.truncateLocked(); err != nil {
				return fmt.Errorf("dot: truncate buffer file after upload: %w", err)
			}
			d.lastUploadAt.Store(time.Now())
			return nil
		}

		if isTimeout {
			d.selector.IncreaseTimeoutPowerBy(info.Host, info.TimeoutPower)
		}
		lastErr = postErr

		result := d.selector.PunishWithoutDotter(info.Host, postErr)
		if result == hostpool.NoPunishment {
			break
		}
		if result == hostpool.PunishedAndFreezed {
			d.records.MergeRecord(record.NewPunishedCount(1))
		}
	}
	if lastErr == nil {
		lastErr = errors.New("dot: upload exhausted retries with no attempts made")
	}
	return lastErr
}

func (d *Dotter) postOnce(info hostpool.HostInfo, token string, body []byte, attempt int) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(info.Host + "/v1/stat")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if token != "" {
		req.Header.Set("Authorization", "UpToken "+token)
	}
	req.Header.Set(reqid.Header, reqid.Get(time.Now(), attempt, info.Timeout))
	req.SetBody(body)

	if err := d.httpClient.DoTimeout(req, resp, info.Timeout); err != nil {
		return err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return fmt.Errorf("dot: monitor responded with status %d", resp.StatusCode())
	}
	return nil
}

func (d *Dotter) truncateLocked() error {
	if err := d.file.Truncate(0); err != nil {
		return err
	}
	_, err := d.file.Seek(0, io.SeekStart)
	return err
}

// Close releases the underlying buffer file handle. Safe to call on an
// inert Dotter.
func (d *Dotter) Close() error {
	if d.inert || d.file == nil {
		return nil
	}
	return d.file.Close()
}
