package rangereader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/sirupsen/logrus"

	"github.com/qbox-oss/rangedl/dot"
	"github.com/qbox-oss/rangedl/hostpool"
	"github.com/qbox-oss/rangedl/record"
	"github.com/qbox-oss/rangedl/reqid"
)

// MinioReader is the concrete backing for AsyncReader: it resolves a host
// via the shared selector, reuses a minio.Client per endpoint, and issues
// range GETs against the object storage bucket. Every attempt is dotted
// and fed back into the selector's reward/punish lifecycle, so adaptive
// host selection governs the data plane exactly like it governs the
// monitor-upload plane in dot.Dotter.
type MinioReader struct {
	selector    *hostpool.Selector
	dotter      *dot.Dotter
	bucket      string
	accessKeyID string
	secretKey   string
	useSSL      bool
	tries       int
	logger      *logrus.Entry

	mu      sync.Mutex
	clients map[string]*minio.Client
}

// MinioReaderParams configures a MinioReader.
type MinioReaderParams struct {
	Selector    *hostpool.Selector
	Dotter      *dot.Dotter
	Bucket      string
	AccessKeyID string
	SecretKey   string
	UseSSL      bool
	Tries       int
	Logger      *logrus.Entry
}

func NewMinioReader(p MinioReaderParams) *MinioReader {
	tries := p.Tries
	if tries <= 0 {
		tries = 10
	}
	logger := p.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &MinioReader{
		selector:    p.Selector,
		dotter:      p.Dotter,
		bucket:      p.Bucket,
		accessKeyID: p.AccessKeyID,
		secretKey:   p.SecretKey,
		useSSL:      p.UseSSL,
		tries:       tries,
		logger:      logger.WithField("component", "minio_reader"),
		clients:     make(map[string]*minio.Client),
	}
}

// reqidTransport injects the X-ReqId header into every outgoing request
// whose context was tagged by the retry loop, so the object-storage data
// plane carries the same correlation ids as the monitor-upload plane.
type reqidTransport struct {
	base http.RoundTripper
}

func (t reqidTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if id, ok := reqid.FromContext(req.Context(), time.Now()); ok {
		req = req.Clone(req.Context())
		req.Header.Set(reqid.Header, id)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// clientFor caches one minio.Client per selected host. Hosts arrive as
// base URLs from the selector; minio-go wants a bare host:port plus a
// Secure flag, so the scheme is split off here.
func (m *MinioReader) clientFor(endpoint string) (*minio.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.clients[endpoint]; ok {
		return c, nil
	}
	hostPort := endpoint
	secure := m.useSSL
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		hostPort = u.Host
		secure = u.Scheme == "https"
	}
	c, err := minio.New(hostPort, &minio.Options{
		Creds:     credentials.NewStaticV4(m.accessKeyID, m.secretKey, ""),
		Secure:    secure,
		Transport: reqidTransport{},
	})
	if err != nil {
		return nil, err
	}
	m.clients[endpoint] = c
	return c, nil
}

// withHost runs op against up to m.tries hosts, dotting each attempt and
// feeding reward/punish back to the shared selector, the same
// retry-with-adaptive-host-selection shape as the dotter's upload loop.
func (m *MinioReader) withHost(ctx context.Context, apiName record.APIName, op func(ctx context.Context, client *minio.Client, timeout time.Duration) error) error {
	if m.selector == nil {
		return fmt.Errorf("rangereader: no host selector configured")
	}
	tried := map[string]bool{}
	var lastErr error
	for attempt := 0; attempt < m.tries; attempt++ {
		info, ok := m.selector.Select(tried)
		if !ok {
			break
		}
		tried[info.Host] = true

		client, err := m.clientFor(info.Host)
		if err != nil {
			lastErr = err
			continue
		}

		attemptCtx, cancel := context.WithTimeout(reqid.ContextWithAttempt(ctx, attempt, info.Timeout), info.Timeout)
		start := time.Now()
		opErr := op(attemptCtx, client, info.Timeout)
		cancel()
		elapsed := time.Since(start)

		if m.dotter != nil {
			_ = m.dotter.Dot(record.DotTypeHTTP, apiName, opErr == nil, elapsed)
		}

		if opErr == nil {
			m.selector.Reward(info.Host)
			return nil
		}
		lastErr = opErr
		if attemptCtx.Err() != nil {
			m.selector.IncreaseTimeoutPowerBy(info.Host, info.TimeoutPower)
		}
		result := m.selector.Punish(info.Host, opErr, m.dotter)
		if result == hostpool.NoPunishment {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("rangereader: no host available for %s", apiName)
	}
	return lastErr
}

func (m *MinioReader) UpdateURLs(ctx context.Context, urls []string) error {
	if m.selector == nil {
		return fmt.Errorf("rangereader: no host selector configured")
	}
	m.selector.SetHosts(urls)
	return nil
}

func (m *MinioReader) IoURLs(ctx context.Context) ([]string, error) {
	if m.selector == nil {
		return nil, fmt.Errorf("rangereader: no host selector configured")
	}
	return m.selector.Hosts(), nil
}

func (m *MinioReader) ReadAt(ctx context.Context, key string, pos, size int64) ([]byte, error) {
	var out []byte
	err := m.withHost(ctx, record.APIRangeReaderReadAt, func(ctx context.Context, client *minio.Client, _ time.Duration) error {
		opts := minio.GetObjectOptions{}
		if err := opts.SetRange(pos, pos+size-1); err != nil {
			return err
		}
		obj, err := client.GetObject(ctx, m.bucket, key, opts)
		if err != nil {
			return err
		}
		defer obj.Close()
		buf := make([]byte, size)
		n, err := io.ReadFull(obj, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			return err
		}
		out = buf[:n]
		return nil
	})
	return out, err
}

func (m *MinioReader) ReadMultiRanges(ctx context.Context, key string, ranges []RangeSpec) ([]RangePart, error) {
	parts := make([]RangePart, 0, len(ranges))
	for _, r := range ranges {
		data, err := m.ReadAt(ctx, key, r.Offset, r.Length)
		if err != nil {
			return nil, fmt.Errorf("rangereader: range [%d,%d): %w", r.Offset, r.Offset+r.Length, err)
		}
		parts = append(parts, RangePart{Offset: r.Offset, Data: data})
	}
	return parts, nil
}

func (m *MinioReader) Exist(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := m.withHost(ctx, record.APIRangeReaderExist, func(ctx context.Context, client *minio.Client, _ time.Duration) error {
		_, err := client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code == "NoSuchKey" {
				exists = false
				return nil
			}
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

func (m *MinioReader) FileSize(ctx context.Context, key string) (int64, error) {
	var size int64
	err := m.withHost(ctx, record.APIRangeReaderFileSize, func(ctx context.Context, client *minio.Client, _ time.Duration) error {
		info, err := client.StatObject(ctx, m.bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return err
		}
		size = info.Size
		return nil
	})
	return size, err
}

// Download loads the full object into memory before returning. Not a
// streaming contract; acceptable for current callers.
func (m *MinioReader) Download(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := m.withHost(ctx, record.APIRangeReaderDownloadTo, func(ctx context.Context, client *minio.Client, _ time.Duration) error {
		obj, err := client.GetObject(ctx, m.bucket, key, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		var buf bytes.Buffer
		if _, err := io.Copy(&buf, obj); err != nil {
			return err
		}
		out = buf.Bytes()
		return nil
	})
	return out, err
}

func (m *MinioReader) ReadLastBytes(ctx context.Context, key string, size int64) ([]byte, int64, error) {
	fileSize, err := m.FileSize(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	start := fileSize - size
	if start < 0 {
		start = 0
	}
	data, err := m.ReadAt(ctx, key, start, fileSize-start)
	if err != nil {
		return nil, 0, err
	}
	return data, fileSize, nil
}
