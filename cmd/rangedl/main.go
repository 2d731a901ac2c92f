// Command rangedl is the composition-root example binary: it wires
// config → hostpool → dot → rangereader into one synchronous RangeReader
// handle and fetches a single byte range from the command line, mostly to
// exercise the full stack end to end rather than to be a polished CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/qbox-oss/rangedl/config"
	"github.com/qbox-oss/rangedl/dot"
	"github.com/qbox-oss/rangedl/hostpool"
	"github.com/qbox-oss/rangedl/logging"
	"github.com/qbox-oss/rangedl/rangereader"
)

// noopTokenSigner is the upload-token signer placeholder: real signing
// belongs to the caller's credential machinery, so this binary wires in a
// stand-in that lets uploads run unauthenticated against a test monitor.
type noopTokenSigner struct{}

func (noopTokenSigner) Sign(ctx context.Context, bucket string, ttl time.Duration) (string, error) {
	return "", nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "rangedl:", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) == 2 && os.Args[1] == "--version" {
		fmt.Println("rangedl", config.GetFullVersion())
		return nil
	}
	if len(os.Args) < 4 {
		return fmt.Errorf("usage: rangedl <object-key> <offset> <length>")
	}
	key := os.Args[1]
	offset, err := strconv.ParseInt(os.Args[2], 10, 64)
	if err != nil {
		return fmt.Errorf("offset: %w", err)
	}
	length, err := strconv.ParseInt(os.Args[3], 10, 64)
	if err != nil {
		return fmt.Errorf("length: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	config.SetActive(cfg)

	logger := logging.New("rangedl", logging.DefaultConfig())

	policy := cfg.Policy
	registry := hostpool.NewRegistry(cfg.Cluster.IoHosts, nil, 0, logger)
	selector := hostpool.NewSelector(registry, policy, logger)

	dotter := dot.New(dot.Params{
		CacheDir:      cfg.CacheDir,
		Bucket:        cfg.Cluster.Bucket,
		MonitorURLs:   cfg.Cluster.MonitorURLs,
		Interval:      cfg.DotInterval,
		MaxBufferSize: cfg.DotMaxBufferSize,
		Tries:         cfg.DotTries,
		Policy:        policy,
		TokenSigner:   noopTokenSigner{},
		Logger:        logger,
	})
	defer dotter.Close()

	reader := rangereader.NewMinioReader(rangereader.MinioReaderParams{
		Selector:    selector,
		Dotter:      dotter,
		Bucket:      cfg.Cluster.Bucket,
		AccessKeyID: cfg.Cluster.AccessKeyID,
		SecretKey:   cfg.Cluster.SecretKey,
		UseSSL:      cfg.Cluster.UseSSL,
		Tries:       cfg.Retry(),
		Logger:      logger,
	})

	governor := rangereader.NewConcurrencyGovernor(cfg.MaxRetryConcurrency(), 0.85, 30*time.Second, logger)
	defer governor.Close()

	bridge := rangereader.New(rangereader.Params{
		Reader:   reader,
		Governor: governor,
		Logger:   logger,
	})
	defer bridge.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	data, err := bridge.ReadAt(ctx, key, offset, length)
	if err != nil {
		return fmt.Errorf("read range: %w", err)
	}

	_, err = os.Stdout.Write(data)
	return err
}
