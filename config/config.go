// Package config loads the credential, bucket, monitor-host, and
// punisher-policy settings this module's components are constructed from,
// in the same env-var-driven style as the rest of this codebase.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/qbox-oss/rangedl/hostpool"
)

// ClusterConfig is one named backing cluster: its own credential, bucket,
// and monitor hosts.
type ClusterConfig struct {
	Name        string
	AccessKeyID string
	SecretKey   string
	Bucket      string
	UseSSL      bool
	IoHosts     []string
	MonitorURLs []string
}

// Config is the single-cluster configuration value every component in
// this module is constructed from.
type Config struct {
	Cluster ClusterConfig

	CacheDir string

	// Punisher policy tunables; zero values take hostpool's documented
	// defaults.
	Policy hostpool.Policy

	// Dotter tunables; zero values take dot's documented defaults.
	DotInterval      time.Duration
	DotMaxBufferSize int64
	DotTries         int

	maxRetryConcurrency int
	retry               int
}

// MaxRetryConcurrency bounds concurrent in-flight attempts within one
// RangeReader (default 5).
func (c *Config) MaxRetryConcurrency() int {
	if c.maxRetryConcurrency <= 0 {
		return 5
	}
	return c.maxRetryConcurrency
}

// Retry is the default attempt budget for a single logical operation
// (default 10).
func (c *Config) Retry() int {
	if c.retry <= 0 {
		return 10
	}
	return c.retry
}

// MultiClusterConfig spans several named ClusterConfigs, selecting the
// one that backs a given object key via SelectConfig. This lets one
// RangeReader span clusters keyed by object-name convention (e.g.
// "archive/..." vs "hot/...").
type MultiClusterConfig struct {
	Clusters map[string]*ClusterConfig
	// SelectConfig overrides cluster resolution; nil uses
	// DefaultSelectConfig (longest-matching-name-is-a-prefix-of-key).
	SelectConfig func(configs map[string]*ClusterConfig, key string) *ClusterConfig
}

// Resolve picks the ClusterConfig backing key, or nil if none matches.
func (m *MultiClusterConfig) Resolve(key string) *ClusterConfig {
	sel := m.SelectConfig
	if sel == nil {
		sel = DefaultSelectConfig
	}
	return sel(m.Clusters, key)
}

// DefaultSelectConfig resolves ties among cluster names that all prefix
// key by preferring the longest matching name. Longest-match is the only
// deterministic choice here; picking "whichever the map yields first"
// would make cluster resolution depend on randomized iteration order.
func DefaultSelectConfig(configs map[string]*ClusterConfig, key string) *ClusterConfig {
	var bestName string
	var best *ClusterConfig
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names) // stable iteration before the longest-prefix comparison
	for _, name := range names {
		if !strings.HasPrefix(key, name) {
			continue
		}
		if best == nil || len(name) > len(bestName) {
			bestName = name
			best = configs[name]
		}
	}
	return best
}

// Load builds a Config from environment variables, loading a local .env
// file first if present; a missing .env is not an error.
func Load() (*Config, error) {
	// A missing .env file is routine outside local development.
	_ = godotenv.Load()

	maxRetryConcurrency, err := parseIntEnv("RANGEDL_MAX_RETRY_CONCURRENCY", 5)
	if err != nil {
		return nil, err
	}
	retry, err := parseIntEnv("RANGEDL_RETRY", 10)
	if err != nil {
		return nil, err
	}
	dotInterval, err := parseDurationEnv("RANGEDL_DOT_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}
	dotMaxBufferSize, err := parseInt64Env("RANGEDL_DOT_MAX_BUFFER_BYTES", 1<<20)
	if err != nil {
		return nil, err
	}
	dotTries, err := parseIntEnv("RANGEDL_DOT_TRIES", 10)
	if err != nil {
		return nil, err
	}
	useSSL, err := parseBoolEnv("RANGEDL_USE_SSL", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Cluster: ClusterConfig{
			Name:        getEnv("RANGEDL_CLUSTER_NAME", "default"),
			AccessKeyID: getEnv("RANGEDL_ACCESS_KEY_ID", ""),
			SecretKey:   getEnv("RANGEDL_SECRET_KEY", ""),
			Bucket:      getEnv("RANGEDL_BUCKET", ""),
			UseSSL:      useSSL,
			IoHosts:     splitEnvList("RANGEDL_IO_HOSTS"),
			MonitorURLs: splitEnvList("RANGEDL_MONITOR_URLS"),
		},
		CacheDir:            getEnv("RANGEDL_CACHE_DIR", defaultCacheDir()),
		DotInterval:         dotInterval,
		DotMaxBufferSize:    dotMaxBufferSize,
		DotTries:            dotTries,
		maxRetryConcurrency: maxRetryConcurrency,
		retry:               retry,
	}
	return cfg, nil
}

func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return os.TempDir()
	}
	return dir + "/rangedl"
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func splitEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parseInt64Env(key string, def int64) (int64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parseDurationEnv(key string, def time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

func parseBoolEnv(key string, def bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s: %w", key, err)
	}
	return v, nil
}

// staticVars holds the process-wide active Config, for code paths that
// cannot thread a *Config down explicitly.
var staticVars struct {
	mu  sync.RWMutex
	cfg *Config
}

// SetActive installs cfg as the process-wide active Config.
func SetActive(cfg *Config) {
	staticVars.mu.Lock()
	defer staticVars.mu.Unlock()
	staticVars.cfg = cfg
}

// Active returns the process-wide active Config, or nil if none has been
// installed yet.
func Active() *Config {
	staticVars.mu.RLock()
	defer staticVars.mu.RUnlock()
	return staticVars.cfg
}

// ResetForTesting clears the process-wide active Config. Test-only.
func ResetForTesting() {
	staticVars.mu.Lock()
	defer staticVars.mu.Unlock()
	staticVars.cfg = nil
}
