package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearRangedlEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"RANGEDL_CLUSTER_NAME", "RANGEDL_ACCESS_KEY_ID", "RANGEDL_SECRET_KEY",
		"RANGEDL_BUCKET", "RANGEDL_USE_SSL", "RANGEDL_IO_HOSTS", "RANGEDL_MONITOR_URLS",
		"RANGEDL_CACHE_DIR", "RANGEDL_MAX_RETRY_CONCURRENCY", "RANGEDL_RETRY",
		"RANGEDL_DOT_INTERVAL", "RANGEDL_DOT_MAX_BUFFER_BYTES", "RANGEDL_DOT_TRIES",
	}
	saved := make(map[string]string, len(keys))
	for _, k := range keys {
		saved[k] = os.Getenv(k)
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for k, v := range saved {
			if v != "" {
				os.Setenv(k, v)
			} else {
				os.Unsetenv(k)
			}
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearRangedlEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "default", cfg.Cluster.Name)
	assert.Equal(t, 5, cfg.MaxRetryConcurrency())
	assert.Equal(t, 10, cfg.Retry())
	assert.Nil(t, cfg.Cluster.MonitorURLs)
}

func TestLoadFromEnv(t *testing.T) {
	clearRangedlEnv(t)
	os.Setenv("RANGEDL_CLUSTER_NAME", "hot")
	os.Setenv("RANGEDL_BUCKET", "sermons")
	os.Setenv("RANGEDL_MONITOR_URLS", "http://a, http://b")
	os.Setenv("RANGEDL_MAX_RETRY_CONCURRENCY", "8")
	os.Setenv("RANGEDL_RETRY", "3")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "hot", cfg.Cluster.Name)
	assert.Equal(t, "sermons", cfg.Cluster.Bucket)
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.Cluster.MonitorURLs)
	assert.Equal(t, 8, cfg.MaxRetryConcurrency())
	assert.Equal(t, 3, cfg.Retry())
}

func TestLoadRejectsInvalidInt(t *testing.T) {
	clearRangedlEnv(t)
	os.Setenv("RANGEDL_MAX_RETRY_CONCURRENCY", "not-a-number")

	_, err := Load()
	assert.Error(t, err)
}

func TestDefaultSelectConfigPrefersLongestPrefix(t *testing.T) {
	configs := map[string]*ClusterConfig{
		"archive":      {Name: "archive"},
		"archive/cold": {Name: "archive/cold"},
		"hot":          {Name: "hot"},
	}

	got := DefaultSelectConfig(configs, "archive/cold/sermon.wav")
	require.NotNil(t, got)
	assert.Equal(t, "archive/cold", got.Name)
}

func TestDefaultSelectConfigNoMatch(t *testing.T) {
	configs := map[string]*ClusterConfig{
		"hot": {Name: "hot"},
	}
	assert.Nil(t, DefaultSelectConfig(configs, "archive/x"))
}

func TestMultiClusterConfigResolveUsesOverride(t *testing.T) {
	calledWith := ""
	m := &MultiClusterConfig{
		Clusters: map[string]*ClusterConfig{"hot": {Name: "hot"}},
		SelectConfig: func(configs map[string]*ClusterConfig, key string) *ClusterConfig {
			calledWith = key
			return configs["hot"]
		},
	}
	got := m.Resolve("anything")
	assert.Equal(t, "anything", calledWith)
	require.NotNil(t, got)
	assert.Equal(t, "hot", got.Name)
}

func TestStaticVarsRoundTrip(t *testing.T) {
	t.Cleanup(ResetForTesting)

	assert.Nil(t, Active())
	cfg := &Config{Cluster: ClusterConfig{Name: "singleton-test"}}
	SetActive(cfg)
	assert.Same(t, cfg, Active())
	ResetForTesting()
	assert.Nil(t, Active())
}
