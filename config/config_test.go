package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeLayer(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	loader := NewLoader()
	cfg, err := loader.Load()
	require.NoError(t, err)

	cfg.Node.ID = "capture-node-1"
	cfg.CAS.Root = t.TempDir()
	cfg.Stream.ManifestDir = t.TempDir()
	return cfg
}

func TestDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, 2*time.Second, cfg.NATS.ReconnectWait)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, 0.25, cfg.Stream.HeadroomFraction)
	assert.Equal(t, 100*time.Millisecond, cfg.RTIO.HeadInterval)
	assert.Equal(t, "info", cfg.Logging.Level)

	// Storage locations have no safe default.
	assert.Empty(t, cfg.CAS.Root)
	assert.Empty(t, cfg.Stream.ManifestDir)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeLayer(t, "config.yaml", `
node:
  id: studio-a
cas:
  root: /var/lib/capturekit/cas
stream:
  manifest_dir: /var/lib/capturekit/manifests
  stop_grace: 5s
nats:
  url: nats://broker:4222
  reconnect_wait: 500ms
`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "studio-a", cfg.Node.ID)
	assert.Equal(t, "/var/lib/capturekit/cas", cfg.CAS.Root)
	assert.Equal(t, 5*time.Second, cfg.Stream.StopGrace)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait)

	// Untouched fields keep their defaults.
	assert.Equal(t, 0.25, cfg.Stream.HeadroomFraction)
	assert.Equal(t, 9090, cfg.Metrics.Port)
}

func TestLayeredMergeLaterLayerWins(t *testing.T) {
	base := writeLayer(t, "base.yaml", `
node:
  id: studio-a
  environment: prod
nats:
  url: nats://base:4222
`)
	local := writeLayer(t, "local.yaml", `
nats:
  url: nats://local:4222
`)

	loader := NewLoader()
	loader.AddLayer(base)
	loader.AddLayer(local)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "nats://local:4222", cfg.NATS.URL)
	assert.Equal(t, "studio-a", cfg.Node.ID)
	assert.Equal(t, "prod", cfg.Node.Environment)
}

func TestEnvOverridesBeatLayers(t *testing.T) {
	path := writeLayer(t, "config.yaml", `
node:
  id: studio-a
nats:
  url: nats://file:4222
`)
	t.Setenv("CAPTUREKIT_NATS_URL", "nats://env:4222")
	t.Setenv("CAPTUREKIT_NODE_ID", "studio-b")
	t.Setenv("CAPTUREKIT_LOG_LEVEL", "debug")

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "studio-b", cfg.Node.ID)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsNonYAMLPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{}`), 0o600))

	_, err := NewLoader().LoadFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "YAML")
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("valid config passes", func(t *testing.T) {
		require.NoError(t, validConfig(t).Validate())
	})

	t.Run("missing node id", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Node.ID = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("node id must be subject safe", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Node.ID = "studio.a"
		require.Error(t, cfg.Validate())
	})

	t.Run("missing cas root", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.CAS.Root = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("missing nats url", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.NATS.URL = ""
		require.Error(t, cfg.Validate())
	})

	t.Run("metrics enabled without port", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Metrics.Enabled = true
		cfg.Metrics.Port = 0
		require.Error(t, cfg.Validate())
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := validConfig(t)
		cfg.Logging.Level = "verbose"
		require.Error(t, cfg.Validate())
	})
}

func TestLoadWithValidation(t *testing.T) {
	path := writeLayer(t, "config.yaml", `
nats:
  url: nats://broker:4222
`)

	loader := NewLoader()
	loader.AddLayer(path)
	loader.EnableValidation(true)
	_, err := loader.Load()
	require.Error(t, err, "node id and storage roots are missing")
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := validConfig(t)
	clone := cfg.Clone()

	clone.Node.ID = "other"
	clone.NATS.URL = "nats://other:4222"

	assert.Equal(t, "capture-node-1", cfg.Node.ID)
	assert.NotEqual(t, cfg.NATS.URL, clone.NATS.URL)
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := validConfig(t)
	cfg.Stream.StopGrace = 3 * time.Second

	path := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, cfg.SaveToFile(path))

	loaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Node.ID, loaded.Node.ID)
	assert.Equal(t, cfg.CAS.Root, loaded.CAS.Root)
	assert.Equal(t, 3*time.Second, loaded.Stream.StopGrace)
}

func TestSafeConfig(t *testing.T) {
	sc := NewSafeConfig(validConfig(t))

	got := sc.Get()
	got.Node.ID = "mutated"
	assert.Equal(t, "capture-node-1", sc.Get().Node.ID, "Get returns a copy")

	bad := sc.Get()
	bad.NATS.URL = ""
	require.Error(t, sc.Update(bad))
	assert.Equal(t, "capture-node-1", sc.Get().Node.ID)

	good := sc.Get()
	good.Node.ID = "capture-node-2"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "capture-node-2", sc.Get().Node.ID)
}

func TestNATSOptionsFromConfig(t *testing.T) {
	n := NATSConfig{
		URL:                     "nats://broker:4222",
		Name:                    "capturekit",
		MaxReconnects:           10,
		ReconnectWait:           time.Second,
		CircuitBreakerThreshold: 3,
	}
	assert.Len(t, n.Options(), 4)

	assert.Empty(t, NATSConfig{URL: "nats://broker:4222"}.Options())
}
