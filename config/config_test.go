package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tilewire/codec"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, codec.CodecTypeBinary, cfg.CodecType())
	assert.Empty(t, cfg.Middlewares())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
pool:
  size: 4
  strategy: roundrobin
  codec: json
residency:
  idle_stash: 250ms
  compression: none
worker:
  etcd: [127.0.0.1:2379]
  timeout: 30s
  rate: 50
  burst: 10
  retries: 2
log:
  level: debug
  format: json
`))
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pool.Size)
	assert.Equal(t, 2, cfg.Pool.TaskLimit, "unset keys keep their defaults")
	assert.Equal(t, codec.CodecTypeJSON, cfg.CodecType())
	assert.Equal(t, 250*time.Millisecond, cfg.Residency.IdleStash)
	assert.Equal(t, []string{"127.0.0.1:2379"}, cfg.Worker.Etcd)
	assert.Len(t, cfg.Middlewares(), 3)

	opts, err := cfg.PoolOptions()
	require.NoError(t, err)
	assert.Len(t, opts, 3)
	vopts, err := cfg.VolumeOptions()
	require.NoError(t, err)
	assert.Len(t, vopts, 2)
	assert.Len(t, cfg.ServerOptions(), 3)
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejects(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":        "pool:\n  workers: 3\n",
		"task limit":         "pool:\n  task_limit: 0\n",
		"strategy":           "pool:\n  strategy: random\n",
		"codec":              "pool:\n  codec: xml\n",
		"compression":        "residency:\n  compression: lz4\n",
		"rate without burst": "worker:\n  rate: 5\n  burst: 0\n",
		"log level":          "log:\n  level: loud\n",
		"log format":         "log:\n  format: xml\n",
		"bad duration":       "residency:\n  idle_stash: soon\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tilewire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: warn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.ApplyLogging())
	defer logrus.SetLevel(logrus.InfoLevel)
	assert.Equal(t, logrus.WarnLevel, logrus.GetLevel())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
