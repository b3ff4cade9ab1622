// Package config loads the runtime configuration of orchestrators and workers.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"tilewire/codec"
	"tilewire/image"
	"tilewire/loadbalance"
	"tilewire/middleware"
	"tilewire/pool"
	"tilewire/server"
)

type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Residency ResidencyConfig `yaml:"residency"`
	Worker    WorkerConfig    `yaml:"worker"`
	Log       LogConfig       `yaml:"log"`
}

type PoolConfig struct {
	Size      int    `yaml:"size"` // 0 means one worker per CPU, at least 2
	TaskLimit int    `yaml:"task_limit"`
	Strategy  string `yaml:"strategy"`
	Codec     string `yaml:"codec"`
}

type ResidencyConfig struct {
	IdleStash    time.Duration `yaml:"idle_stash"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
	Compression  string        `yaml:"compression"`
}

type WorkerConfig struct {
	Listen    string        `yaml:"listen"`
	Advertise string        `yaml:"advertise"`
	Service   string        `yaml:"service"`
	Etcd      []string      `yaml:"etcd"`
	Heartbeat time.Duration `yaml:"heartbeat"`
	Timeout   time.Duration `yaml:"timeout"` // per-listener; 0 disables
	Rate      float64       `yaml:"rate"`    // listener invocations per second; 0 disables
	Burst     int           `yaml:"burst"`
	Retries   int           `yaml:"retries"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Pool: PoolConfig{
			TaskLimit: pool.DefaultTaskLimit,
			Strategy:  "pyramid",
			Codec:     "binary",
		},
		Residency: ResidencyConfig{
			IdleStash:    time.Second,
			RetryBackoff: image.DefaultRetryDelay,
			Compression:  "zstd",
		},
		Worker: WorkerConfig{
			Listen:    ":7070",
			Service:   server.DefaultService,
			Heartbeat: 15 * time.Second,
			Burst:     1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown keys are errors.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	// An empty document leaves the defaults in place
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "parse")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Pool.Size < 0 {
		return errors.Errorf("pool.size must not be negative, got %d", c.Pool.Size)
	}
	if c.Pool.TaskLimit < 1 {
		return errors.Errorf("pool.task_limit must be at least 1, got %d", c.Pool.TaskLimit)
	}
	if _, err := loadbalance.New(c.Pool.Strategy); err != nil {
		return errors.Wrap(err, "pool.strategy")
	}
	if _, ok := codec.ParseCodecType(c.Pool.Codec); !ok {
		return errors.Errorf("pool.codec: unknown codec %q", c.Pool.Codec)
	}
	if c.Residency.IdleStash < 0 || c.Residency.RetryBackoff < 0 {
		return errors.New("residency durations must not be negative")
	}
	if _, err := image.CodecByName(c.Residency.Compression); err != nil {
		return errors.Wrap(err, "residency.compression")
	}
	if c.Worker.Rate < 0 || c.Worker.Burst < 0 || c.Worker.Retries < 0 {
		return errors.New("worker.rate, worker.burst and worker.retries must not be negative")
	}
	if c.Worker.Rate > 0 && c.Worker.Burst == 0 {
		return errors.New("worker.burst must be positive when worker.rate is set")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return errors.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// ApplyLogging configures the standard logrus logger.
func (c *Config) ApplyLogging() error {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	if c.Log.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// CodecType returns the configured wire codec.
func (c *Config) CodecType() codec.CodecType {
	t, _ := codec.ParseCodecType(c.Pool.Codec)
	return t
}

// PoolOptions turns the pool section into pool options.
func (c *Config) PoolOptions() ([]pool.Option, error) {
	b, err := loadbalance.New(c.Pool.Strategy)
	if err != nil {
		return nil, err
	}
	return []pool.Option{
		pool.WithSize(c.Pool.Size),
		pool.WithTaskLimit(c.Pool.TaskLimit),
		pool.WithBalancer(b),
	}, nil
}

// VolumeOptions turns the residency section into volume options.
func (c *Config) VolumeOptions() ([]image.Option, error) {
	cdc, err := image.CodecByName(c.Residency.Compression)
	if err != nil {
		return nil, err
	}
	return []image.Option{
		image.WithCodec(cdc),
		image.WithRetryDelay(c.Residency.RetryBackoff),
	}, nil
}

// Middlewares returns the listener middlewares the worker section asks for, outermost
// first.
func (c *Config) Middlewares() []middleware.Middleware {
	mws := []middleware.Middleware{}
	if c.Worker.Rate > 0 {
		mws = append(mws, middleware.RateLimitMiddleware(c.Worker.Rate, c.Worker.Burst))
	}
	if c.Worker.Retries > 0 {
		mws = append(mws, middleware.RetryMiddleware(c.Worker.Retries, 100*time.Millisecond))
	}
	if c.Worker.Timeout > 0 {
		mws = append(mws, middleware.TimeOutMiddleware(c.Worker.Timeout))
	}
	return mws
}

// ServerOptions turns the worker section into server options.
func (c *Config) ServerOptions() []server.Option {
	return []server.Option{
		server.WithCodec(c.CodecType()),
		server.WithHeartbeat(c.Worker.Heartbeat),
		server.WithService(c.Worker.Service),
	}
}
