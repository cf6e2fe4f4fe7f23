// Package config loads the proxy configuration file.
package config

import (
	"net"
	"os"
	"time"

	downstream "github.com/go-i2p/go-downstream"
	"github.com/go-i2p/go-downstream/reaper"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Dial mirrors downstream.DialConfig in the file.
type Dial struct {
	Timeout    time.Duration `yaml:"timeout"`
	KeepAlive  time.Duration `yaml:"keep_alive"`
	Retries    int           `yaml:"retries"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// File is the proxy configuration.
type File struct {
	Listen       string                `yaml:"listen"`
	Admin        string                `yaml:"admin"`
	Workers      int                   `yaml:"workers"`
	Shared       bool                  `yaml:"shared"`
	Capacity     int                   `yaml:"capacity"`
	MaxIdle      time.Duration         `yaml:"max_idle"`
	ReapInterval time.Duration         `yaml:"reap_interval"`
	Dial         Dial                  `yaml:"dial"`
	Backends     []*downstream.Backend `yaml:"backends"`
}

// Default returns a configuration with every optional field filled in.
func Default() *File {
	dial := downstream.NewDialConfig()
	reap := reaper.DefaultConfig()
	return &File{
		Listen:       "127.0.0.1:8080",
		MaxIdle:      reap.MaxIdle,
		ReapInterval: reap.Interval,
		Dial: Dial{
			Timeout:    dial.DialTimeout,
			KeepAlive:  dial.KeepAlive,
			Retries:    dial.DialRetries,
			Backoff:    dial.RetryBackoff,
			MaxBackoff: dial.MaxBackoff,
		},
	}
}

// Load reads and parses the file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.
			Code("CONFIG_READ_FAILED").
			In("config").
			With("path", path).
			Wrapf(err, "failed to read config file")
	}

	f, err := Parse(data)
	if err != nil {
		return nil, oops.
			In("config").
			With("path", path).
			Wrap(err)
	}
	return f, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*File, error) {
	f := Default()
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, oops.
			Code("CONFIG_PARSE_FAILED").
			In("config").
			Wrapf(err, "failed to parse config")
	}

	f.applyBackendDefaults()
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *File) applyBackendDefaults() {
	for _, b := range f.Backends {
		if b == nil {
			continue
		}
		if b.Network == "" {
			b.Network = "tcp"
		}
		if b.Protocol == "" {
			b.Protocol = downstream.ProtocolHTTP1
		}
	}
}

// Validate checks the whole configuration.
func (f *File) Validate() error {
	if err := f.validateListen(); err != nil {
		return err
	}

	if err := f.validateBackends(); err != nil {
		return err
	}

	if err := f.DialConfig().Validate(); err != nil {
		return err
	}

	return f.ReaperConfig().Validate()
}

func (f *File) validateListen() error {
	if _, _, err := net.SplitHostPort(f.Listen); err != nil {
		return oops.
			Code("INVALID_LISTEN").
			In("config").
			With("listen", f.Listen).
			Wrapf(err, "listen must be host:port")
	}
	if f.Admin != "" {
		if _, _, err := net.SplitHostPort(f.Admin); err != nil {
			return oops.
				Code("INVALID_LISTEN").
				In("config").
				With("admin", f.Admin).
				Wrapf(err, "admin must be host:port")
		}
	}
	return nil
}

func (f *File) validateBackends() error {
	if len(f.Backends) == 0 {
		return oops.
			Code("NO_BACKENDS").
			In("config").
			Errorf("at least one backend is required")
	}

	seen := make(map[string]bool, len(f.Backends))
	for i, b := range f.Backends {
		if err := b.Validate(); err != nil {
			return oops.
				In("config").
				With("backend_index", i).
				Wrap(err)
		}
		if seen[b.Key()] {
			return oops.
				Code("DUPLICATE_BACKEND").
				In("config").
				With("backend", b.Key()).
				Errorf("backend %s is configured twice", b.Key())
		}
		seen[b.Key()] = true
	}
	return nil
}

// DialConfig converts the dial section.
func (f *File) DialConfig() *downstream.DialConfig {
	return downstream.NewDialConfig().
		WithDialTimeout(f.Dial.Timeout).
		WithKeepAlive(f.Dial.KeepAlive).
		WithDialRetries(f.Dial.Retries).
		WithRetryBackoff(f.Dial.Backoff).
		WithMaxBackoff(f.Dial.MaxBackoff)
}

// ReaperConfig converts the idle reaping settings.
func (f *File) ReaperConfig() reaper.Config {
	return reaper.Config{
		MaxIdle:  f.MaxIdle,
		Interval: f.ReapInterval,
	}
}
