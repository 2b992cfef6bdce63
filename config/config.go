// Package config loads the settings of the hvmmu tool from a TOML file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/sarchlab/hvmmu/mem/vm"
	"github.com/sarchlab/hvmmu/mem/vm/format"
	"github.com/sarchlab/hvmmu/mem/vm/host"
	"github.com/sarchlab/hvmmu/mem/vm/tlbmgr"
)

// Environment variables that override the file.
const (
	EnvLogLevel         = "HVMMU_LOG_LEVEL"
	EnvMaxVMID          = "HVMMU_MAX_VMID"
	EnvTLBStrategy      = "HVMMU_TLB_STRATEGY"
	EnvPrefetchDistance = "HVMMU_PREFETCH_DISTANCE"
	EnvMonitorPort      = "HVMMU_MONITOR_PORT"
)

// ErrInvalid is returned for settings that cannot be used.
var ErrInvalid = errors.New("invalid configuration")

// LogConfig selects how the tool logs.
type LogConfig struct {
	Level string `toml:"level"`
	// Format is "text" or "json".
	Format string `toml:"format"`
}

// HostConfig sizes the host.
type HostConfig struct {
	MaxVMID   uint16 `toml:"max_vmid"`
	CacheSize int    `toml:"cache_size"`
	// Formats lists the G-stage formats the platform walks, by name.
	Formats []string `toml:"formats"`
}

// MonitorConfig controls the debug server.
type MonitorConfig struct {
	Enabled     bool `toml:"enabled"`
	Port        int  `toml:"port"`
	OpenBrowser bool `toml:"open_browser"`
}

// RecordConfig controls the SQLite recorder.
type RecordConfig struct {
	Enabled bool `toml:"enabled"`
	// Path is the database name without the .sqlite3 suffix. Empty picks a
	// unique one.
	Path string `toml:"path"`
}

// Config holds every setting of the tool.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Host    HostConfig    `toml:"host"`
	TLB     tlbmgr.Config `toml:"tlb"`
	Monitor MonitorConfig `toml:"monitor"`
	Record  RecordConfig  `toml:"record"`
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Host: HostConfig{
			MaxVMID:   uint16(host.DefaultMaxVMID),
			CacheSize: 1024,
			Formats:   []string{"Sv39", "Sv48"},
		},
		TLB: tlbmgr.DefaultConfig(),
	}
}

// Load reads the TOML file at path on top of the defaults, then applies the
// environment. Values in envFiles are used for variables the process
// environment does not set. An empty path skips the file.
func Load(path string, envFiles ...string) (Config, error) {
	c := Default()

	if path != "" {
		md, err := toml.DecodeFile(path, &c)
		if err != nil {
			return Config{}, fmt.Errorf("reading %s: %w", path, err)
		}

		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("%w: unknown key %s in %s",
				ErrInvalid, undecoded[0], path)
		}
	}

	env := map[string]string{}
	if len(envFiles) > 0 {
		var err error

		env, err = godotenv.Read(envFiles...)
		if err != nil {
			return Config{}, fmt.Errorf("reading env files: %w", err)
		}
	}

	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}

		v, ok := env[key]

		return v, ok
	}

	if err := c.ApplyEnv(lookup); err != nil {
		return Config{}, err
	}

	return c, c.Validate()
}

// ApplyEnv overrides settings with the HVMMU_ variables lookup finds.
func (c *Config) ApplyEnv(lookup func(key string) (string, bool)) error {
	if v, ok := lookup(EnvLogLevel); ok {
		c.Log.Level = v
	}

	if v, ok := lookup(EnvMaxVMID); ok {
		n, err := strconv.ParseUint(v, 0, 16)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvMaxVMID, v)
		}

		c.Host.MaxVMID = uint16(n)
	}

	if v, ok := lookup(EnvTLBStrategy); ok {
		s, err := tlbmgr.ParseStrategy(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalid, EnvTLBStrategy, err)
		}

		c.TLB.Strategy = s
	}

	if v, ok := lookup(EnvPrefetchDistance); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvPrefetchDistance, v)
		}

		c.TLB.Prefetch.Distance = n
	}

	if v, ok := lookup(EnvMonitorPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q", ErrInvalid, EnvMonitorPort, v)
		}

		c.Monitor.Port = n
		c.Monitor.Enabled = true
	}

	return nil
}

// Validate reports the first setting that cannot be used. TLB settings are
// checked by the TLB manager itself.
func (c Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}

	if c.Host.MaxVMID == 0 || vm.VMID(c.Host.MaxVMID) > host.MaxVMID {
		return fmt.Errorf("%w: max_vmid %d is not in [1, %d]",
			ErrInvalid, c.Host.MaxVMID, host.MaxVMID)
	}

	if c.Host.CacheSize < 0 {
		return fmt.Errorf("%w: cache_size %d", ErrInvalid, c.Host.CacheSize)
	}

	if _, err := c.Capabilities(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if c.Monitor.Port < 0 || c.Monitor.Port > 65535 {
		return fmt.Errorf("%w: monitor port %d", ErrInvalid, c.Monitor.Port)
	}

	return nil
}

// Logger creates the logger the settings describe.
func (c Config) Logger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level)

	if strings.EqualFold(c.Log.Format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	}

	return l, nil
}

// Capabilities returns the formats the host is configured to walk.
func (c Config) Capabilities() (format.StaticCapabilities, error) {
	formats := make([]format.Format, 0, len(c.Host.Formats))

	for _, name := range c.Host.Formats {
		f, err := format.Parse(name)
		if err != nil {
			return format.StaticCapabilities{}, err
		}

		formats = append(formats, f)
	}

	return format.StaticCapabilities{Supported: format.MaskOf(formats...)}, nil
}

// HostBuilder applies the host and TLB settings to b.
func (c Config) HostBuilder(b host.Builder) (host.Builder, error) {
	caps, err := c.Capabilities()
	if err != nil {
		return b, err
	}

	return b.
		WithCapabilities(caps).
		WithMaxVMID(vm.VMID(c.Host.MaxVMID)).
		WithCacheSize(c.Host.CacheSize).
		WithTLBConfig(c.TLB), nil
}
