// Package config loads runtime configuration: queue and pool capacities,
// device memory size, and the trace mode. Sizes in the YAML accept
// human-readable strings ("64KB").
package config

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Config sizes the simulated agent. All queue/ring capacities must be
// powers of two.
type Config struct {
	// SchedulerQueueSize is the control queue packet capacity.
	SchedulerQueueSize uint32 `yaml:"scheduler_queue_size"`
	// ExecutionQueueSize is the hardware execution queue packet capacity.
	ExecutionQueueSize uint32 `yaml:"execution_queue_size"`
	// HostQueueSize is the device->host soft queue packet capacity.
	HostQueueSize uint32 `yaml:"host_queue_size"`
	// SignalPoolSize is the number of signals allocated up front.
	SignalPoolSize uint32 `yaml:"signal_pool_size"`
	// QueryRingSize is the number of trace query signals.
	QueryRingSize uint32 `yaml:"query_ring_size"`
	// MailboxSize is the scheduler soft-queue entry capacity.
	MailboxSize uint32 `yaml:"mailbox_size"`

	// DeviceMemory is the committed device slab ("16MB").
	DeviceMemory string `yaml:"device_memory"`
	// TraceCapacity is the trace ring size ("64KB"); power of two.
	TraceCapacity string `yaml:"trace_capacity"`
	// TraceMode is one of "off", "control", "dispatch".
	TraceMode string `yaml:"trace_mode"`
}

// Default returns the capacities used when no config file is given.
func Default() Config {
	return Config{
		SchedulerQueueSize: 256,
		ExecutionQueueSize: 1024,
		HostQueueSize:      256,
		SignalPoolSize:     256,
		QueryRingSize:      512,
		MailboxSize:        256,
		DeviceMemory:       "16MB",
		TraceCapacity:      "64KB",
		TraceMode:          "off",
	}
}

// Load reads a YAML config file, filling unset fields from Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// DeviceMemoryBytes parses the device memory size.
func (c Config) DeviceMemoryBytes() (uint64, error) {
	b, err := bytesize.Parse(c.DeviceMemory)
	if err != nil {
		return 0, fmt.Errorf("device_memory: %w", err)
	}
	return uint64(b), nil
}

// TraceCapacityBytes parses the trace ring size.
func (c Config) TraceCapacityBytes() (uint64, error) {
	b, err := bytesize.Parse(c.TraceCapacity)
	if err != nil {
		return 0, fmt.Errorf("trace_capacity: %w", err)
	}
	return uint64(b), nil
}

// Validate checks power-of-two and mode constraints.
func (c Config) Validate() error {
	pow2 := func(name string, v uint32) error {
		if v == 0 || v&(v-1) != 0 {
			return fmt.Errorf("%s must be a power of two, got %d", name, v)
		}
		return nil
	}
	for _, check := range []struct {
		name string
		v    uint32
	}{
		{"scheduler_queue_size", c.SchedulerQueueSize},
		{"execution_queue_size", c.ExecutionQueueSize},
		{"host_queue_size", c.HostQueueSize},
		{"signal_pool_size", c.SignalPoolSize},
		{"query_ring_size", c.QueryRingSize},
		{"mailbox_size", c.MailboxSize},
	} {
		if err := pow2(check.name, check.v); err != nil {
			return err
		}
	}
	if tc, err := c.TraceCapacityBytes(); err != nil {
		return err
	} else if tc == 0 || tc&(tc-1) != 0 {
		return fmt.Errorf("trace_capacity must be a power of two, got %d", tc)
	}
	switch c.TraceMode {
	case "off", "control", "dispatch":
	default:
		return fmt.Errorf("trace_mode must be off, control, or dispatch, got %q", c.TraceMode)
	}
	return nil
}
