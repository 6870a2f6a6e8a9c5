package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "aqlrun.yaml")
	data := []byte("execution_queue_size: 2048\ndevice_memory: 4MB\ntrace_mode: dispatch\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ExecutionQueueSize != 2048 {
		t.Errorf("execution_queue_size = %d", cfg.ExecutionQueueSize)
	}
	if cfg.TraceMode != "dispatch" {
		t.Errorf("trace_mode = %q", cfg.TraceMode)
	}
	// Unset fields keep defaults.
	if cfg.SchedulerQueueSize != Default().SchedulerQueueSize {
		t.Errorf("scheduler_queue_size = %d", cfg.SchedulerQueueSize)
	}
	b, err := cfg.DeviceMemoryBytes()
	if err != nil || b != 4<<20 {
		t.Errorf("device memory = %d, %v", b, err)
	}
}

func TestValidateRejectsNonPowerOfTwo(t *testing.T) {
	cfg := Default()
	cfg.ExecutionQueueSize = 1000
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-power-of-two queue size accepted")
	}
}

func TestValidateRejectsBadTraceMode(t *testing.T) {
	cfg := Default()
	cfg.TraceMode = "everything"
	if err := cfg.Validate(); err == nil {
		t.Fatal("bad trace mode accepted")
	}
}

func TestValidateRejectsBadTraceCapacity(t *testing.T) {
	cfg := Default()
	cfg.TraceCapacity = "100KB"
	if err := cfg.Validate(); err == nil {
		t.Fatal("non-power-of-two trace capacity accepted")
	}
}
