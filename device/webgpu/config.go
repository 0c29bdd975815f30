package webgpu

import (
	"os"
	"strconv"
	"time"

	"github.com/openfluke/gru/device/cpu"
)

// Config selects an adapter and sizes the GEMM dispatch.
type Config struct {
	// PreferVendor moves adapters whose name or vendor contains this string
	// (case-insensitive) to the front of the device list.
	PreferVendor string

	// Workgroup is the edge of the square GEMM workgroup. 0 means 16.
	Workgroup int

	// ReadTimeout bounds the wait for a result buffer to map. 0 means 2s.
	ReadTimeout time.Duration

	// Host parallelizes the elementwise launch, which runs on the CPU.
	Host cpu.Config
}

// DefaultConfig returns the default configuration, overridden by
// GRU_WEBGPU_VENDOR and GRU_WEBGPU_WORKGROUP when set.
func DefaultConfig() Config {
	cfg := Config{
		PreferVendor: "nvidia",
		Workgroup:    16,
		ReadTimeout:  2 * time.Second,
		Host:         cpu.DefaultConfig(),
	}
	if v, ok := os.LookupEnv("GRU_WEBGPU_VENDOR"); ok {
		cfg.PreferVendor = v
	}
	if v, err := strconv.Atoi(os.Getenv("GRU_WEBGPU_WORKGROUP")); err == nil && v > 0 {
		cfg.Workgroup = v
	}
	return cfg
}

func (c Config) workgroup() int {
	if c.Workgroup <= 0 {
		return 16
	}
	return c.Workgroup
}

func (c Config) readTimeout() time.Duration {
	if c.ReadTimeout <= 0 {
		return 2 * time.Second
	}
	return c.ReadTimeout
}
