// Package cpu is a device backend that runs GEMM through gonum's native BLAS
// and the elementwise launch on a goroutine worker pool.
package cpu

import (
	"fmt"
	"os"
	"runtime"
	"strconv"

	xcpu "golang.org/x/sys/cpu"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/gonum"

	"github.com/openfluke/gru/device"
)

// Config controls how the elementwise launch is parallelized.
type Config struct {
	// Workers is the number of goroutines per launch. 0 means runtime.NumCPU().
	Workers int

	// MinParallel is the smallest launch size that is split across workers.
	// Smaller launches run on the caller's goroutine.
	MinParallel int
}

// DefaultConfig returns the default configuration, overridden by
// GRU_CPU_WORKERS and GRU_CPU_MIN_PARALLEL when set.
func DefaultConfig() Config {
	cfg := Config{
		Workers:     runtime.NumCPU(),
		MinParallel: 1024,
	}
	if v, err := strconv.Atoi(os.Getenv("GRU_CPU_WORKERS")); err == nil && v > 0 {
		cfg.Workers = v
	}
	if v, err := strconv.Atoi(os.Getenv("GRU_CPU_MIN_PARALLEL")); err == nil && v >= 0 {
		cfg.MinParallel = v
	}
	return cfg
}

// Backend exposes the host as a single device.
type Backend struct {
	cfg Config
}

// New returns a CPU backend.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) Name() string { return "cpu" }

func (b *Backend) Devices() ([]device.Info, error) {
	return []device.Info{info()}, nil
}

func (b *Backend) Open(id int) (device.Handle, error) {
	if id != 0 {
		return nil, fmt.Errorf("cpu: device %d: %w", id, device.ErrNoDevice)
	}
	return &handle{cfg: b.cfg, info: info()}, nil
}

func info() device.Info {
	return device.Info{
		ID:         0,
		Name:       runtime.GOARCH,
		Vendor:     "host",
		Backend:    "cpu",
		Concurrent: true,
		Features:   features(),
	}
}

func features() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(xcpu.X86.HasSSE2, "sse2")
	add(xcpu.X86.HasAVX, "avx")
	add(xcpu.X86.HasAVX2, "avx2")
	add(xcpu.X86.HasFMA, "fma")
	add(xcpu.X86.HasAVX512F, "avx512f")
	add(xcpu.ARM64.HasASIMD, "asimd")
	add(xcpu.ARM64.HasFPHP, "fphp")
	return out
}

// handle is stateless apart from its config, so concurrent GEMMs are safe.
type handle struct {
	cfg  Config
	info device.Info
	impl gonum.Implementation
}

func (h *handle) Info() device.Info { return h.info }

func (h *handle) Sgemm(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) (err error) {
	defer recoverFault("sgemm", &err)
	h.impl.Sgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
	return nil
}

func (h *handle) Dgemm(tA, tB blas.Transpose, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) (err error) {
	defer recoverFault("dgemm", &err)
	h.impl.Dgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
	return nil
}

func (h *handle) Launch(n int, kernel func(lo, hi int)) {
	device.ParallelFor(h.cfg.Workers, h.cfg.MinParallel, n, kernel)
}

func (h *handle) Close() error { return nil }

// gonum reports argument errors by panicking.
func recoverFault(op string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("cpu %s: %v: %w", op, r, device.ErrDeviceFault)
	}
}
