// Package device defines the linear-algebra provider consumed by the GRU
// recurrence engine and a pool that hands out exactly one provider handle per
// physical device.
//
// A Backend discovers devices and opens handles. A Handle exposes row-major
// GEMM in both precisions plus a parallel-for used for the per-timestep
// elementwise launch. Handles are created through a Pool, which is built once
// at process start and passed explicitly to whatever needs it.
package device

import "gonum.org/v1/gonum/blas"

// Info describes a physical compute device.
type Info struct {
	ID      int
	Name    string
	Vendor  string
	Backend string

	// Concurrent reports that independent GEMMs may be issued on the handle
	// from several goroutines at once.
	Concurrent bool

	Features []string
}

// Handle is the per-device dense linear-algebra provider.
//
// All matrices are row-major. GEMM computes C = alpha*op(A)*op(B) + beta*C;
// beta 0 overwrites C, beta 1 accumulates into it. A handle is owned by its
// Pool and must not be used by two passes at once unless Info().Concurrent.
type Handle interface {
	Info() Info

	Sgemm(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) error
	Dgemm(tA, tB blas.Transpose, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) error

	// Launch runs kernel over [0, n) split into contiguous chunks and returns
	// once every chunk has finished.
	Launch(n int, kernel func(lo, hi int))

	Close() error
}

// Backend is implemented by providers (CPU, WebGPU, ...). It is responsible
// for device discovery and for opening handles.
type Backend interface {
	Name() string
	Devices() ([]Info, error)
	Open(id int) (Handle, error)
}
