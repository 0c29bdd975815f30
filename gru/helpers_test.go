package gru

import (
	"io"
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/blas"

	"github.com/openfluke/gru/device"
	"github.com/openfluke/gru/device/cpu"
)

func cpuHandle(t *testing.T) device.Handle {
	t.Helper()
	pool, err := device.NewPool(cpu.New(cpu.Config{Workers: 4, MinParallel: 1}), quietLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	h, err := pool.Handle(0)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return h
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func randomSlice[T Float](rng *rand.Rand, n int, scale float64) []T {
	out := make([]T, n)
	for i := range out {
		out[i] = T((rng.Float64()*2 - 1) * scale)
	}
	return out
}

// randomParams fills every tensor, biases included, so each gradient path
// is exercised.
func randomParams[T Float](rng *rand.Rand, input, hidden int, scale float64) *Params[T] {
	p := NewParams[T](input, hidden)
	copy(p.Kernel, randomSlice[T](rng, len(p.Kernel), scale))
	copy(p.RecurrentKernel, randomSlice[T](rng, len(p.RecurrentKernel), scale))
	copy(p.Bias, randomSlice[T](rng, len(p.Bias), scale))
	copy(p.RecurrentBias, randomSlice[T](rng, len(p.RecurrentBias), scale))
	return p
}

func binaryMask[T Float](rng *rand.Rand, n int) []T {
	out := make([]T, n)
	for i := range out {
		if rng.Float64() < 0.5 {
			out[i] = 1
		}
	}
	return out
}

func maxAbsDiff[T Float](a, b []T) float64 {
	var worst float64
	for i := range a {
		d := float64(a[i] - b[i])
		if d < 0 {
			d = -d
		}
		if d > worst {
			worst = d
		}
	}
	return worst
}

// faultyHandle forwards to a real handle until failAt GEMMs have been
// issued, then reports a device fault for every later GEMM.
type faultyHandle struct {
	device.Handle
	failAt int32
	calls  atomic.Int32
}

func (f *faultyHandle) Info() device.Info {
	info := f.Handle.Info()
	info.Concurrent = false
	return info
}

func (f *faultyHandle) Sgemm(tA, tB blas.Transpose, m, n, k int, alpha float32, a []float32, lda int, b []float32, ldb int, beta float32, c []float32, ldc int) error {
	if f.calls.Add(1) >= f.failAt {
		return device.ErrDeviceFault
	}
	return f.Handle.Sgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}

func (f *faultyHandle) Dgemm(tA, tB blas.Transpose, m, n, k int, alpha float64, a []float64, lda int, b []float64, ldb int, beta float64, c []float64, ldc int) error {
	if f.calls.Add(1) >= f.failAt {
		return device.ErrDeviceFault
	}
	return f.Handle.Dgemm(tA, tB, m, n, k, alpha, a, lda, b, ldb, beta, c, ldc)
}
