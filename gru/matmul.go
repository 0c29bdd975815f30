package gru

import (
	"errors"
	"sync"

	"gonum.org/v1/gonum/blas"

	"github.com/openfluke/gru/device"
)

// mat describes a row-major matrix as stored, before any transpose.
type mat[T Float] struct {
	data       []T
	rows, cols int
}

func flag(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// matmul computes c = op(a) × op(b), or c += op(a) × op(b) when accumulate.
func matmul[T Float](h device.Handle, a, b, c mat[T], transA, transB, accumulate bool) error {
	m, k := a.rows, a.cols
	if transA {
		m, k = k, m
	}
	n := b.cols
	if transB {
		n = b.rows
	}
	var beta T
	if accumulate {
		beta = 1
	}

	switch ad := any(a.data).(type) {
	case []float32:
		return h.Sgemm(flag(transA), flag(transB), m, n, k,
			1, ad, a.cols, any(b.data).([]float32), b.cols,
			float32(beta), any(c.data).([]float32), c.cols)
	case []float64:
		return h.Dgemm(flag(transA), flag(transB), m, n, k,
			1, ad, a.cols, any(b.data).([]float64), b.cols,
			float64(beta), any(c.data).([]float64), c.cols)
	}
	return device.ErrUnsupportedPrecision
}

// issue runs independent device ops. When the handle accepts concurrent
// GEMMs they are all in flight at once, otherwise they run in order and the
// first failure stops the rest.
func issue(concurrent bool, ops ...func() error) error {
	if !concurrent || len(ops) < 2 {
		for _, op := range ops {
			if err := op(); err != nil {
				return err
			}
		}
		return nil
	}

	errs := make([]error, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops[1:] {
		wg.Add(1)
		go func(i int, op func() error) {
			defer wg.Done()
			errs[i] = op()
		}(i+1, op)
	}
	errs[0] = ops[0]()
	wg.Wait()
	return errors.Join(errs...)
}
