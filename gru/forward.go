package gru

import "github.com/openfluke/gru/device"

// ForwardPass computes one GRU timestep at a time for a fixed batch, input
// and hidden size.
//
// The recurrent scratch buffer handed to Iterate is overwritten on every
// call, so a ForwardPass must not run two timesteps at once.
type ForwardPass[T Float] struct {
	training   bool
	batch      int
	input      int
	hidden     int
	handle     device.Handle
	concurrent bool
}

// NewForwardPass binds a pass to a device handle. With training set, every
// timestep also fills its gate-cache row for BackwardPass.
func NewForwardPass[T Float](training bool, batchSize, inputSize, hiddenSize int, h device.Handle) *ForwardPass[T] {
	return &ForwardPass[T]{
		training:   training,
		batch:      batchSize,
		input:      inputSize,
		hidden:     hiddenSize,
		handle:     h,
		concurrent: h.Info().Concurrent,
	}
}

// Iterate advances the recurrence by one timestep whose input projection
// was already written to tmpWx by ProjectInput.
//
//	h      [N, H]   hidden state at t-1 (zeros for t = 0)
//	hOut   [N, H]   hidden state at t
//	v      [N, 4H]  gate cache at t, nil when not training
//	tmpWx  [N, 3H]  x[t] × kernel, read only
//	tmpRh  [N, 3H]  receives h × recurrent kernel, reused every step
//
// Zoneout is applied when zoneoutProb is non-zero and zoneoutMask [N, H] is
// given.
func (p *ForwardPass[T]) Iterate(w *Params[T], h, hOut, v, tmpWx, tmpRh []T, zoneoutProb T, zoneoutMask []T) error {
	if err := p.project(w, h, tmpRh); err != nil {
		return err
	}
	p.pointwise(w, h, hOut, v, tmpWx, tmpRh, zoneoutProb, zoneoutMask)
	return nil
}

// ProjectInput fills tmpWx [steps, N, 3H] with x × kernel for every
// timestep in a single GEMM. Only the recurrent projection has a true
// sequential dependency, so the input side is batched ahead of the loop.
func (p *ForwardPass[T]) ProjectInput(kernel, x, tmpWx []T, steps int) error {
	rows := steps * p.batch
	return matmul(p.handle,
		mat[T]{x, rows, p.input},
		mat[T]{kernel, p.input, 3 * p.hidden},
		mat[T]{tmpWx, rows, 3 * p.hidden},
		false, false, false)
}

// Step is Iterate for a caller without a bulk projection: it overwrites
// tmpWx with x [N, C] × kernel, overlapping that GEMM with the recurrent one
// when the handle allows it.
func (p *ForwardPass[T]) Step(w *Params[T], x, h, hOut, v, tmpWx, tmpRh []T, zoneoutProb T, zoneoutMask []T) error {
	err := issue(p.concurrent,
		func() error {
			return matmul(p.handle,
				mat[T]{x, p.batch, p.input},
				mat[T]{w.Kernel, p.input, 3 * p.hidden},
				mat[T]{tmpWx, p.batch, 3 * p.hidden},
				false, false, false)
		},
		func() error { return p.project(w, h, tmpRh) },
	)
	if err != nil {
		return err
	}
	p.pointwise(w, h, hOut, v, tmpWx, tmpRh, zoneoutProb, zoneoutMask)
	return nil
}

func (p *ForwardPass[T]) project(w *Params[T], h, tmpRh []T) error {
	return matmul(p.handle,
		mat[T]{h, p.batch, p.hidden},
		mat[T]{w.RecurrentKernel, p.hidden, 3 * p.hidden},
		mat[T]{tmpRh, p.batch, 3 * p.hidden},
		false, false, false)
}

func (p *ForwardPass[T]) pointwise(w *Params[T], h, hOut, v, wx, rh []T, zoneoutProb T, zoneoutMask []T) {
	H := p.hidden
	bx := SplitGates(w.Bias, H)
	br := SplitGates(w.RecurrentBias, H)
	zoneout := zoneoutProb != 0 && zoneoutMask != nil

	p.handle.Launch(p.batch*H, func(lo, hi int) {
		rowsIn(lo, hi, H, func(n, from, to int) {
			in := GatesAt(wx, n, H)
			rec := GatesAt(rh, n, H)
			hPrev := h[n*H : (n+1)*H]
			hNew := hOut[n*H : (n+1)*H]

			var cache Cache[T]
			if p.training {
				cache = CacheAt(v, n, H)
			}
			var mask []T
			if zoneout {
				mask = zoneoutMask[n*H : (n+1)*H]
			}

			for j := from; j < to; j++ {
				zg := sigmoid(in.Z[j] + bx.Z[j] + rec.Z[j] + br.Z[j])
				rg := sigmoid(in.R[j] + bx.R[j] + rec.R[j] + br.R[j])
				q := rec.G[j] + br.G[j]
				g := tanh(in.G[j] + bx.G[j] + rg*q)

				if p.training {
					cache.Z[j] = zg
					cache.R[j] = rg
					cache.G[j] = g
					cache.Q[j] = q
				}

				cur := zg*hPrev[j] + (1-zg)*g
				if zoneout {
					if p.training {
						cur = (cur-hPrev[j])*mask[j] + hPrev[j]
					} else {
						cur = zoneoutProb*hPrev[j] + (1-zoneoutProb)*cur
					}
				}
				hNew[j] = cur
			}
		})
	})
}
