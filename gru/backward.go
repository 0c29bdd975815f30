package gru

import "github.com/openfluke/gru/device"

// BackwardPass computes one reverse GRU timestep at a time. Calls must walk
// t = T-1 down to 0: each call consumes and rewrites the running hidden
// gradient left by the previous (later) timestep.
type BackwardPass[T Float] struct {
	batch      int
	input      int
	hidden     int
	handle     device.Handle
	concurrent bool
}

// NewBackwardPass binds a pass to a device handle. The gradient accumulators
// and the running dh passed to Iterate must start at zero.
func NewBackwardPass[T Float](batchSize, inputSize, hiddenSize int, h device.Handle) *BackwardPass[T] {
	return &BackwardPass[T]{
		batch:      batchSize,
		input:      inputSize,
		hidden:     hiddenSize,
		handle:     h,
		concurrent: h.Info().Concurrent,
	}
}

// Iterate runs the reverse step for timestep t.
//
//	x      [N, C]   input at t
//	h      [N, H]   hidden state fed into t (h[t-1], zeros for t = 0)
//	v      [N, 4H]  gate cache written by the forward step at t
//	dhNew  [N, H]   loss gradient w.r.t. the output of t
//	dx     [N, C]   receives the input gradient (overwritten)
//	grads           kernel, recurrent kernel and bias gradients (summed into)
//	dh     [N, H]   running hidden gradient (read, then replaced by the
//	                gradient flowing into h[t-1])
//	dp, dq [N, 3H]  scratch for the input-side and recurrent-side
//	                pre-activation gradients
//
// grads and dh must be zero before the first call of a sequence.
func (p *BackwardPass[T]) Iterate(w *Params[T], x, h, v, dhNew, dx []T, grads *Params[T], dh, dp, dq, zoneoutMask []T) error {
	p.pointwise(h, v, dhNew, grads, dh, dp, dq, zoneoutMask)

	N, C, H3 := p.batch, p.input, 3*p.hidden
	return issue(p.concurrent,
		// dh += dq × Rᵀ
		func() error {
			return matmul(p.handle, mat[T]{dq, N, H3}, mat[T]{w.RecurrentKernel, p.hidden, H3}, mat[T]{dh, N, p.hidden}, false, true, true)
		},
		// dx = dp × Wᵀ
		func() error {
			return matmul(p.handle, mat[T]{dp, N, H3}, mat[T]{w.Kernel, C, H3}, mat[T]{dx, N, C}, false, true, false)
		},
		// dR += hᵀ × dq
		func() error {
			return matmul(p.handle, mat[T]{h, N, p.hidden}, mat[T]{dq, N, H3}, mat[T]{grads.RecurrentKernel, p.hidden, H3}, true, false, true)
		},
		// dW += xᵀ × dp
		func() error {
			return matmul(p.handle, mat[T]{x, N, C}, mat[T]{dp, N, H3}, mat[T]{grads.Kernel, C, H3}, true, false, true)
		},
	)
}

// pointwise is launched over hidden units; each worker owns a column range
// for the whole batch, so the bias sums need no synchronization.
func (p *BackwardPass[T]) pointwise(h, v, dhNew []T, grads *Params[T], dh, dp, dq, zoneoutMask []T) {
	N, H := p.batch, p.hidden
	dbx := SplitGates(grads.Bias, H)
	dbr := SplitGates(grads.RecurrentBias, H)

	p.handle.Launch(H, func(lo, hi int) {
		for n := 0; n < N; n++ {
			c := CacheAt(v, n, H)
			dpn := GatesAt(dp, n, H)
			dqn := GatesAt(dq, n, H)
			hPrev := h[n*H : (n+1)*H]
			dhIn := dhNew[n*H : (n+1)*H]
			dhRun := dh[n*H : (n+1)*H]
			var mask []T
			if zoneoutMask != nil {
				mask = zoneoutMask[n*H : (n+1)*H]
			}

			for j := lo; j < hi; j++ {
				z, r, g := c.Z[j], c.R[j], c.G[j]
				total := dhIn[j] + dhRun[j]

				if mask != nil {
					dhRun[j] = (1 - mask[j]) * total
					total = mask[j] * total
					dhRun[j] += z * total
				} else {
					dhRun[j] = z * total
				}

				dg := (1 - z) * total
				dz := (hPrev[j] - g) * total
				dpG := dTanh(g) * dg
				dqG := dpG * r
				dr := dpG * c.Q[j]
				dpR := dSigmoid(r) * dr
				dpZ := dSigmoid(z) * dz

				dpn.Z[j], dpn.R[j], dpn.G[j] = dpZ, dpR, dpG
				dqn.Z[j], dqn.R[j], dqn.G[j] = dpZ, dpR, dqG

				dbx.Z[j] += dpZ
				dbx.R[j] += dpR
				dbx.G[j] += dpG
				dbr.Z[j] += dpZ
				dbr.R[j] += dpR
				dbr.G[j] += dqG
			}
		}
	})
}
