// Package gru implements the forward and backward recurrence of a
// Gated Recurrent Unit layer with separate input and recurrent biases.
//
// A pass is a sequence of per-timestep operations issued on a device.Handle:
// dense matmuls for the input and recurrent projections, then one parallel
// elementwise launch for the gate math. ForwardPass walks t = 0..T-1,
// BackwardPass walks t = T-1..0 and sums parameter gradients into caller
// buffers.
//
// Layout conventions (row-major):
//
//	x       [T, N, C]      input sequence
//	kernel  [C, 3H]        input weights, gate order z, r, g
//	rkernel [H, 3H]        recurrent weights
//	bias    [3H]           input-side bias
//	rbias   [3H]           recurrent-side bias
//	h       [T, N, H]      hidden states
//	v       [T, N, 4H]     gate cache z, r, g, q (training only)
//	mask    [T, N, H]      zoneout mask (optional)
//
// where q = Rh_g + rbias_g is the recurrent candidate term before reset
// gating. Gates and Cache give named views of the packed rows.
//
// Example usage:
//
//	pool, _ := device.NewPool(cpu.New(cpu.DefaultConfig()), nil)
//	h, _ := pool.Handle(0)
//	layer := &gru.Layer[float32]{Params: params, Handle: h, Training: true}
//	fw, _ := layer.Forward(x, steps, batch, nil)
//	grads, _ := layer.Backward(x, fw, dh, nil)
package gru
