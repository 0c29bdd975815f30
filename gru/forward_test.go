package gru

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/openfluke/gru/device"
)

func TestForwardZeroWeightsStaysZero(t *testing.T) {
	const steps, batch, C, H = 4, 3, 2, 5
	layer := &Layer[float64]{
		Params:   NewParams[float64](C, H),
		Handle:   cpuHandle(t),
		Training: true,
		Log:      quietLogger(),
	}
	fw, err := layer.Forward(make([]float64, steps*batch*C), steps, batch, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i, v := range fw.H {
		if v != 0 {
			t.Fatalf("h[%d] = %g, want 0", i, v)
		}
	}
	// z = r = sigmoid(0), g = tanh(0), q = 0.
	for row := 0; row < steps*batch; row++ {
		c := CacheAt(fw.V, row, H)
		for j := 0; j < H; j++ {
			if c.Z[j] != 0.5 || c.R[j] != 0.5 || c.G[j] != 0 || c.Q[j] != 0 {
				t.Fatalf("cache row %d unit %d = (%g %g %g %g), want (0.5 0.5 0 0)",
					row, j, c.Z[j], c.R[j], c.G[j], c.Q[j])
			}
		}
	}
}

func TestForwardSingleUnitClosedForm(t *testing.T) {
	p := NewParams[float64](1, 1)
	copy(p.Kernel, []float64{0.5, -0.3, 0.8})
	copy(p.RecurrentKernel, []float64{0.2, 0.4, -0.6})
	copy(p.Bias, []float64{0.1, 0.05, -0.2})
	copy(p.RecurrentBias, []float64{-0.1, 0.3, 0.25})
	x := []float64{1.5, -0.7}

	sig := func(v float64) float64 { return 1 / (1 + math.Exp(-v)) }
	var want []float64
	h := 0.0
	for _, xt := range x {
		z := sig(xt*0.5 + 0.1 + h*0.2 - 0.1)
		r := sig(xt*-0.3 + 0.05 + h*0.4 + 0.3)
		g := math.Tanh(xt*0.8 - 0.2 + r*(h*-0.6+0.25))
		h = z*h + (1-z)*g
		want = append(want, h)
	}

	layer := &Layer[float64]{Params: p, Handle: cpuHandle(t), Log: quietLogger()}
	fw, err := layer.Forward(x, 2, 1, nil)
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range want {
		if math.Abs(fw.H[i]-want[i]) > 1e-12 {
			t.Errorf("h[%d] = %.15f, want %.15f", i, fw.H[i], want[i])
		}
	}
}

func TestForwardInferenceNeverTouchesCache(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	const batch, C, H = 2, 3, 4
	h := cpuHandle(t)
	p := randomParams[float64](rng, C, H, 0.5)
	x := randomSlice[float64](rng, batch*C, 1)
	hPrev := randomSlice[float64](rng, batch*H, 1)

	run := func(training bool, v []float64) []float64 {
		out := make([]float64, batch*H)
		fp := NewForwardPass[float64](training, batch, C, H, h)
		err := fp.Step(p, x, hPrev, out, v, make([]float64, batch*3*H), make([]float64, batch*3*H), 0, nil)
		if err != nil {
			t.Fatalf("Step: %v", err)
		}
		return out
	}

	sentinel := make([]float64, batch*4*H)
	for i := range sentinel {
		sentinel[i] = math.NaN()
	}
	inference := run(false, sentinel)
	for i, v := range sentinel {
		if !math.IsNaN(v) {
			t.Fatalf("inference wrote cache[%d] = %g", i, v)
		}
	}
	if got := run(false, nil); maxAbsDiff(got, inference) != 0 {
		t.Error("nil cache changed inference output")
	}

	training := run(true, make([]float64, batch*4*H))
	for i := range training {
		if training[i] != inference[i] {
			t.Fatalf("h[%d]: training %g, inference %g", i, training[i], inference[i])
		}
	}
}

func TestForwardTrainingFlagKeepsSequenceOutput(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const steps, batch, C, H = 5, 2, 3, 4
	h := cpuHandle(t)
	p := randomParams[float32](rng, C, H, 0.5)
	x := randomSlice[float32](rng, steps*batch*C, 1)

	train, err := (&Layer[float32]{Params: p, Handle: h, Training: true, Log: quietLogger()}).Forward(x, steps, batch, nil)
	if err != nil {
		t.Fatal(err)
	}
	infer, err := (&Layer[float32]{Params: p, Handle: h, Log: quietLogger()}).Forward(x, steps, batch, nil)
	if err != nil {
		t.Fatal(err)
	}
	if infer.V != nil {
		t.Error("inference forward allocated a gate cache")
	}
	if d := maxAbsDiff(train.H, infer.H); d != 0 {
		t.Errorf("training changed output by %g", d)
	}
}

func TestZoneoutDisabledIsNoop(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	const steps, batch, C, H = 4, 2, 3, 3
	h := cpuHandle(t)
	p := randomParams[float64](rng, C, H, 0.5)
	x := randomSlice[float64](rng, steps*batch*C, 1)
	mask := binaryMask[float64](rng, steps*batch*H)

	forward := func(prob float64, mask []float64) []float64 {
		l := &Layer[float64]{Params: p, Handle: h, Training: true, ZoneoutProb: prob, Log: quietLogger()}
		fw, err := l.Forward(x, steps, batch, mask)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return fw.H
	}

	ref := forward(0, nil)
	if d := maxAbsDiff(forward(0, mask), ref); d != 0 {
		t.Errorf("zero probability with mask differs by %g", d)
	}
	if d := maxAbsDiff(forward(0.4, nil), ref); d != 0 {
		t.Errorf("probability without mask differs by %g", d)
	}

	ones := make([]float64, len(mask))
	for i := range ones {
		ones[i] = 1
	}
	if d := maxAbsDiff(forward(0.4, ones), ref); d > 1e-12 {
		t.Errorf("all-ones mask differs by %g", d)
	}

	// A zero mask keeps every unit at its previous value, which starts at 0.
	for i, v := range forward(0.4, make([]float64, len(mask))) {
		if v != 0 {
			t.Fatalf("zero mask: h[%d] = %g, want 0", i, v)
		}
	}
}

func TestZoneoutInferenceUsesExpectation(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	const batch, C, H = 2, 3, 4
	const prob = 0.25
	h := cpuHandle(t)
	p := randomParams[float64](rng, C, H, 0.5)
	x := randomSlice[float64](rng, batch*C, 1)
	hPrev := randomSlice[float64](rng, batch*H, 1)
	mask := make([]float64, batch*H)

	step := func(prob float64, mask []float64) []float64 {
		out := make([]float64, batch*H)
		fp := NewForwardPass[float64](false, batch, C, H, h)
		if err := fp.Step(p, x, hPrev, out, nil, make([]float64, batch*3*H), make([]float64, batch*3*H), prob, mask); err != nil {
			t.Fatal(err)
		}
		return out
	}
	plain := step(0, nil)
	zoned := step(prob, mask)
	for i := range plain {
		want := prob*hPrev[i] + (1-prob)*plain[i]
		if math.Abs(zoned[i]-want) > 1e-12 {
			t.Fatalf("h[%d] = %g, want %g", i, zoned[i], want)
		}
	}
}

func TestStepMatchesBulkProjection(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	const steps, batch, C, H = 3, 2, 4, 3
	h := cpuHandle(t)
	p := randomParams[float64](rng, C, H, 0.5)
	x := randomSlice[float64](rng, steps*batch*C, 1)

	fw, err := (&Layer[float64]{Params: p, Handle: h, Training: true, Log: quietLogger()}).Forward(x, steps, batch, nil)
	if err != nil {
		t.Fatal(err)
	}

	fp := NewForwardPass[float64](true, batch, C, H, h)
	hs := make([]float64, steps*batch*H)
	vs := make([]float64, steps*batch*4*H)
	tmpWx := make([]float64, steps*batch*3*H)
	tmpRh := make([]float64, batch*3*H)
	prev := make([]float64, batch*H)
	nh, nc, n3, n4 := batch*H, batch*C, batch*3*H, batch*4*H
	for s := 0; s < steps; s++ {
		out := hs[s*nh : (s+1)*nh]
		err := fp.Step(p, x[s*nc:(s+1)*nc], prev, out, vs[s*n4:(s+1)*n4], tmpWx[s*n3:(s+1)*n3], tmpRh, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		prev = out
	}
	if d := maxAbsDiff(hs, fw.H); d > 1e-12 {
		t.Errorf("per-step h differs from bulk by %g", d)
	}
	if d := maxAbsDiff(vs, fw.V); d > 1e-12 {
		t.Errorf("per-step cache differs from bulk by %g", d)
	}
}

func TestIterateReadsProjectedInput(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const batch, C, H = 2, 3, 4
	h := cpuHandle(t)
	p := randomParams[float64](rng, C, H, 0.5)
	x := randomSlice[float64](rng, batch*C, 1)
	hPrev := randomSlice[float64](rng, batch*H, 1)
	fp := NewForwardPass[float64](true, batch, C, H, h)

	want := make([]float64, batch*H)
	if err := fp.Step(p, x, hPrev, want, make([]float64, batch*4*H), make([]float64, batch*3*H), make([]float64, batch*3*H), 0, nil); err != nil {
		t.Fatal(err)
	}

	tmpWx := make([]float64, batch*3*H)
	if err := fp.ProjectInput(p.Kernel, x, tmpWx, 1); err != nil {
		t.Fatal(err)
	}
	projected := append([]float64(nil), tmpWx...)

	// With the kernel zeroed, only the precomputed projection carries x.
	q := p.Clone()
	clear(q.Kernel)
	got := make([]float64, batch*H)
	if err := fp.Iterate(q, hPrev, got, make([]float64, batch*4*H), tmpWx, make([]float64, batch*3*H), 0, nil); err != nil {
		t.Fatal(err)
	}
	if d := maxAbsDiff(got, want); d > 1e-12 {
		t.Errorf("Iterate differs from Step by %g", d)
	}
	if maxAbsDiff(tmpWx, projected) != 0 {
		t.Error("Iterate rewrote the projected input")
	}
}

func TestForwardAbortsOnDeviceFault(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	const steps, batch, C, H = 5, 2, 3, 3
	fh := &faultyHandle{Handle: cpuHandle(t), failAt: 3}
	layer := &Layer[float32]{
		Params: randomParams[float32](rng, C, H, 0.5),
		Handle: fh,
		Log:    quietLogger(),
	}
	fw, err := layer.Forward(randomSlice[float32](rng, steps*batch*C, 1), steps, batch, nil)
	if !errors.Is(err, device.ErrDeviceFault) {
		t.Fatalf("error = %v, want ErrDeviceFault", err)
	}
	if fw != nil {
		t.Error("partial forward result returned")
	}
	// Call 1 projects the input, call 2 runs step 0, call 3 fails at step 1.
	if !strings.Contains(err.Error(), "step 1") {
		t.Errorf("error %q does not name the failing step", err)
	}
	if got := fh.calls.Load(); got != 3 {
		t.Errorf("%d GEMMs issued, want 3", got)
	}
}

func TestLayerRejectsBadShapes(t *testing.T) {
	h := cpuHandle(t)
	p := NewParams[float64](2, 3)
	layer := &Layer[float64]{Params: p, Handle: h, Training: true, Log: quietLogger()}

	cases := map[string]func() error{
		"input length": func() error {
			_, err := layer.Forward(make([]float64, 5), 2, 1, nil)
			return err
		},
		"mask length": func() error {
			_, err := layer.Forward(make([]float64, 4), 2, 1, make([]float64, 5))
			return err
		},
		"zero steps": func() error {
			_, err := layer.Forward(nil, 0, 1, nil)
			return err
		},
		"params": func() error {
			bad := &Layer[float64]{Params: &Params[float64]{InputSize: 2, HiddenSize: 3}, Handle: h}
			_, err := bad.Forward(make([]float64, 4), 2, 1, nil)
			return err
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			if err := run(); !errors.Is(err, ErrShape) {
				t.Errorf("error = %v, want ErrShape", err)
			}
		})
	}
}

func TestLayerWithoutHandle(t *testing.T) {
	layer := &Layer[float64]{Params: NewParams[float64](2, 3), Log: quietLogger()}
	if _, err := layer.Forward(make([]float64, 4), 2, 1, nil); !errors.Is(err, device.ErrNoDevice) {
		t.Errorf("Forward error = %v, want ErrNoDevice", err)
	}
}
