package gru

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/openfluke/gru/device"
)

// Layer drives ForwardPass and BackwardPass over a whole [T, N, ...]
// sequence. It validates shapes and allocates every scratch buffer before
// the first timestep, so a bad shape never leaves a half-computed sequence.
type Layer[T Float] struct {
	Params   *Params[T]
	Handle   device.Handle
	Training bool

	// ZoneoutProb enables zoneout when non-zero and a mask is passed.
	ZoneoutProb T

	// Log defaults to logrus.StandardLogger().
	Log *logrus.Logger
}

// ForwardResult holds the outputs of Layer.Forward.
type ForwardResult[T Float] struct {
	Steps int
	Batch int
	H     []T // [T, N, H]
	V     []T // [T, N, 4H], nil unless training
}

// Gradients holds the outputs of Layer.Backward.
type Gradients[T Float] struct {
	DX     []T        // [T, N, C]
	Params *Params[T] // kernel, recurrent kernel, bias and recurrent bias gradients
}

func (l *Layer[T]) logger() *logrus.Logger {
	if l.Log != nil {
		return l.Log
	}
	return logrus.StandardLogger()
}

func (l *Layer[T]) check(x []T, steps, batch int, mask []T) error {
	if l.Handle == nil {
		return fmt.Errorf("gru: layer has no handle: %w", device.ErrNoDevice)
	}
	if l.Params == nil {
		return fmt.Errorf("no params: %w", ErrShape)
	}
	if err := l.Params.Validate(); err != nil {
		return err
	}
	if steps < 1 || batch < 1 {
		return fmt.Errorf("steps %d, batch %d: %w", steps, batch, ErrShape)
	}
	if want := steps * batch * l.Params.InputSize; len(x) != want {
		return fmt.Errorf("input has %d elements, want %d: %w", len(x), want, ErrShape)
	}
	if want := steps * batch * l.Params.HiddenSize; mask != nil && len(mask) != want {
		return fmt.Errorf("zoneout mask has %d elements, want %d: %w", len(mask), want, ErrShape)
	}
	return nil
}

// Forward runs the recurrence over x [steps, batch, C]. mask [steps, batch, H]
// is optional.
func (l *Layer[T]) Forward(x []T, steps, batch int, mask []T) (*ForwardResult[T], error) {
	if err := l.check(x, steps, batch, mask); err != nil {
		return nil, err
	}
	C, H := l.Params.InputSize, l.Params.HiddenSize
	nh, n3, n4 := batch*H, batch*3*H, batch*4*H

	out := &ForwardResult[T]{Steps: steps, Batch: batch, H: make([]T, steps*nh)}
	if l.Training {
		out.V = make([]T, steps*n4)
	}
	tmpWx := make([]T, steps*n3)
	tmpRh := make([]T, n3)
	zero := make([]T, nh)

	log := l.logger().WithFields(logrus.Fields{
		"steps":    steps,
		"batch":    batch,
		"hidden":   H,
		"training": l.Training,
	})
	log.Debug("gru forward")

	fp := NewForwardPass[T](l.Training, batch, C, H, l.Handle)
	if err := fp.ProjectInput(l.Params.Kernel, x, tmpWx, steps); err != nil {
		log.WithError(err).Error("gru forward aborted")
		return nil, errors.Wrap(err, "project input")
	}

	hPrev := zero
	for t := 0; t < steps; t++ {
		hOut := out.H[t*nh : (t+1)*nh]
		var v, m []T
		if l.Training {
			v = out.V[t*n4 : (t+1)*n4]
		}
		if mask != nil {
			m = mask[t*nh : (t+1)*nh]
		}
		if err := fp.Iterate(l.Params, hPrev, hOut, v, tmpWx[t*n3:(t+1)*n3], tmpRh, l.ZoneoutProb, m); err != nil {
			log.WithError(err).WithField("step", t).Error("gru forward aborted")
			return nil, errors.Wrapf(err, "forward step %d", t)
		}
		hPrev = hOut
	}
	return out, nil
}

// Backward walks the sequence recorded by a training Forward in reverse.
// dhNew [steps, batch, H] is the loss gradient w.r.t. every hidden state;
// mask must be the one given to Forward and is ignored when ZoneoutProb is 0.
func (l *Layer[T]) Backward(x []T, fw *ForwardResult[T], dhNew, mask []T) (*Gradients[T], error) {
	if fw == nil || fw.V == nil {
		return nil, fmt.Errorf("forward result has no gate cache: %w", ErrShape)
	}
	steps, batch := fw.Steps, fw.Batch
	if err := l.check(x, steps, batch, mask); err != nil {
		return nil, err
	}
	C, H := l.Params.InputSize, l.Params.HiddenSize
	nh, nc, n3, n4 := batch*H, batch*C, batch*3*H, batch*4*H
	if len(fw.H) != steps*nh || len(fw.V) != steps*n4 {
		return nil, fmt.Errorf("forward result does not match %d×%d×%d: %w", steps, batch, H, ErrShape)
	}
	if len(dhNew) != steps*nh {
		return nil, fmt.Errorf("dh has %d elements, want %d: %w", len(dhNew), steps*nh, ErrShape)
	}

	// Accumulators and the running dh start at zero; make guarantees it.
	grads := &Gradients[T]{
		DX:     make([]T, steps*nc),
		Params: NewParams[T](C, H),
	}
	dh := make([]T, nh)
	dp := make([]T, n3)
	dq := make([]T, n3)
	zero := make([]T, nh)

	log := l.logger().WithFields(logrus.Fields{
		"steps":  steps,
		"batch":  batch,
		"hidden": H,
	})
	log.Debug("gru backward")

	bp := NewBackwardPass[T](batch, C, H, l.Handle)
	for t := steps - 1; t >= 0; t-- {
		hPrev := zero
		if t > 0 {
			hPrev = fw.H[(t-1)*nh : t*nh]
		}
		var m []T
		if mask != nil && l.ZoneoutProb != 0 {
			m = mask[t*nh : (t+1)*nh]
		}
		err := bp.Iterate(l.Params,
			x[t*nc:(t+1)*nc],
			hPrev,
			fw.V[t*n4:(t+1)*n4],
			dhNew[t*nh:(t+1)*nh],
			grads.DX[t*nc:(t+1)*nc],
			grads.Params, dh, dp, dq, m)
		if err != nil {
			log.WithError(err).WithField("step", t).Error("gru backward aborted")
			return nil, errors.Wrapf(err, "backward step %d", t)
		}
	}
	return grads, nil
}
