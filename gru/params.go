package gru

import (
	"fmt"
	"math"
	"math/rand"
)

// Params holds the trainable tensors of a GRU layer. The same type is used
// for gradient accumulators.
type Params[T Float] struct {
	InputSize  int
	HiddenSize int

	Kernel          []T // [InputSize, 3*HiddenSize]
	RecurrentKernel []T // [HiddenSize, 3*HiddenSize]
	Bias            []T // [3*HiddenSize]
	RecurrentBias   []T // [3*HiddenSize]
}

// NewParams allocates zero-valued parameters.
func NewParams[T Float](inputSize, hiddenSize int) *Params[T] {
	return &Params[T]{
		InputSize:       inputSize,
		HiddenSize:      hiddenSize,
		Kernel:          make([]T, inputSize*3*hiddenSize),
		RecurrentKernel: make([]T, hiddenSize*3*hiddenSize),
		Bias:            make([]T, 3*hiddenSize),
		RecurrentBias:   make([]T, 3*hiddenSize),
	}
}

// InitParams returns parameters with Xavier/Glorot normal kernels and zero
// biases.
func InitParams[T Float](inputSize, hiddenSize int, rng *rand.Rand) *Params[T] {
	p := NewParams[T](inputSize, hiddenSize)

	stdIH := math.Sqrt(2.0 / float64(inputSize+3*hiddenSize))
	for i := range p.Kernel {
		p.Kernel[i] = T(rng.NormFloat64() * stdIH)
	}
	stdHH := math.Sqrt(2.0 / float64(hiddenSize+3*hiddenSize))
	for i := range p.RecurrentKernel {
		p.RecurrentKernel[i] = T(rng.NormFloat64() * stdHH)
	}
	return p
}

// Validate checks that every tensor length agrees with InputSize and
// HiddenSize.
func (p *Params[T]) Validate() error {
	if p.InputSize < 1 || p.HiddenSize < 1 {
		return fmt.Errorf("input size %d, hidden size %d: %w", p.InputSize, p.HiddenSize, ErrShape)
	}
	h3 := 3 * p.HiddenSize
	checks := []struct {
		name      string
		got, want int
	}{
		{"kernel", len(p.Kernel), p.InputSize * h3},
		{"recurrent kernel", len(p.RecurrentKernel), p.HiddenSize * h3},
		{"bias", len(p.Bias), h3},
		{"recurrent bias", len(p.RecurrentBias), h3},
	}
	for _, c := range checks {
		if c.got != c.want {
			return fmt.Errorf("%s has %d elements, want %d: %w", c.name, c.got, c.want, ErrShape)
		}
	}
	return nil
}

// Zero resets every tensor to zero in place.
func (p *Params[T]) Zero() {
	clear(p.Kernel)
	clear(p.RecurrentKernel)
	clear(p.Bias)
	clear(p.RecurrentBias)
}

// Clone returns a deep copy.
func (p *Params[T]) Clone() *Params[T] {
	return &Params[T]{
		InputSize:       p.InputSize,
		HiddenSize:      p.HiddenSize,
		Kernel:          append([]T(nil), p.Kernel...),
		RecurrentKernel: append([]T(nil), p.RecurrentKernel...),
		Bias:            append([]T(nil), p.Bias...),
		RecurrentBias:   append([]T(nil), p.RecurrentBias...),
	}
}

// Tensors returns the four tensors in their canonical order, keyed by name.
func (p *Params[T]) Tensors() []NamedTensor[T] {
	h3 := 3 * p.HiddenSize
	return []NamedTensor[T]{
		{Name: "kernel", Shape: []int{p.InputSize, h3}, Data: p.Kernel},
		{Name: "recurrent_kernel", Shape: []int{p.HiddenSize, h3}, Data: p.RecurrentKernel},
		{Name: "bias", Shape: []int{h3}, Data: p.Bias},
		{Name: "recurrent_bias", Shape: []int{h3}, Data: p.RecurrentBias},
	}
}

// NamedTensor is a parameter tensor with its name and shape.
type NamedTensor[T Float] struct {
	Name  string
	Shape []int
	Data  []T
}
