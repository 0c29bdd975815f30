package gru

import "math"

// Float is the element type of every buffer a pass touches.
type Float interface {
	float32 | float64
}

func sigmoid[T Float](x T) T {
	return 1 / (1 + T(math.Exp(float64(-x))))
}

// dSigmoid takes the sigmoid output, not its input.
func dSigmoid[T Float](s T) T {
	return s * (1 - s)
}

func tanh[T Float](x T) T {
	return T(math.Tanh(float64(x)))
}

// dTanh takes the tanh output, not its input.
func dTanh[T Float](t T) T {
	return 1 - t*t
}
