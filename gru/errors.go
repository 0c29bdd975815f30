package gru

import "errors"

// ErrShape is returned when buffer lengths disagree with the layer sizes.
var ErrShape = errors.New("gru: shape mismatch")
