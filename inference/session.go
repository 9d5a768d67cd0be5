// Package inference runs the two-stage prediction pipeline: a primary model
// plus an optional out-of-domain calibration model whose score dampens the
// primary confidence before the escalation decision.
package inference

import "context"

// Session is a loaded, runnable model bound to exactly one artifact version.
// Implementations need not be safe for concurrent Infer calls; the session
// cache does not require it.
type Session interface {
	// InputShape reports the expected input width and height in pixels.
	InputShape() (width, height int)
	// Infer runs one forward pass over an NCHW float32 input and returns one
	// flat slice per output tensor.
	Infer(ctx context.Context, input []float32) ([][]float32, error)
	Close() error
}

// Backend loads model files into runnable sessions.
type Backend interface {
	Load(modelPath string) (Session, error)
}
