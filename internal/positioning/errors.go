package positioning

import "errors"

// Failure kinds surfaced by the engine. Callers classify with errors.Is
// and map the kinds onto their transport's status codes; every returned
// error wraps exactly one of these sentinels together with a
// human-readable reason.
var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrTooFewSignals      = errors.New("too few signals")
	ErrBadOption          = errors.New("bad option")
	ErrDegenerateGeometry = errors.New("degenerate geometry")
	ErrDiverged           = errors.New("solver diverged")
	ErrLowConfidence      = errors.New("low confidence")
)
