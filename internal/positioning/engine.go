package positioning

import (
	"fmt"
)

// Options carries the caller's algorithm selection and quality gate.
// EnableKalmanFilter and EnableSmoothing are accepted for forward
// compatibility and echoed back to the caller; no temporal layer exists
// yet, so they have no effect on the estimate.
type Options struct {
	Algorithm          string
	MinConfidence      float64
	EnableKalmanFilter bool
	EnableSmoothing    bool
}

// Engine joins signal readings against the anchor registry and runs the
// trilateration solver. It is pure apart from reading a registry
// snapshot, so concurrent requests need no synchronisation.
type Engine struct {
	registry *Registry
	model    RSSIModel
}

// NewEngine builds an engine over a registry and propagation model. The
// anchors in the registry must be expressed in the model's distance unit.
func NewEngine(registry *Registry, model RSSIModel) *Engine {
	return &Engine{registry: registry, model: model}
}

// Model returns the engine's propagation model.
func (e *Engine) Model() RSSIModel {
	return e.model
}

// Registry returns the engine's anchor registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Compute validates the request, resolves the readings against the
// current registry snapshot, and solves for a position. Every failure
// wraps one of the package's sentinel errors.
func (e *Engine) Compute(readings []SignalReading, opts Options) (PositionEstimate, error) {
	if len(readings) == 0 {
		return PositionEstimate{}, fmt.Errorf("%w: no signal readings", ErrInvalidInput)
	}
	for i, r := range readings {
		if r.BeaconID == "" {
			return PositionEstimate{}, fmt.Errorf("%w: reading %d has an empty beacon id", ErrInvalidInput, i)
		}
		if r.RSSI >= 0 {
			return PositionEstimate{}, fmt.Errorf("%w: reading %d has non-negative RSSI %d", ErrInvalidInput, i, r.RSSI)
		}
	}
	if len(readings) < minSolveSet {
		return PositionEstimate{}, fmt.Errorf("%w: got %d readings, need at least %d", ErrTooFewSignals, len(readings), minSolveSet)
	}

	if opts.MinConfidence < 0 || opts.MinConfidence > 1 {
		return PositionEstimate{}, fmt.Errorf("%w: min_confidence %g outside [0, 1]", ErrBadOption, opts.MinConfidence)
	}
	alg, err := ParseAlgorithm(opts.Algorithm)
	if err != nil {
		return PositionEstimate{}, err
	}

	snap := e.registry.Snapshot()
	rows := bindReadings(snap, e.model, readings, alg == AlgorithmBasic)
	if len(rows) < minSolveSet {
		return PositionEstimate{}, fmt.Errorf("%w: only %d of %d readings matched registered anchors", ErrTooFewSignals, len(rows), len(readings))
	}

	est, err := Solve(alg, rows)
	if err != nil {
		return PositionEstimate{}, err
	}

	if est.Confidence < opts.MinConfidence {
		return PositionEstimate{}, fmt.Errorf("%w: confidence %.3f below required %.3f", ErrLowConfidence, est.Confidence, opts.MinConfidence)
	}
	return est, nil
}
