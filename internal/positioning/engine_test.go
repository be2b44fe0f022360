package positioning

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedEngine builds the reference deployment: three centimeter anchors
// and the calibrated python-fit model.
func seedEngine(t *testing.T) *Engine {
	t.Helper()

	reg := NewRegistry()
	require.NoError(t, reg.Replace([]Anchor{
		{ID: "20:A7:16:5E:C5:D6", Name: "RFstar_C5D6", X: 764, Y: 216, Z: 63},
		{ID: "20:A7:16:61:0C:F1", Name: "RFstar_0CF1", X: 0, Y: 152, Z: 157},
		{ID: "20:A7:16:60:FB:FC", Name: "RFstar_FBFC", X: 309, Y: 748, Z: 63},
	}))

	model, err := PythonFit(-49.656, -43.284, 4.328, Centimeter)
	require.NoError(t, err)

	return NewEngine(reg, model)
}

func seedReadings() []SignalReading {
	return []SignalReading{
		{BeaconID: "20:A7:16:5E:C5:D6", RSSI: -52},
		{BeaconID: "20:A7:16:61:0C:F1", RSSI: -77},
		{BeaconID: "20:A7:16:60:FB:FC", RSSI: -86},
	}
}

func TestComputeSeedScenarioAuto(t *testing.T) {
	engine := seedEngine(t)

	est, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)

	assert.Equal(t, "weighted", est.Method)
	assert.Equal(t, 3, est.BeaconCount)
	assert.InDelta(t, 507.4267558220167, est.X, 1e-6)
	assert.InDelta(t, 19.890985345787385, est.Y, 1e-6)
	assert.InDelta(t, 68.99430183637624, est.Z, 1e-6)
	assert.Greater(t, est.Confidence, 0.0)
}

func TestComputeSeedScenarioLeastSquares(t *testing.T) {
	engine := seedEngine(t)

	auto, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)

	ls, err := engine.Compute(seedReadings(), Options{Algorithm: "least_squares"})
	require.NoError(t, err)

	assert.Equal(t, "least_squares", ls.Method)
	gap := dist3(auto.X, auto.Y, auto.Z, ls.X, ls.Y, ls.Z)
	assert.Less(t, gap, 150.0)
}

func TestComputeTooFewReadings(t *testing.T) {
	engine := seedEngine(t)

	_, err := engine.Compute(seedReadings()[:1], Options{Algorithm: "auto"})
	if !errors.Is(err, ErrTooFewSignals) {
		t.Fatalf("error = %v, want ErrTooFewSignals", err)
	}
}

func TestComputeUnknownAlgorithm(t *testing.T) {
	engine := seedEngine(t)

	_, err := engine.Compute(seedReadings(), Options{Algorithm: "fancy"})
	if !errors.Is(err, ErrBadOption) {
		t.Fatalf("error = %v, want ErrBadOption", err)
	}
}

func TestComputeMinConfidenceGate(t *testing.T) {
	engine := seedEngine(t)

	_, err := engine.Compute(seedReadings(), Options{Algorithm: "auto", MinConfidence: 0.99})
	if !errors.Is(err, ErrLowConfidence) {
		t.Fatalf("error = %v, want ErrLowConfidence", err)
	}
	// The failure reports the confidence that was actually computed.
	if !strings.Contains(err.Error(), "0.708") {
		t.Errorf("error %q does not carry the computed confidence", err)
	}
}

func TestComputeMinConfidenceRange(t *testing.T) {
	engine := seedEngine(t)

	for _, bad := range []float64{-0.1, 1.5} {
		_, err := engine.Compute(seedReadings(), Options{Algorithm: "auto", MinConfidence: bad})
		if !errors.Is(err, ErrBadOption) {
			t.Errorf("min_confidence %v: error = %v, want ErrBadOption", bad, err)
		}
	}
}

func TestComputeInputValidation(t *testing.T) {
	engine := seedEngine(t)

	tests := []struct {
		name     string
		readings []SignalReading
		want     error
	}{
		{"empty", nil, ErrInvalidInput},
		{"empty beacon id", []SignalReading{{BeaconID: "", RSSI: -50}}, ErrInvalidInput},
		{"positive rssi", append(seedReadings(), SignalReading{BeaconID: "x", RSSI: 10}), ErrInvalidInput},
		{"zero rssi", append(seedReadings(), SignalReading{BeaconID: "x", RSSI: 0}), ErrInvalidInput},
		{"two readings", seedReadings()[:2], ErrTooFewSignals},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Compute(tt.readings, Options{Algorithm: "auto"})
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestComputeDropsUnknownBeacons(t *testing.T) {
	engine := seedEngine(t)

	readings := []SignalReading{
		{BeaconID: "20:A7:16:5E:C5:D6", RSSI: -52},
		{BeaconID: "unknown-1", RSSI: -60},
		{BeaconID: "unknown-2", RSSI: -70},
	}

	_, err := engine.Compute(readings, Options{Algorithm: "auto"})
	if !errors.Is(err, ErrTooFewSignals) {
		t.Fatalf("error = %v, want ErrTooFewSignals after dropping unknown ids", err)
	}
}

func TestComputeAutoMatchesExplicitAlgorithms(t *testing.T) {
	engine := seedEngine(t)

	// Three resolved anchors: auto selects weighted.
	auto, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)
	weighted, err := engine.Compute(seedReadings(), Options{Algorithm: "weighted"})
	require.NoError(t, err)
	assert.Equal(t, weighted, auto)

	// A fourth anchor flips auto to least squares.
	require.NoError(t, engine.Registry().Add(Anchor{ID: "extra", X: 400, Y: 400, Z: 0}))
	readings := append(seedReadings(), SignalReading{BeaconID: "extra", RSSI: -70})

	auto4, err := engine.Compute(readings, Options{Algorithm: "auto"})
	require.NoError(t, err)
	ls4, err := engine.Compute(readings, Options{Algorithm: "least_squares"})
	require.NoError(t, err)
	assert.Equal(t, ls4, auto4)
	assert.Equal(t, "least_squares", auto4.Method)
	assert.Equal(t, 4, auto4.BeaconCount)
}

func TestComputeDeterministic(t *testing.T) {
	engine := seedEngine(t)

	for _, alg := range []string{"basic", "weighted", "least_squares", "auto"} {
		first, err := engine.Compute(seedReadings(), Options{Algorithm: alg})
		require.NoError(t, err, "alg %s", alg)
		second, err := engine.Compute(seedReadings(), Options{Algorithm: alg})
		require.NoError(t, err, "alg %s", alg)
		assert.Equal(t, first, second, "alg %s", alg)
	}
}

func TestComputeKalmanAndSmoothingAreNoOps(t *testing.T) {
	engine := seedEngine(t)

	plain, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)

	toggled, err := engine.Compute(seedReadings(), Options{
		Algorithm:          "auto",
		EnableKalmanFilter: true,
		EnableSmoothing:    true,
	})
	require.NoError(t, err)

	assert.Equal(t, plain, toggled)
}

func TestComputeRegistrySwapBetweenRequests(t *testing.T) {
	engine := seedEngine(t)

	before, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)

	// Shift every anchor; the next request sees the new snapshot.
	shifted := make([]Anchor, 0, 3)
	for _, a := range engine.Registry().All() {
		a.X += 100
		shifted = append(shifted, a)
	}
	require.NoError(t, engine.Registry().Replace(shifted))

	after, err := engine.Compute(seedReadings(), Options{Algorithm: "auto"})
	require.NoError(t, err)

	assert.InDelta(t, before.X+100, after.X, 1e-6)
	assert.InDelta(t, before.Y, after.Y, 1e-6)
}
