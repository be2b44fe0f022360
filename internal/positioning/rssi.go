package positioning

import (
	"fmt"
	"math"
)

// DistanceUnit identifies the length unit shared by the RSSI model output
// and the anchor coordinates.
type DistanceUnit int

const (
	Centimeter DistanceUnit = iota
	Meter
)

func (u DistanceUnit) String() string {
	switch u {
	case Centimeter:
		return "cm"
	case Meter:
		return "m"
	default:
		return "unknown"
	}
}

// calibrationReference returns one meter expressed in the given unit. The
// empirical calibration fits are anchored at a 1 m reference distance.
func (u DistanceUnit) calibrationReference() float64 {
	if u == Centimeter {
		return 100.0
	}
	return 1.0
}

// epsDistance is the floor applied to modelled distances so downstream
// weights stay finite.
const epsDistance = 1e-6

// RSSIModel converts a received signal strength (dBm) into an estimated
// distance. Both supported parameterisations reduce to the generalised
// log-distance form d = ref * 10^((rssiRef - rssi) / (10 * exponent)).
type RSSIModel struct {
	rssiRef  float64
	exponent float64
	ref      float64
	unit     DistanceUnit
	desc     string
}

// LogDistance builds a path-loss model with the reference RSSI measured at
// one unit of distance.
func LogDistance(rssiRef, exponent float64, unit DistanceUnit) RSSIModel {
	return RSSIModel{
		rssiRef:  rssiRef,
		exponent: exponent,
		ref:      1.0,
		unit:     unit,
		desc:     fmt.Sprintf("log-distance rssi0=%.2fdBm n=%.2f unit=%s", rssiRef, exponent, unit),
	}
}

// PythonFit builds a model from empirically fitted parameters
// (a, b, n) = (intercept rssi0, slope per decade of distance, path-loss
// exponent). The calibration fits rssi = a + b*log10(d) with d in meters,
// so b and n are redundant (b = -10*n); a gross mismatch means the
// parameters do not come from the same fit and is rejected.
func PythonFit(a, b, n float64, unit DistanceUnit) (RSSIModel, error) {
	if n <= 0 {
		return RSSIModel{}, fmt.Errorf("path-loss exponent must be positive, got %g", n)
	}
	if math.Abs(b+10*n) > 0.01*math.Abs(10*n) {
		return RSSIModel{}, fmt.Errorf("inconsistent fit parameters: slope %g does not match exponent %g (want b = -10*n)", b, n)
	}
	return RSSIModel{
		rssiRef:  a,
		exponent: n,
		ref:      unit.calibrationReference(),
		unit:     unit,
		desc:     fmt.Sprintf("python-fit a=%.3f b=%.3f n=%.3f unit=%s", a, b, n, unit),
	}, nil
}

// DistanceOf estimates the distance for an RSSI reading in the model's
// unit. It is pure and total: the result is always >= epsDistance.
func (m RSSIModel) DistanceOf(rssi int16) float64 {
	d := m.ref * math.Pow(10, (m.rssiRef-float64(rssi))/(10*m.exponent))
	if d < epsDistance || math.IsNaN(d) {
		return epsDistance
	}
	return d
}

// Unit reports the distance unit the model was calibrated in.
func (m RSSIModel) Unit() DistanceUnit {
	return m.unit
}

// Description returns a one-line operator-facing summary of the model.
func (m RSSIModel) Description() string {
	return m.desc
}
