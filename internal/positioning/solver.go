package positioning

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Algorithm selects the trilateration strategy.
type Algorithm int

const (
	AlgorithmAuto Algorithm = iota
	AlgorithmBasic
	AlgorithmWeighted
	AlgorithmLeastSquares
)

// ParseAlgorithm maps the wire name onto an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "auto", "":
		return AlgorithmAuto, nil
	case "basic":
		return AlgorithmBasic, nil
	case "weighted":
		return AlgorithmWeighted, nil
	case "least_squares":
		return AlgorithmLeastSquares, nil
	default:
		return AlgorithmAuto, fmt.Errorf("%w: unsupported algorithm %q", ErrBadOption, name)
	}
}

func (a Algorithm) String() string {
	switch a {
	case AlgorithmBasic:
		return "basic"
	case AlgorithmWeighted:
		return "weighted"
	case AlgorithmLeastSquares:
		return "least_squares"
	default:
		return "auto"
	}
}

// PositionEstimate is the solver output. Error is a weighted RMS residual
// in the model's distance unit; Confidence is a unit-interval quality
// score, not a probability.
type PositionEstimate struct {
	X           float64
	Y           float64
	Z           float64
	Confidence  float64
	Error       float64
	Method      string
	BeaconCount int
}

const (
	tauGeom     = 1e-6 // 2x2 determinant floor for the basic geometry
	tauSys      = 1e-9 // relative determinant floor for normal equations
	lmLambda0   = 1e-3
	lmMaxIter   = 50
	lmStepTol   = 1e-6
	minSolveSet = 3
)

// Solve runs the requested algorithm over the bound anchors. Auto picks
// weighted for exactly three anchors and least squares beyond that. The
// basic algorithm uses the first three rows; the others use all of them.
func Solve(alg Algorithm, rows []WeightedAnchor) (PositionEstimate, error) {
	if len(rows) < minSolveSet {
		return PositionEstimate{}, fmt.Errorf("%w: %d anchors resolved, need at least %d", ErrTooFewSignals, len(rows), minSolveSet)
	}

	if alg == AlgorithmAuto {
		if len(rows) == minSolveSet {
			alg = AlgorithmWeighted
		} else {
			alg = AlgorithmLeastSquares
		}
	}

	var (
		est PositionEstimate
		err error
	)
	switch alg {
	case AlgorithmBasic:
		est, err = solveBasic(rows[:minSolveSet])
	case AlgorithmWeighted:
		est, err = solveWeighted(rows)
	default:
		est, err = solveLeastSquares(rows)
	}
	if err != nil {
		return PositionEstimate{}, err
	}
	if !isFinite(est.X, est.Y, est.Z, est.Error) {
		return PositionEstimate{}, fmt.Errorf("%w: non-finite solution", ErrDiverged)
	}
	est.Method = alg.String()
	return est, nil
}

// solveBasic performs geometric trilateration over exactly three anchors.
// The pairwise sphere differences give a 2x2 linear system in (x, y); z
// is recovered from the first sphere, assuming the receiver sits above
// the anchor plane. Collinear anchors leave the cross-axis direction
// unconstrained: the solver then falls back to a 1D solve along the
// anchor axis and reports the penalty through a halved confidence, the
// same penalty applied when the z radicand goes negative and is clamped.
func solveBasic(rows []WeightedAnchor) (PositionEstimate, error) {
	p1, p2, p3 := rows[0], rows[1], rows[2]

	a11 := 2 * (p2.X - p1.X)
	a12 := 2 * (p2.Y - p1.Y)
	a21 := 2 * (p3.X - p1.X)
	a22 := 2 * (p3.Y - p1.Y)
	b1 := p1.Distance*p1.Distance - p2.Distance*p2.Distance + p2.X*p2.X - p1.X*p1.X + p2.Y*p2.Y - p1.Y*p1.Y
	b2 := p1.Distance*p1.Distance - p3.Distance*p3.Distance + p3.X*p3.X - p1.X*p1.X + p3.Y*p3.Y - p1.Y*p1.Y

	det := a11*a22 - a12*a21
	degenerate := math.Abs(det) < tauGeom

	var x, y float64
	if degenerate {
		var ok bool
		x, y, ok = solveAxial(rows)
		if !ok {
			return PositionEstimate{}, fmt.Errorf("%w: anchors are coincident in the horizontal plane", ErrDegenerateGeometry)
		}
	} else {
		x = (b1*a22 - b2*a12) / det
		y = (a11*b2 - a21*b1) / det
	}

	rhs := p1.Distance*p1.Distance - (x-p1.X)*(x-p1.X) - (y-p1.Y)*(y-p1.Y)
	clamped := rhs < 0
	z := p1.Z
	if !clamped {
		z += math.Sqrt(rhs)
	}

	est := finishEstimate(x, y, z, rows)
	if clamped || degenerate {
		est.Confidence /= 2
	}
	return est, nil
}

// solveAxial handles anchors that are collinear in the horizontal plane:
// the pairwise equations are solved by least squares along the anchor
// axis and the unconstrained cross-axis coordinate is taken from the
// anchor centroid.
func solveAxial(rows []WeightedAnchor) (x, y float64, ok bool) {
	ux := rows[1].X - rows[0].X
	uy := rows[1].Y - rows[0].Y
	if math.Hypot(ux, uy) < epsDistance {
		ux = rows[2].X - rows[0].X
		uy = rows[2].Y - rows[0].Y
	}
	norm := math.Hypot(ux, uy)
	if norm < epsDistance {
		return 0, 0, false
	}
	ux /= norm
	uy /= norm

	var num, den float64
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			pi, pj := rows[i], rows[j]
			delta := ux*(pj.X-pi.X) + uy*(pj.Y-pi.Y)
			c := pi.Distance*pi.Distance - pj.Distance*pj.Distance + pj.X*pj.X - pi.X*pi.X + pj.Y*pj.Y - pi.Y*pi.Y
			num += 2 * delta * c
			den += (2 * delta) * (2 * delta)
		}
	}
	if den < epsDistance {
		return 0, 0, false
	}
	t := num / den

	mx, my := 0.0, 0.0
	for _, p := range rows {
		mx += p.X
		my += p.Y
	}
	mx /= float64(len(rows))
	my /= float64(len(rows))
	off := mx*ux + my*uy

	return t*ux + mx - off*ux, t*uy + my - off*uy, true
}

// solveWeighted solves the pairwise-difference equations by weighted
// least squares with pair weights w_i*w_j. Four or more anchors that
// span all three axes are solved in full 3D; three anchors (whose
// difference vectors always lie in a plane, leaving the normal matrix
// structurally rank-2) and near-coplanar layouts drop to a planar solve
// with z recovered from the weighted sphere offsets.
func solveWeighted(rows []WeightedAnchor) (PositionEstimate, error) {
	norm := normalizeWeights(rows)

	if len(norm) > minSolveSet {
		if x, y, z, ok := solvePairwise3D(norm); ok {
			return finishEstimate(x, y, z, rows), nil
		}
	}

	x, y, err := solvePairwisePlanar(norm)
	if err != nil {
		return PositionEstimate{}, err
	}

	var zNum, zDen float64
	for _, p := range norm {
		rho2 := (x-p.X)*(x-p.X) + (y-p.Y)*(y-p.Y)
		s := 0.0
		if d2 := p.Distance*p.Distance - rho2; d2 > 0 {
			s = math.Sqrt(d2)
		}
		zNum += p.Weight * (p.Z + s)
		zDen += p.Weight
	}
	return finishEstimate(x, y, zNum/zDen, rows), nil
}

// solvePairwise3D forms (A^T W A) x = A^T W b over every anchor pair and
// solves the 3x3 normal equations, rejecting rank-deficient systems via
// a relative determinant test.
func solvePairwise3D(rows []WeightedAnchor) (x, y, z float64, ok bool) {
	ata := mat.NewDense(3, 3, nil)
	atb := mat.NewVecDense(3, nil)

	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			pi, pj := rows[i], rows[j]
			a := [3]float64{2 * (pj.X - pi.X), 2 * (pj.Y - pi.Y), 2 * (pj.Z - pi.Z)}
			b := pi.Distance*pi.Distance - pj.Distance*pj.Distance +
				pj.X*pj.X - pi.X*pi.X + pj.Y*pj.Y - pi.Y*pi.Y + pj.Z*pj.Z - pi.Z*pi.Z
			w := pi.Weight * pj.Weight
			for r := 0; r < 3; r++ {
				for c := 0; c < 3; c++ {
					ata.Set(r, c, ata.At(r, c)+w*a[r]*a[c])
				}
				atb.SetVec(r, atb.AtVec(r)+w*a[r]*b)
			}
		}
	}

	scale := ata.At(0, 0) * ata.At(1, 1) * ata.At(2, 2)
	det := mat.Det(ata)
	if scale <= 0 || math.Abs(det) < tauSys*scale {
		return 0, 0, 0, false
	}

	var sol mat.VecDense
	if err := sol.SolveVec(ata, atb); err != nil {
		return 0, 0, 0, false
	}
	return sol.AtVec(0), sol.AtVec(1), sol.AtVec(2), true
}

func solvePairwisePlanar(rows []WeightedAnchor) (x, y float64, err error) {
	var a11, a12, a22, b1, b2 float64
	for i := 0; i < len(rows); i++ {
		for j := i + 1; j < len(rows); j++ {
			pi, pj := rows[i], rows[j]
			ax := 2 * (pj.X - pi.X)
			ay := 2 * (pj.Y - pi.Y)
			b := pi.Distance*pi.Distance - pj.Distance*pj.Distance +
				pj.X*pj.X - pi.X*pi.X + pj.Y*pj.Y - pi.Y*pi.Y
			w := pi.Weight * pj.Weight
			a11 += w * ax * ax
			a12 += w * ax * ay
			a22 += w * ay * ay
			b1 += w * ax * b
			b2 += w * ay * b
		}
	}

	det := a11*a22 - a12*a12
	scale := a11 * a22
	if scale <= 0 || math.Abs(det) < tauSys*scale {
		return 0, 0, fmt.Errorf("%w: anchor layout leaves the linear system singular", ErrDegenerateGeometry)
	}
	return (b1*a22 - b2*a12) / det, (a11*b2 - a12*b1) / det, nil
}

// solveLeastSquares minimises the sphere residuals by Gauss-Newton with
// Levenberg-Marquardt damping, starting from the weighted centroid.
// Weights steer the starting point and the quality statistics; the
// minimised residual itself is geometric.
func solveLeastSquares(rows []WeightedAnchor) (PositionEstimate, error) {
	norm := normalizeWeights(rows)

	var x, y, z float64
	for _, p := range norm {
		x += p.Weight * p.X
		y += p.Weight * p.Y
		z += p.Weight * p.Z
	}

	cost := func(cx, cy, cz float64) float64 {
		var sum float64
		for _, p := range norm {
			r := dist3(cx, cy, cz, p.X, p.Y, p.Z) - p.Distance
			sum += r * r
		}
		return sum
	}

	lambda := lmLambda0
	f := cost(x, y, z)

	jtj := mat.NewDense(3, 3, nil)
	rhs := mat.NewVecDense(3, nil)

	for iter := 0; iter < lmMaxIter; iter++ {
		jtj.Zero()
		rhs.Zero()
		for _, p := range norm {
			d := dist3(x, y, z, p.X, p.Y, p.Z)
			if d < epsDistance {
				d = epsDistance
			}
			row := [3]float64{(x - p.X) / d, (y - p.Y) / d, (z - p.Z) / d}
			r := d - p.Distance
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					jtj.Set(a, b, jtj.At(a, b)+row[a]*row[b])
				}
				rhs.SetVec(a, rhs.AtVec(a)-row[a]*r)
			}
		}
		for a := 0; a < 3; a++ {
			jtj.Set(a, a, jtj.At(a, a)+lambda)
		}

		var step mat.VecDense
		if err := step.SolveVec(jtj, rhs); err != nil {
			lambda *= 10
			continue
		}
		sx, sy, sz := step.AtVec(0), step.AtVec(1), step.AtVec(2)
		if math.IsNaN(sx) || math.IsNaN(sy) || math.IsNaN(sz) {
			if iter == 0 {
				return PositionEstimate{}, fmt.Errorf("%w: first iteration produced NaN", ErrDiverged)
			}
			lambda *= 10
			continue
		}

		fNext := cost(x+sx, y+sy, z+sz)
		if math.IsNaN(fNext) {
			if iter == 0 {
				return PositionEstimate{}, fmt.Errorf("%w: first iteration produced NaN", ErrDiverged)
			}
			lambda *= 10
			continue
		}

		if fNext < f {
			x += sx
			y += sy
			z += sz
			f = fNext
			lambda /= 10
			if math.Sqrt(sx*sx+sy*sy+sz*sz) < lmStepTol {
				break
			}
		} else {
			lambda *= 10
		}
	}

	if !isFinite(x, y, z, f) {
		return PositionEstimate{}, fmt.Errorf("%w: iteration left the finite domain", ErrDiverged)
	}
	return finishEstimate(x, y, z, rows), nil
}

// finishEstimate computes the weighted RMS residual at the solution and
// the confidence score 1 - error/maxDistance, clamped to [0, 1].
func finishEstimate(x, y, z float64, rows []WeightedAnchor) PositionEstimate {
	var num, den, dMax float64
	for _, p := range rows {
		r := dist3(x, y, z, p.X, p.Y, p.Z) - p.Distance
		num += p.Weight * r * r
		den += p.Weight
		if p.Distance > dMax {
			dMax = p.Distance
		}
	}

	errRMS := math.Sqrt(num / den)
	confidence := 0.0
	if dMax > 0 {
		confidence = 1 - errRMS/dMax
		if confidence < 0 {
			confidence = 0
		} else if confidence > 1 {
			confidence = 1
		}
	}

	return PositionEstimate{
		X:           x,
		Y:           y,
		Z:           z,
		Confidence:  confidence,
		Error:       errRMS,
		BeaconCount: len(rows),
	}
}

// normalizeWeights rescales weights to sum to one. The solutions are
// invariant under the rescaling; the determinant and damping thresholds
// assume it.
func normalizeWeights(rows []WeightedAnchor) []WeightedAnchor {
	var sum float64
	for _, p := range rows {
		sum += p.Weight
	}
	out := make([]WeightedAnchor, len(rows))
	for i, p := range rows {
		p.Weight /= sum
		out[i] = p
	}
	return out
}

func dist3(ax, ay, az, bx, by, bz float64) float64 {
	dx := ax - bx
	dy := ay - by
	dz := az - bz
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func isFinite(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
