package tracker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	stateDim       = 7
	measurementDim = 4
)

// Noise model for a constant-velocity box filter. The state is
// [cx, cy, s, r, vx, vy, vs]: aspect ratio r is assumed constant.
var (
	measurementNoise  = [measurementDim]float64{1, 1, 10, 10}
	initialCovariance = [stateDim]float64{10, 10, 10, 10, 1e4, 1e4, 1e4}
	processNoise      = [stateDim]float64{1, 1, 1, 1, 1e-2, 1e-2, 1e-4}
)

// motion, observation and noise matrices are shared by every filter and
// never written after init.
var (
	motionMat      = newMotionMat()
	observationMat = newObservationMat()
	processCov     = diagSym(processNoise[:])
	measurementCov = diagSym(measurementNoise[:])
)

// kalmanFilter estimates one box's position, size and velocity.
type kalmanFilter struct {
	x *mat.VecDense
	p *mat.SymDense
}

func newKalmanFilter(box BoundingBox) *kalmanFilter {
	z := box.measurement()
	x := mat.NewVecDense(stateDim, []float64{z[0], z[1], z[2], z[3], 0, 0, 0})

	return &kalmanFilter{
		x: x,
		p: diagSym(initialCovariance[:]),
	}
}

func newMotionMat() *mat.Dense {
	f := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		f.Set(i, i, 1)
	}
	// cx += vx, cy += vy, s += vs
	f.Set(0, 4, 1)
	f.Set(1, 5, 1)
	f.Set(2, 6, 1)
	return f
}

func newObservationMat() *mat.Dense {
	h := mat.NewDense(measurementDim, stateDim, nil)
	for i := 0; i < measurementDim; i++ {
		h.Set(i, i, 1)
	}
	return h
}

func diagSym(values []float64) *mat.SymDense {
	m := mat.NewSymDense(len(values), nil)
	for i, v := range values {
		m.SetSym(i, i, v)
	}
	return m
}

// symmetrize returns (a + aᵀ)/2, removing the asymmetry that accumulates
// from floating point round-off.
func symmetrize(a mat.Matrix) *mat.SymDense {
	n, _ := a.Dims()
	s := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (a.At(i, j)+a.At(j, i))/2)
		}
	}
	return s
}

// predict advances the state one frame and returns the predicted box.
func (kf *kalmanFilter) predict() BoundingBox {
	// keep the area from going negative
	if kf.x.AtVec(2)+kf.x.AtVec(6) <= 0 {
		kf.x.SetVec(6, 0)
	}

	var x mat.VecDense
	x.MulVec(motionMat, kf.x)
	kf.x = &x

	var fp, fpf mat.Dense
	fp.Mul(motionMat, kf.p)
	fpf.Mul(&fp, motionMat.T())
	fpf.Add(&fpf, processCov)
	kf.p = symmetrize(&fpf)

	return kf.box()
}

// correct folds an observed box into the state estimate.
func (kf *kalmanFilter) correct(observed BoundingBox) error {
	z := observed.measurement()
	zVec := mat.NewVecDense(measurementDim, z[:])

	// innovation y = z - Hx
	var hx, y mat.VecDense
	hx.MulVec(observationMat, kf.x)
	y.SubVec(zVec, &hx)

	// innovation covariance S = HPHᵀ + R
	var pht, hpht mat.Dense
	pht.Mul(kf.p, observationMat.T())
	hpht.Mul(observationMat, &pht)
	hpht.Add(&hpht, measurementCov)

	var chol mat.Cholesky
	if ok := chol.Factorize(symmetrize(&hpht)); !ok {
		return ErrSingularInnovation
	}

	// K = PHᵀS⁻¹, solved as S·Kᵀ = (PHᵀ)ᵀ
	var kt mat.Dense
	if err := chol.SolveTo(&kt, pht.T()); err != nil {
		return fmt.Errorf("failed to compute kalman gain: %w", err)
	}
	var gain mat.Dense
	gain.CloneFrom(kt.T())

	var dx, x mat.VecDense
	dx.MulVec(&gain, &y)
	x.AddVec(kf.x, &dx)

	// Joseph form: P = (I-KH)P(I-KH)ᵀ + KRKᵀ
	var kh mat.Dense
	kh.Mul(&gain, observationMat)
	ikh := mat.NewDense(stateDim, stateDim, nil)
	for i := 0; i < stateDim; i++ {
		ikh.Set(i, i, 1)
	}
	ikh.Sub(ikh, &kh)

	var a, p, kr, krk mat.Dense
	a.Mul(ikh, kf.p)
	p.Mul(&a, ikh.T())
	kr.Mul(&gain, measurementCov)
	krk.Mul(&kr, gain.T())
	p.Add(&p, &krk)

	kf.x = &x
	kf.p = symmetrize(&p)
	return nil
}

// box returns the current state estimate as a bounding box.
func (kf *kalmanFilter) box() BoundingBox {
	return boxFromMeasurement(kf.x.AtVec(0), kf.x.AtVec(1), kf.x.AtVec(2), kf.x.AtVec(3))
}

// finite reports whether the state holds only real numbers.
func (kf *kalmanFilter) finite() bool {
	for i := 0; i < stateDim; i++ {
		v := kf.x.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

func (kf *kalmanFilter) clone() *kalmanFilter {
	p := mat.NewSymDense(stateDim, nil)
	p.CopySym(kf.p)
	return &kalmanFilter{
		x: mat.VecDenseCopyOf(kf.x),
		p: p,
	}
}
