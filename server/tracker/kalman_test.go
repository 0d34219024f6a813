package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// requireSymmetricPSD checks the covariance stays a valid covariance.
func requireSymmetricPSD(t *testing.T, p *mat.SymDense) {
	t.Helper()

	var eig mat.EigenSym
	require.True(t, eig.Factorize(p, false), "eigen decomposition failed")
	for i, v := range eig.Values(nil) {
		require.GreaterOrEqual(t, v, -1e-9, "eigenvalue %d is negative", i)
	}
}

func TestKalmanFilterInit(t *testing.T) {
	box := NewBoundingBox(10, 10, 50, 50)
	kf := newKalmanFilter(box)

	assert.Equal(t, box, kf.box())
	for i := 4; i < stateDim; i++ {
		assert.Zero(t, kf.x.AtVec(i), "velocity %d should start at zero", i)
	}
	assert.Equal(t, 1e4, kf.p.At(4, 4))
	requireSymmetricPSD(t, kf.p)
}

func TestKalmanFilterPredictStationary(t *testing.T) {
	box := NewBoundingBox(10, 10, 50, 50)
	kf := newKalmanFilter(box)

	before := kf.p.At(0, 0)
	predicted := kf.predict()

	assert.InDelta(t, box.XMin, predicted.XMin, 1e-9)
	assert.InDelta(t, box.YMax, predicted.YMax, 1e-9)
	assert.Greater(t, kf.p.At(0, 0), before, "prediction must grow uncertainty")
	requireSymmetricPSD(t, kf.p)
}

func TestKalmanFilterCorrectPullsTowardObservation(t *testing.T) {
	kf := newKalmanFilter(NewBoundingBox(10, 10, 50, 50))
	kf.predict()

	before := kf.p.At(0, 0)
	require.NoError(t, kf.correct(NewBoundingBox(20, 10, 60, 50)))

	cx, _ := kf.box().Center()
	assert.Greater(t, cx, 30.0)
	assert.Less(t, cx, 40.0)
	assert.Less(t, kf.p.At(0, 0), before, "correction must shrink uncertainty")
	requireSymmetricPSD(t, kf.p)
}

func TestKalmanFilterTracksConstantVelocity(t *testing.T) {
	const step = 5.0
	box := func(i int) BoundingBox {
		x := float64(i) * step
		return NewBoundingBox(100+x, 50, 140+x, 80)
	}

	kf := newKalmanFilter(box(0))
	for i := 1; i <= 30; i++ {
		kf.predict()
		require.NoError(t, kf.correct(box(i)))
		requireSymmetricPSD(t, kf.p)
	}

	assert.InDelta(t, step, kf.x.AtVec(4), 0.2, "x velocity")
	assert.InDelta(t, 0, kf.x.AtVec(5), 0.2, "y velocity")

	next := kf.predict()
	want := box(31)
	gotCX, gotCY := next.Center()
	wantCX, wantCY := want.Center()
	assert.InDelta(t, wantCX, gotCX, 1.0)
	assert.InDelta(t, wantCY, gotCY, 1.0)
}

func TestKalmanFilterClampsShrinkingScale(t *testing.T) {
	kf := newKalmanFilter(NewBoundingBox(0, 0, 10, 10))
	kf.x.SetVec(6, -500)

	kf.predict()

	assert.Zero(t, kf.x.AtVec(6))
	assert.Greater(t, kf.x.AtVec(2), 0.0)
}

func TestKalmanFilterCloneIsIndependent(t *testing.T) {
	kf := newKalmanFilter(NewBoundingBox(0, 0, 10, 10))
	c := kf.clone()

	kf.predict()
	require.NoError(t, kf.correct(NewBoundingBox(5, 5, 15, 15)))

	assert.Equal(t, NewBoundingBox(0, 0, 10, 10), c.box())
	assert.Equal(t, 10.0, c.p.At(0, 0))
}
