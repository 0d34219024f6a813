package tracker

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// solveAssignment returns the minimum-cost assignment for an n×m cost
// matrix: rows[i] is the column assigned to row i, or -1 when row i is left
// over because m < n.
//
// It is the shortest augmenting path method with row/column potentials
// (Kuhn-Munkres in the Jonker-Volgenant formulation) on a zero-padded
// square matrix, O(k³) for k = max(n, m). Rows are inserted in ascending
// order and the lowest column wins equal reduced costs, so ties always
// resolve the same way.
func solveAssignment(cost mat.Matrix) ([]int, error) {
	n, m := cost.Dims()
	if n == 0 || m == 0 {
		rows := make([]int, n)
		for i := range rows {
			rows[i] = -1
		}
		return rows, nil
	}

	dim := max(n, m)
	c := make([][]float64, dim)
	for i := range c {
		c[i] = make([]float64, dim)
		if i >= n {
			continue
		}
		for j := 0; j < m; j++ {
			v := cost.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: non-finite cost %v at (%d, %d)", ErrAssignmentFailed, v, i, j)
			}
			c[i][j] = v
		}
	}

	// 1-indexed; column 0 is the virtual source of each augmenting path.
	const inf = math.MaxFloat64 / 2
	u := make([]float64, dim+1)
	v := make([]float64, dim+1)
	p := make([]int, dim+1)
	way := make([]int, dim+1)
	minv := make([]float64, dim+1)
	used := make([]bool, dim+1)

	for i := 1; i <= dim; i++ {
		p[0] = i
		j0 := 0
		for j := range minv {
			minv[j] = inf
			used[j] = false
		}

		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1

			for j := 1; j <= dim; j++ {
				if used[j] {
					continue
				}
				cur := c[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				return nil, fmt.Errorf("%w: no augmenting path for row %d", ErrAssignmentFailed, i-1)
			}

			for j := 0; j <= dim; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}

			j0 = j1
			if p[j0] == 0 {
				break
			}
		}

		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	rows := make([]int, n)
	for i := range rows {
		rows[i] = -1
	}
	for j := 1; j <= dim; j++ {
		row, col := p[j]-1, j-1
		if row < 0 || row >= n || col >= m {
			continue
		}
		if rows[row] != -1 {
			return nil, fmt.Errorf("%w: row %d assigned twice", ErrAssignmentFailed, row)
		}
		rows[row] = col
	}
	return rows, nil
}
