package geometry

// OverlapRatio returns the intersection-over-union of a and b.
//
// Boxes that only touch along an edge or at a corner do not overlap. A pair
// whose union has no area (degenerate input) yields 0 instead of dividing by
// zero, so noisy detector output never turns into an error here.
func OverlapRatio(a, b Box) float64 {
	ix1 := max(a.X1, b.X1)
	iy1 := max(a.Y1, b.Y1)
	ix2 := min(a.X2, b.X2)
	iy2 := min(a.Y2, b.Y2)

	if ix2 <= ix1 || iy2 <= iy1 {
		return 0.0
	}

	inter := (ix2 - ix1) * (iy2 - iy1)
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0.0
	}

	ratio := inter / union
	// Inverted boxes can produce a negative area term and push the ratio out
	// of range; clamp to the documented interval.
	if ratio < 0 {
		return 0.0
	}
	if ratio > 1 {
		return 1.0
	}
	return ratio
}

// OverlapMatrix holds OverlapRatio for every (row, col) pair of two box sets.
// Rows index the first set, columns the second.
type OverlapMatrix [][]float64

// NewOverlapMatrix computes the pairwise overlap of as against bs.
// It returns a nil matrix when either set is empty.
func NewOverlapMatrix(as, bs []Box) OverlapMatrix {
	if len(as) == 0 || len(bs) == 0 {
		return nil
	}

	m := make(OverlapMatrix, len(as))
	for i, a := range as {
		row := make([]float64, len(bs))
		for j, b := range bs {
			row[j] = OverlapRatio(a, b)
		}
		m[i] = row
	}
	return m
}

// Rows returns the number of rows.
func (m OverlapMatrix) Rows() int {
	return len(m)
}

// Cols returns the number of columns, 0 for an empty matrix.
func (m OverlapMatrix) Cols() int {
	if len(m) == 0 {
		return 0
	}
	return len(m[0])
}

// RowMax returns the largest value in row i. A missing row reads as 0 so
// callers can treat "no zones" as zero overlap.
func (m OverlapMatrix) RowMax(i int) float64 {
	if i < 0 || i >= len(m) {
		return 0.0
	}
	best := 0.0
	for _, v := range m[i] {
		if v > best {
			best = v
		}
	}
	return best
}
