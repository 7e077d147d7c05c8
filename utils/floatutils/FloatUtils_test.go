package floatutils

import (
	"math"
	"testing"
)

// TestMaxSlice checks the maximum value and its indices, and that the
// first index of a tie is always the lowest.
func TestMaxSlice(t *testing.T) {
	tests := []struct {
		values  []float64
		max     float64
		indices []int
	}{
		{[]float64{1, 3, 2}, 3, []int{1}},
		{[]float64{5, 3, 5}, 5, []int{0, 2}},
		{[]float64{2, 2, 2}, 2, []int{0, 1, 2}},
		{[]float64{-1}, -1, []int{0}},
	}

	for _, test := range tests {
		max, indices := MaxSlice(test.values)
		if max != test.max {
			t.Errorf("unexpected maximum \n\twant(%v) \n\thave(%v)",
				test.max, max)
		}
		if len(indices) != len(test.indices) {
			t.Errorf("unexpected number of maximal indices \n\twant(%v) "+
				"\n\thave(%v)", len(test.indices), len(indices))
			continue
		}
		for i := range indices {
			if indices[i] != test.indices[i] {
				t.Errorf("unexpected maximal index %v \n\twant(%v) "+
					"\n\thave(%v)", i, test.indices[i], indices[i])
			}
		}
		if indices[0] != test.indices[0] {
			t.Errorf("tie does not select the lowest index \n\twant(%v) "+
				"\n\thave(%v)", test.indices[0], indices[0])
		}
	}
}

// TestAtanh ensures that the inverse hyperbolic tangent stays finite
// at the boundary of its domain.
func TestAtanh(t *testing.T) {
	const epsilon = 1e-7

	for _, value := range []float64{-1.0, 1.0, 0.0, 0.5, -0.999999} {
		result := Atanh(value, epsilon)
		if math.IsNaN(result) || math.IsInf(result, 0) {
			t.Errorf("atanh is not finite at %v: %v", value, result)
		}
	}

	if Atanh(0.0, epsilon) != 0.0 {
		t.Errorf("unexpected atanh at zero \n\twant(%v) \n\thave(%v)",
			0.0, Atanh(0.0, epsilon))
	}
}

// TestClip checks clipping below, inside, and above the bounds
func TestClip(t *testing.T) {
	tests := []struct {
		value, min, max, expected float64
	}{
		{-2.0, -1.0, 1.0, -1.0},
		{0.5, -1.0, 1.0, 0.5},
		{3.0, -1.0, 1.0, 1.0},
	}

	for _, test := range tests {
		clipped := Clip(test.value, test.min, test.max)
		if clipped != test.expected {
			t.Errorf("unexpected clipped value \n\twant(%v) \n\thave(%v)",
				test.expected, clipped)
		}
	}
}
