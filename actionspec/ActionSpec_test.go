package actionspec

import "testing"

// TestSplitPlan ensures that the split plan places the continuous
// block first at its native width, followed by one single-width entry
// per discrete branch, and that the plan sums to the total action
// width.
func TestSplitPlan(t *testing.T) {
	tests := []struct {
		continuousSize int
		branches       []int
		plan           []int
	}{
		{2, []int{3, 4}, []int{2, 1, 1}},
		{0, []int{2, 3}, []int{1, 1}},
		{3, nil, []int{3}},
		{1, []int{5}, []int{1, 1}},
	}

	for _, test := range tests {
		spec, err := New(test.continuousSize, test.branches)
		if err != nil {
			t.Errorf("could not create action spec: %v", err)
			continue
		}

		plan := spec.SplitPlan()
		if len(plan) != len(test.plan) {
			t.Errorf("unexpected split plan length \n\twant(%v) "+
				"\n\thave(%v)", len(test.plan), len(plan))
			continue
		}

		total := 0
		for i := range plan {
			if plan[i] != test.plan[i] {
				t.Errorf("unexpected split plan entry %v \n\twant(%v) "+
					"\n\thave(%v)", i, test.plan[i], plan[i])
			}
			total += plan[i]
		}
		if total != spec.TotalWidth() {
			t.Errorf("split plan does not sum to total width \n\twant(%v) "+
				"\n\thave(%v)", spec.TotalWidth(), total)
		}
	}
}

// TestWidths checks the derived width accessors of the ActionSpec
func TestWidths(t *testing.T) {
	spec, err := New(2, []int{3, 4})
	if err != nil {
		t.Fatalf("could not create action spec: %v", err)
	}

	if spec.NumDiscrete() != 2 {
		t.Errorf("unexpected number of discrete branches \n\twant(%v) "+
			"\n\thave(%v)", 2, spec.NumDiscrete())
	}
	if spec.TotalWidth() != 4 {
		t.Errorf("unexpected total width \n\twant(%v) \n\thave(%v)", 4,
			spec.TotalWidth())
	}
	if spec.TotalChoices() != 7 {
		t.Errorf("unexpected total choices \n\twant(%v) \n\thave(%v)", 7,
			spec.TotalChoices())
	}
}

// TestNewInvalid ensures that invalid action space descriptions are
// rejected at construction.
func TestNewInvalid(t *testing.T) {
	if _, err := New(0, nil); err == nil {
		t.Error("expected an error for an empty action space")
	}
	if _, err := New(-1, []int{2}); err == nil {
		t.Error("expected an error for a negative continuous size")
	}
	if _, err := New(2, []int{3, 0}); err == nil {
		t.Error("expected an error for a branch with no choices")
	}
}
