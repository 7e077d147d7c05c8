// Package actionspec implements specifications of hybrid action spaces
// containing both continuous and discrete actions.
package actionspec

import (
	"fmt"
)

// ActionSpec describes the layout of a hybrid action space. A hybrid
// action space consists of some number of continuous action dimensions
// together with some number of discrete action branches. Each branch
// is a single discrete action dimension with a fixed, finite number of
// valid choices.
//
// A flattened action vector for an ActionSpec has one column per
// continuous dimension followed by one column per discrete branch,
// where a branch's column holds the index of its chosen action. The
// flattened action vector therefore always has
// ContinuousSize + NumDiscrete() columns, independent of how many
// choices each branch has.
type ActionSpec struct {
	// ContinuousSize is the number of continuous action dimensions
	ContinuousSize int

	// DiscreteBranches holds the number of valid choices for each
	// discrete action branch
	DiscreteBranches []int
}

// New returns a new ActionSpec. An error is returned if continuousSize
// is negative, if any branch has a non-positive number of choices, or
// if the action space is empty (no continuous dimensions and no
// discrete branches).
func New(continuousSize int, discreteBranches []int) (ActionSpec, error) {
	if continuousSize < 0 {
		return ActionSpec{}, fmt.Errorf("new: continuous size must be "+
			"non-negative \n\twant(>= 0) \n\thave(%v)", continuousSize)
	}
	for i, branch := range discreteBranches {
		if branch <= 0 {
			return ActionSpec{}, fmt.Errorf("new: discrete branch %v must "+
				"have a positive number of choices \n\twant(> 0) \n\thave(%v)",
				i, branch)
		}
	}
	if continuousSize == 0 && len(discreteBranches) == 0 {
		return ActionSpec{}, fmt.Errorf("new: action space must have at " +
			"least one continuous dimension or discrete branch")
	}

	branches := make([]int, len(discreteBranches))
	copy(branches, discreteBranches)

	return ActionSpec{
		ContinuousSize:   continuousSize,
		DiscreteBranches: branches,
	}, nil
}

// NumDiscrete returns the number of discrete action branches
func (a ActionSpec) NumDiscrete() int {
	return len(a.DiscreteBranches)
}

// TotalWidth returns the number of columns in a flattened action
// vector: one per continuous dimension and one per discrete branch.
func (a ActionSpec) TotalWidth() int {
	return a.ContinuousSize + a.NumDiscrete()
}

// TotalChoices returns the summed number of choices over all discrete
// branches. This is the width of the action mask for the ActionSpec.
func (a ActionSpec) TotalChoices() int {
	choices := 0
	for _, branch := range a.DiscreteBranches {
		choices += branch
	}
	return choices
}

// SplitPlan returns the sizes into which a flattened action vector
// is split along its last axis to recover per-component actions: the
// continuous block first (if any), followed by a single column per
// discrete branch. The returned sizes sum to TotalWidth().
func (a ActionSpec) SplitPlan() []int {
	plan := make([]int, 0, 1+a.NumDiscrete())
	if a.ContinuousSize > 0 {
		plan = append(plan, a.ContinuousSize)
	}
	for range a.DiscreteBranches {
		plan = append(plan, 1)
	}
	return plan
}
