// Package policy implements action selection for policies over hybrid
// action spaces containing both continuous and discrete actions.
package policy

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gopolicy/actionspec"
	"github.com/samuelfneumann/gopolicy/distribution"
)

// ActionModel maps state encodings to actions in a hybrid action
// space. It composes an optional Gaussian distribution factory over
// the continuous action dimensions with an optional multi-categorical
// distribution factory over the discrete action branches, and presents
// them behind a single interface that samples flattened actions,
// scores supplied flattened actions, and exports deterministic actions
// for inference.
//
// Flattened actions have one column per continuous dimension followed
// by one column per discrete branch, with the batch dimension along
// axis 0. Log probabilities and entropies are summed across all
// action components per batch row, reflecting that components are
// conditionally independent given the encoding.
type ActionModel struct {
	spec      actionspec.ActionSpec
	splitPlan []int

	continuous *distribution.Gaussian         // nil without continuous actions
	discrete   *distribution.MultiCategorical // nil without discrete branches

	encodingSize int
}

// ActionOutput holds the deterministic action representations produced
// by Export for inference. Continuous is nil when the action space has
// no continuous dimensions, and Discrete is nil when it has no
// discrete branches. Combined always holds the concatenation of the
// present blocks, in flattened action layout.
type ActionOutput struct {
	Continuous *tensor.Dense
	Discrete   *tensor.Dense
	Combined   *tensor.Dense
}

// New returns a new ActionModel over the argument action space,
// parameterized by state encodings of width encodingSize. The
// conditionalSigma and tanhSquash flags configure the continuous
// distribution factory (see distribution.NewGaussian) and are ignored
// when the action space has no continuous dimensions. The init
// parameter determines the weight initialization scheme of all
// learnable layers, and seed determines the seed of the action
// samplers.
func New(encodingSize int, spec actionspec.ActionSpec, conditionalSigma,
	tanhSquash bool, init G.InitWFn, seed uint64) (*ActionModel, error) {
	if encodingSize <= 0 {
		return nil, fmt.Errorf("new: encoding size must be positive "+
			"\n\twant(> 0) \n\thave(%v)", encodingSize)
	}
	if spec.TotalWidth() == 0 {
		return nil, fmt.Errorf("new: action space must have at least one " +
			"continuous dimension or discrete branch")
	}

	model := &ActionModel{
		spec:         spec,
		splitPlan:    spec.SplitPlan(),
		encodingSize: encodingSize,
	}

	var err error
	if spec.ContinuousSize > 0 {
		model.continuous, err = distribution.NewGaussian(encodingSize,
			spec.ContinuousSize, conditionalSigma, tanhSquash, init, seed)
		if err != nil {
			return nil, fmt.Errorf("new: could not create continuous "+
				"distribution: %v", err)
		}
	}
	if spec.NumDiscrete() > 0 {
		model.discrete, err = distribution.NewMultiCategorical(encodingSize,
			spec.DiscreteBranches, init, seed)
		if err != nil {
			return nil, fmt.Errorf("new: could not create discrete "+
				"distribution: %v", err)
		}
	}

	return model, nil
}

// instances returns the distribution instances for the argument
// encoding and mask in fixed order: the continuous instance first when
// present, then one instance per discrete branch in branch order.
func (a *ActionModel) instances(encoding,
	mask *tensor.Dense) ([]distribution.Instance, error) {
	instances := make([]distribution.Instance, 0, 1+a.spec.NumDiscrete())

	if a.continuous != nil {
		continuous, err := a.continuous.Instances(encoding, mask)
		if err != nil {
			return nil, err
		}
		instances = append(instances, continuous...)
	}
	if a.discrete != nil {
		discrete, err := a.discrete.Instances(encoding, mask)
		if err != nil {
			return nil, err
		}
		instances = append(instances, discrete...)
	}

	return instances, nil
}

// SampleAndScore draws one flattened action per batch row of the
// argument encoding, together with the total log probability of the
// drawn action and the total entropy of the action distributions.
// Draws are independent across action components. The mask flags valid
// discrete choices (see Evaluate) and may be nil.
//
// The returned action has shape (batch, total action width); the log
// probability and entropy have one value per batch row.
func (a *ActionModel) SampleAndScore(encoding, mask *tensor.Dense) (
	action, logProb, entropy *tensor.Dense, err error) {
	instances, err := a.instances(encoding, mask)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sampleAndScore: %v", err)
	}

	batch := encoding.Shape()[0]
	logProbs := make([]float64, batch)
	entropies := make([]float64, batch)
	blocks := make([]*tensor.Dense, 0, len(instances))

	for _, instance := range instances {
		sample, err := instance.Sample()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sampleAndScore: could not "+
				"sample action: %v", err)
		}

		structured, err := instance.Structure(sample)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sampleAndScore: could not "+
				"structure action: %v", err)
		}
		blocks = append(blocks, structured)

		instanceLogProb, err := instance.LogProb(sample)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("sampleAndScore: could not "+
				"compute log probability: %v", err)
		}
		accumulate(logProbs, instanceLogProb)
		accumulate(entropies, instance.Entropy())
	}

	action = concatColumns(batch, blocks)
	logProb = tensor.NewDense(tensor.Float64, []int{batch},
		tensor.WithBacking(logProbs))
	entropy = tensor.NewDense(tensor.Float64, []int{batch},
		tensor.WithBacking(entropies))

	return action, logProb, entropy, nil
}

// Evaluate returns the total log probability and total entropy of the
// argument flattened actions for the argument encoding and mask. The
// actions must have shape (batch, total action width): the continuous
// block at its native width followed by one choice-index column per
// discrete branch. Evaluate is deterministic: scoring the same actions
// against the same encoding and mask yields identical results.
func (a *ActionModel) Evaluate(encoding, mask, actions *tensor.Dense) (
	logProb, entropy *tensor.Dense, err error) {
	batch := encoding.Shape()[0]
	actionShape := actions.Shape()
	if len(actionShape) != 2 || actionShape[0] != batch ||
		actionShape[1] != a.spec.TotalWidth() {
		return nil, nil, fmt.Errorf("evaluate: invalid actions shape "+
			"\n\twant(%v x %v) \n\thave(%v)", batch, a.spec.TotalWidth(),
			actionShape)
	}

	instances, err := a.instances(encoding, mask)
	if err != nil {
		return nil, nil, fmt.Errorf("evaluate: %v", err)
	}

	split := a.splitActions(actions, batch)
	if len(split) != len(instances) {
		panic(fmt.Sprintf("evaluate: instance count does not match split "+
			"plan \n\twant(%v) \n\thave(%v)", len(split), len(instances)))
	}

	logProbs := make([]float64, batch)
	entropies := make([]float64, batch)
	for i, instance := range instances {
		instanceLogProb, err := instance.LogProb(split[i])
		if err != nil {
			return nil, nil, fmt.Errorf("evaluate: could not compute log "+
				"probability: %v", err)
		}
		accumulate(logProbs, instanceLogProb)
		accumulate(entropies, instance.Entropy())
	}

	logProb = tensor.NewDense(tensor.Float64, []int{batch},
		tensor.WithBacking(logProbs))
	entropy = tensor.NewDense(tensor.Float64, []int{batch},
		tensor.WithBacking(entropies))

	return logProb, entropy, nil
}

// Export returns the deterministic action representation of each
// present action family for the argument encoding and mask, for use
// at inference time where no sampling randomness is wanted: the
// continuous block holds the Gaussian means and each discrete column
// holds the branch's most probable choice.
func (a *ActionModel) Export(encoding, mask *tensor.Dense) (*ActionOutput,
	error) {
	instances, err := a.instances(encoding, mask)
	if err != nil {
		return nil, fmt.Errorf("export: %v", err)
	}

	batch := encoding.Shape()[0]
	output := &ActionOutput{}
	blocks := make([]*tensor.Dense, 0, len(instances))

	next := 0
	if a.continuous != nil {
		output.Continuous = instances[next].Exported()
		blocks = append(blocks, output.Continuous)
		next++
	}
	if a.discrete != nil {
		discreteBlocks := make([]*tensor.Dense, 0, a.spec.NumDiscrete())
		for ; next < len(instances); next++ {
			exported := instances[next].Exported()
			discreteBlocks = append(discreteBlocks, exported)
			blocks = append(blocks, exported)
		}
		output.Discrete = concatColumns(batch, discreteBlocks)
	}
	output.Combined = concatColumns(batch, blocks)

	return output, nil
}

// ActionSpec returns the action space specification of the ActionModel
func (a *ActionModel) ActionSpec() actionspec.ActionSpec {
	return a.spec
}

// SplitPlan returns the sizes into which flattened actions are split
// along their last axis for scoring.
func (a *ActionModel) SplitPlan() []int {
	plan := make([]int, len(a.splitPlan))
	copy(plan, a.splitPlan)
	return plan
}

// EncodingSize returns the width of the state encodings that
// parameterize the ActionModel.
func (a *ActionModel) EncodingSize() int {
	return a.encodingSize
}

// Learnables returns the learnable nodes of all distribution factories
// of the ActionModel for use by external optimizers.
func (a *ActionModel) Learnables() G.Nodes {
	learnables := make(G.Nodes, 0)
	if a.continuous != nil {
		learnables = append(learnables, a.continuous.Learnables()...)
	}
	if a.discrete != nil {
		learnables = append(learnables, a.discrete.Learnables()...)
	}
	return learnables
}

// splitActions slices the argument flattened actions into per-instance
// blocks following the split plan: the continuous block at its native
// width (if any), then one column per discrete branch.
func (a *ActionModel) splitActions(actions *tensor.Dense,
	batch int) []*tensor.Dense {
	data := actions.Data().([]float64)
	width := a.spec.TotalWidth()
	blocks := make([]*tensor.Dense, 0, len(a.splitPlan))

	col := 0
	if size := a.spec.ContinuousSize; size > 0 {
		block := make([]float64, batch*size)
		for i := 0; i < batch; i++ {
			copy(block[i*size:(i+1)*size], data[i*width:i*width+size])
		}
		blocks = append(blocks, tensor.NewDense(tensor.Float64,
			[]int{batch, size}, tensor.WithBacking(block)))
		col = size
	}
	for range a.spec.DiscreteBranches {
		column := make([]float64, batch)
		for i := 0; i < batch; i++ {
			column[i] = data[i*width+col]
		}
		blocks = append(blocks, tensor.NewDense(tensor.Float64,
			[]int{batch}, tensor.WithBacking(column)))
		col++
	}

	return blocks
}

// accumulate adds the values of the argument tensor to total
// elementwise.
func accumulate(total []float64, t *tensor.Dense) {
	data := t.Data().([]float64)
	for i := range total {
		total[i] += data[i]
	}
}

// concatColumns concatenates the argument blocks along the column
// axis. Each block must have batch rows.
func concatColumns(batch int, blocks []*tensor.Dense) *tensor.Dense {
	width := 0
	for _, block := range blocks {
		width += block.Shape()[1]
	}

	data := make([]float64, batch*width)
	col := 0
	for _, block := range blocks {
		blockWidth := block.Shape()[1]
		blockData := block.Data().([]float64)
		for i := 0; i < batch; i++ {
			copy(data[i*width+col:i*width+col+blockWidth],
				blockData[i*blockWidth:(i+1)*blockWidth])
		}
		col += blockWidth
	}

	return tensor.NewDense(tensor.Float64, []int{batch, width},
		tensor.WithBacking(data))
}
