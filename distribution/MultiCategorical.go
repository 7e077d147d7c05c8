package distribution

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gopolicy/network"
	"github.com/samuelfneumann/gopolicy/utils/floatutils"
	"github.com/samuelfneumann/gopolicy/utils/op"
)

// MultiCategorical is a factory of categorical distribution instances
// over branched discrete actions, parameterized by a state encoding.
// Each branch is an independent discrete action dimension with a fixed
// number of choices, predicted from the encoding by its own linear
// layer.
//
// Branch probabilities are computed by a softmax over the branch's
// logits, multiplied by the branch's slice of the action mask, and
// renormalized. Choices that the mask flags invalid therefore receive
// exactly zero probability and are excluded from normalization.
type MultiCategorical struct {
	g  *G.ExprGraph
	vm G.VM

	branchLayers []*network.FCLayer

	input       *G.Node   // state encodings
	maskInputs  []*G.Node // valid choices, one node per branch
	oneHotInput []*G.Node // one-hot actions to compute the log prob of

	probsVals []G.Value // masked branch probabilities

	logProbNode *G.Node // summed log prob of the one-hot input actions
	logProbVal  G.Value

	features     int
	branches     []int
	totalChoices int
	batch        int

	init   G.InitWFn
	source rand.Source
	seed   uint64
}

// NewMultiCategorical returns a new MultiCategorical distribution
// factory with one categorical branch per entry of branches, where
// branches[i] is the number of choices of branch i. Encodings of
// width features parameterize the branch logits. The init parameter
// determines the weight initialization scheme of the branch linear
// layers, and seed determines the seed of the action sampler.
func NewMultiCategorical(features int, branches []int, init G.InitWFn,
	seed uint64) (*MultiCategorical, error) {
	if features <= 0 {
		return nil, fmt.Errorf("newMultiCategorical: encoding size must "+
			"be positive \n\twant(> 0) \n\thave(%v)", features)
	}
	if len(branches) == 0 {
		return nil, fmt.Errorf("newMultiCategorical: at least one branch " +
			"is required")
	}
	totalChoices := 0
	for i, size := range branches {
		if size <= 0 {
			return nil, fmt.Errorf("newMultiCategorical: branch %v must "+
				"have a positive number of choices \n\twant(> 0) "+
				"\n\thave(%v)", i, size)
		}
		totalChoices += size
	}

	sizes := make([]int, len(branches))
	copy(sizes, branches)

	dist := &MultiCategorical{
		features:     features,
		branches:     sizes,
		totalChoices: totalChoices,
		init:         init,
		source:       rand.NewSource(seed),
		seed:         seed,
	}

	if err := dist.build(1); err != nil {
		return nil, fmt.Errorf("newMultiCategorical: could not construct "+
			"computational graph: %v", err)
	}

	return dist, nil
}

// build constructs the factory's computational graph for the argument
// batch size. If the factory already has learnable layers, their
// weights are retained by cloning them to the new graph.
func (m *MultiCategorical) build(batch int) error {
	g := G.NewGraph()

	m.input = G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, m.features),
		G.WithName("input"),
		G.WithInit(G.Zeroes()),
	)

	firstBuild := m.branchLayers == nil
	if firstBuild {
		m.branchLayers = make([]*network.FCLayer, len(m.branches))
	}

	m.maskInputs = make([]*G.Node, len(m.branches))
	m.oneHotInput = make([]*G.Node, len(m.branches))
	m.probsVals = make([]G.Value, len(m.branches))

	var logProbSum *G.Node
	for b, size := range m.branches {
		if firstBuild {
			m.branchLayers[b] = network.NewFCLayer(g, m.features, size,
				true, nil, m.init, fmt.Sprintf("Branch%d", b))
		} else {
			m.branchLayers[b] = m.branchLayers[b].CloneTo(g)
		}

		m.maskInputs[b] = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(batch, size),
			G.WithName(fmt.Sprintf("Branch%dMask", b)),
			G.WithInit(G.Ones()),
		)
		m.oneHotInput[b] = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(batch, size),
			G.WithName(fmt.Sprintf("Branch%dInputActions", b)),
			G.WithInit(G.Zeroes()),
		)

		logits, err := m.branchLayers[b].Fwd(m.input)
		if err != nil {
			return fmt.Errorf("build: could not compute logits for branch "+
				"%v: %v", b, err)
		}

		// Numerically stable softmax over the branch logits
		logSumExp := op.LogSumExp(logits, 1)
		logSoftmax := G.Must(G.BroadcastSub(logits, logSumExp, nil,
			[]byte{1}))
		softmax := G.Must(G.Exp(logSoftmax))

		// Mask out invalid choices and renormalize so that they get
		// exactly zero probability mass
		raw := G.Must(G.HadamardProd(softmax, m.maskInputs[b]))
		total := G.Must(G.Sum(raw, 1))
		probs := G.Must(G.BroadcastHadamardDiv(raw, total, nil, []byte{1}))
		G.Read(probs, &m.probsVals[b])

		// Log probability of the one-hot input actions under the
		// masked branch probabilities
		logProbs := G.Must(G.Log(G.Must(G.Add(probs,
			G.NewConstant(Epsilon)))))
		selected := G.Must(G.HadamardProd(m.oneHotInput[b], logProbs))
		branchLogProb := G.Must(G.Sum(selected, 1))
		if logProbSum == nil {
			logProbSum = branchLogProb
		} else {
			logProbSum = G.Must(G.Add(logProbSum, branchLogProb))
		}
	}
	m.logProbNode = logProbSum
	G.Read(m.logProbNode, &m.logProbVal)

	if m.vm != nil {
		m.vm.Close()
	}
	m.g = g
	m.vm = G.NewTapeMachine(g)
	m.batch = batch

	return nil
}

// validateMask checks the shape and content of the argument mask for
// the argument batch size, returning the mask's raw data. A nil mask
// is treated as all choices being valid.
func (m *MultiCategorical) validateMask(mask *tensor.Dense,
	batch int) ([]float64, error) {
	if mask == nil {
		data := make([]float64, batch*m.totalChoices)
		for i := range data {
			data[i] = 1.0
		}
		return data, nil
	}

	shape := mask.Shape()
	if len(shape) != 2 || shape[0] != batch || shape[1] != m.totalChoices {
		return nil, fmt.Errorf("validateMask: invalid mask shape "+
			"\n\twant(%v x %v) \n\thave(%v)", batch, m.totalChoices, shape)
	}

	data := mask.Data().([]float64)
	offset := 0
	for b, size := range m.branches {
		for i := 0; i < batch; i++ {
			row := data[i*m.totalChoices+offset : i*m.totalChoices+offset+
				size]
			if floats.Sum(row) <= 0 {
				return nil, fmt.Errorf("validateMask: mask leaves no valid "+
					"choices for branch %v in batch row %v", b, i)
			}
		}
		offset += size
	}

	return data, nil
}

// setMasks sets the per-branch mask input nodes from the flattened
// mask data of shape (batch, total choices).
func (m *MultiCategorical) setMasks(data []float64, batch int) error {
	offset := 0
	for b, size := range m.branches {
		branchMask := make([]float64, batch*size)
		for i := 0; i < batch; i++ {
			copy(branchMask[i*size:(i+1)*size],
				data[i*m.totalChoices+offset:i*m.totalChoices+offset+size])
		}

		maskTensor := tensor.NewDense(
			tensor.Float64,
			[]int{batch, size},
			tensor.WithBacking(branchMask),
		)
		if err := G.Let(m.maskInputs[b], maskTensor); err != nil {
			return fmt.Errorf("setMasks: could not set mask for branch "+
				"%v: %v", b, err)
		}
		offset += size
	}
	return nil
}

// forward runs one forward pass of the factory on the argument
// encoding and mask data, rebuilding the computational graph first if
// the batch size changed since the last call.
func (m *MultiCategorical) forward(encoding *tensor.Dense,
	maskData []float64) error {
	shape := encoding.Shape()

	if err := G.Let(m.input, encoding); err != nil {
		return fmt.Errorf("forward: could not set encoding: %v", err)
	}
	if err := m.setMasks(maskData, shape[0]); err != nil {
		return fmt.Errorf("forward: %v", err)
	}
	if err := m.vm.RunAll(); err != nil {
		return fmt.Errorf("forward: could not run VM: %v", err)
	}

	return nil
}

// rebatch rebuilds the computational graph if the argument encoding's
// batch size differs from the graph's, returning the batch size.
func (m *MultiCategorical) rebatch(encoding *tensor.Dense) (int, error) {
	shape := encoding.Shape()
	if len(shape) != 2 || shape[1] != m.features {
		return 0, fmt.Errorf("rebatch: invalid encoding shape "+
			"\n\twant(batch x %v) \n\thave(%v)", m.features, shape)
	}
	if shape[0] != m.batch {
		if err := m.build(shape[0]); err != nil {
			return 0, fmt.Errorf("rebatch: could not rebuild graph for "+
				"batch size %v: %v", shape[0], err)
		}
	}
	return shape[0], nil
}

// Instances runs the factory's forward pass on the argument encoding
// and returns one distribution instance per branch, in branch order.
// The mask holds one column per discrete choice across all branches
// (1.0 = valid, 0.0 = invalid) and may be nil, in which case every
// choice is valid. A mask that leaves some branch with no valid
// choices in some batch row is an error.
func (m *MultiCategorical) Instances(encoding, mask *tensor.Dense) (
	[]Instance, error) {
	batch, err := m.rebatch(encoding)
	if err != nil {
		return nil, fmt.Errorf("instances: %v", err)
	}

	maskData, err := m.validateMask(mask, batch)
	if err != nil {
		return nil, fmt.Errorf("instances: %v", err)
	}

	if err := m.forward(encoding, maskData); err != nil {
		return nil, fmt.Errorf("instances: %v", err)
	}

	instances := make([]Instance, len(m.branches))
	for b, size := range m.branches {
		instances[b] = &categoricalInstance{
			probs:  copyFloats(m.probsVals[b].Data().([]float64)),
			batch:  batch,
			size:   size,
			source: m.source,
		}
	}
	m.vm.Reset()

	return instances, nil
}

// LogProbOf sets the encoding, mask, and action inputs of the
// factory's computational graph and runs the forward pass so that the
// total log probability of the argument actions is available from
// LogProbVal(). The node holding the log probability is returned so
// that external VMs computing a loss over this factory's graph can
// use it.
//
// The actions argument holds one chosen index per branch, with shape
// (batch, number of branches).
func (m *MultiCategorical) LogProbOf(encoding, mask,
	actions *tensor.Dense) (*G.Node, error) {
	batch, err := m.rebatch(encoding)
	if err != nil {
		return nil, fmt.Errorf("logProbOf: %v", err)
	}

	maskData, err := m.validateMask(mask, batch)
	if err != nil {
		return nil, fmt.Errorf("logProbOf: %v", err)
	}

	actionShape := actions.Shape()
	if len(actionShape) != 2 || actionShape[0] != batch ||
		actionShape[1] != len(m.branches) {
		return nil, fmt.Errorf("logProbOf: invalid actions shape "+
			"\n\twant(%v x %v) \n\thave(%v)", batch, len(m.branches),
			actionShape)
	}

	// Set the one-hot action inputs per branch
	actionData := actions.Data().([]float64)
	numBranches := len(m.branches)
	for b, size := range m.branches {
		oneHot := make([]float64, batch*size)
		for i := 0; i < batch; i++ {
			index := int(actionData[i*numBranches+b])
			if index < 0 || index >= size {
				return nil, fmt.Errorf("logProbOf: invalid action %v for "+
					"branch %v with %v choices", index, b, size)
			}
			oneHot[i*size+index] = 1.0
		}

		oneHotTensor := tensor.NewDense(
			tensor.Float64,
			[]int{batch, size},
			tensor.WithBacking(oneHot),
		)
		if err := G.Let(m.oneHotInput[b], oneHotTensor); err != nil {
			return nil, fmt.Errorf("logProbOf: could not set actions for "+
				"branch %v: %v", b, err)
		}
	}

	if err := m.forward(encoding, maskData); err != nil {
		return nil, fmt.Errorf("logProbOf: %v", err)
	}
	m.vm.Reset()

	return m.logProbNode, nil
}

// LogProbNode returns the node that holds the total log probability
// of the one-hot input actions when the computational graph is run.
func (m *MultiCategorical) LogProbNode() *G.Node {
	return m.logProbNode
}

// LogProbVal returns the value of the node returned by LogProbNode()
func (m *MultiCategorical) LogProbVal() G.Value {
	return m.logProbVal
}

// Graph returns the computational graph of the factory
func (m *MultiCategorical) Graph() *G.ExprGraph {
	return m.g
}

// Learnables returns the learnable nodes of the factory
func (m *MultiCategorical) Learnables() G.Nodes {
	learnables := make(G.Nodes, 0, 2*len(m.branchLayers))
	for _, layer := range m.branchLayers {
		learnables = append(learnables, layer.Learnables()...)
	}
	return learnables
}

// categoricalInstance is a categorical distribution over the choices
// of a single discrete action branch for a single batch of state
// encodings. Probabilities are masked and renormalized, so invalid
// choices hold exactly zero mass.
type categoricalInstance struct {
	probs []float64 // row major (batch x size)

	batch int
	size  int

	source rand.Source
}

// Sample draws one choice index per batch row. Choices with zero
// probability are never drawn.
func (c *categoricalInstance) Sample() (*tensor.Dense, error) {
	data := make([]float64, c.batch)
	for i := 0; i < c.batch; i++ {
		weights := c.probs[i*c.size : (i+1)*c.size]
		categorical := distuv.NewCategorical(weights, c.source)
		data[i] = categorical.Rand()
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{c.batch},
		tensor.WithBacking(data),
	), nil
}

// LogProb returns the log probability of the argument choice indices,
// one value per batch row. A choice with zero probability mass
// contributes log(Epsilon) rather than negative infinity.
func (c *categoricalInstance) LogProb(value *tensor.Dense) (*tensor.Dense,
	error) {
	shape := value.Shape()
	if len(shape) != 1 || shape[0] != c.batch {
		return nil, fmt.Errorf("logProb: invalid actions shape "+
			"\n\twant(%v) \n\thave(%v)", c.batch, shape)
	}

	values := value.Data().([]float64)
	logProbs := make([]float64, c.batch)
	for i := 0; i < c.batch; i++ {
		index := int(values[i])
		if index < 0 || index >= c.size {
			return nil, fmt.Errorf("logProb: invalid action %v for branch "+
				"with %v choices", index, c.size)
		}
		logProbs[i] = math.Log(c.probs[i*c.size+index] + Epsilon)
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{c.batch},
		tensor.WithBacking(logProbs),
	), nil
}

// Entropy returns the entropy of the masked branch probabilities for
// each batch row.
func (c *categoricalInstance) Entropy() *tensor.Dense {
	entropies := make([]float64, c.batch)
	for i := 0; i < c.batch; i++ {
		entropy := 0.0
		for j := 0; j < c.size; j++ {
			p := c.probs[i*c.size+j]
			entropy -= p * math.Log(p+Epsilon)
		}
		entropies[i] = entropy
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{c.batch},
		tensor.WithBacking(entropies),
	)
}

// Exported returns the most probable choice index of each batch row
// as a single column. Ties select the lowest index.
func (c *categoricalInstance) Exported() *tensor.Dense {
	data := make([]float64, c.batch)
	for i := 0; i < c.batch; i++ {
		row := c.probs[i*c.size : (i+1)*c.size]
		_, indices := floatutils.MaxSlice(row)
		data[i] = float64(indices[0])
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{c.batch, 1},
		tensor.WithBacking(data),
	)
}

// Structure reshapes the argument sample of choice indices into the
// single column the branch occupies in a flattened action vector.
func (c *categoricalInstance) Structure(sample *tensor.Dense) (
	*tensor.Dense, error) {
	shape := sample.Shape()
	if len(shape) != 1 || shape[0] != c.batch {
		return nil, fmt.Errorf("structure: invalid sample shape "+
			"\n\twant(%v) \n\thave(%v)", c.batch, shape)
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{c.batch, 1},
		tensor.WithBacking(copyFloats(sample.Data().([]float64))),
	), nil
}
