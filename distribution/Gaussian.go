package distribution

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/samuelfneumann/gopolicy/network"
	"github.com/samuelfneumann/gopolicy/utils/floatutils"
	"github.com/samuelfneumann/gopolicy/utils/op"
)

// For stability, the standard deviation of the Gaussian distribution
// should be offset from 0.
const stdOffset float64 = 1e-3

// Bounds on the log standard deviation when it is predicted from the
// state encoding
const (
	logStdMin float64 = -20.0
	logStdMax float64 = 2.0
)

// Gaussian is a factory of multivariate diagonal Gaussian distribution
// instances over continuous actions, parameterized by a state
// encoding.
//
// The mean of the Gaussian is predicted from the encoding by a linear
// layer. The log standard deviation is either predicted from the
// encoding by a second linear layer (conditional sigma), in which case
// it is clipped to [logStdMin, logStdMax], or is a free learnable
// parameter shared across the batch.
//
// When tanh squashing is enabled, sampled actions are passed through
// tanh to constrain them to (-1, 1), and log probabilities receive the
// corresponding change-of-variables correction. The factory's graph
// then treats its actions input node as holding unsquashed actions.
//
// Actions are sampled similarly to the reparameterization trick: given
// a predicted mean μ and standard deviation σ, a draw ε from a
// standard normal gives the action μ + σ ⊙ ε.
type Gaussian struct {
	g  *G.ExprGraph
	vm G.VM

	meanLayer   *network.FCLayer
	logStdLayer *network.FCLayer // conditional sigma only
	logStdParam *G.Node          // free parameter otherwise

	input   *G.Node // state encodings
	actions *G.Node // unsquashed actions to compute the log PDF of

	logPdfNode *G.Node
	logPdfVal  G.Value
	meanVal    G.Value
	stdVal     G.Value

	features   int
	numActions int
	batch      int

	conditionalSigma bool
	tanhSquash       bool

	init   G.InitWFn
	normal distmv.Rander
	seed   uint64
}

// NewGaussian returns a new Gaussian distribution factory over
// numActions continuous action dimensions, parameterized by state
// encodings of width features. The init parameter determines the
// weight initialization scheme of the linear layers, and seed
// determines the seed of the action sampler.
func NewGaussian(features, numActions int, conditionalSigma,
	tanhSquash bool, init G.InitWFn, seed uint64) (*Gaussian, error) {
	if features <= 0 {
		return nil, fmt.Errorf("newGaussian: encoding size must be "+
			"positive \n\twant(> 0) \n\thave(%v)", features)
	}
	if numActions <= 0 {
		return nil, fmt.Errorf("newGaussian: number of actions must be "+
			"positive \n\twant(> 0) \n\thave(%v)", numActions)
	}

	// Create the standard normal for action sampling
	means := make([]float64, numActions)
	stds := mat.NewDiagDense(numActions, floatutils.Ones(numActions))
	source := rand.NewSource(seed)
	normal, ok := distmv.NewNormal(means, stds, source)
	if !ok {
		panic("newGaussian: could not create standard normal for action " +
			"sampling")
	}

	dist := &Gaussian{
		features:         features,
		numActions:       numActions,
		conditionalSigma: conditionalSigma,
		tanhSquash:       tanhSquash,
		init:             init,
		normal:           normal,
		seed:             seed,
	}

	if err := dist.build(1); err != nil {
		return nil, fmt.Errorf("newGaussian: could not construct "+
			"computational graph: %v", err)
	}

	return dist, nil
}

// build constructs the factory's computational graph for the argument
// batch size. If the factory already has learnable layers, their
// weights are retained by cloning them to the new graph.
func (d *Gaussian) build(batch int) error {
	g := G.NewGraph()

	d.input = G.NewMatrix(
		g,
		tensor.Float64,
		G.WithShape(batch, d.features),
		G.WithName("input"),
		G.WithInit(G.Zeroes()),
	)

	if d.meanLayer == nil {
		d.meanLayer = network.NewFCLayer(g, d.features, d.numActions, true,
			nil, d.init, "Mean")
	} else {
		d.meanLayer = d.meanLayer.CloneTo(g)
	}
	mean, err := d.meanLayer.Fwd(d.input)
	if err != nil {
		return fmt.Errorf("build: could not compute mean: %v", err)
	}

	// Calculate the log standard deviation, either conditioned on the
	// encoding or as a free parameter broadcast along the batch
	// dimension
	var logStd *G.Node
	if d.conditionalSigma {
		if d.logStdLayer == nil {
			d.logStdLayer = network.NewFCLayer(g, d.features, d.numActions,
				true, nil, d.init, "LogStd")
		} else {
			d.logStdLayer = d.logStdLayer.CloneTo(g)
		}
		logStd, err = d.logStdLayer.Fwd(d.input)
		if err != nil {
			return fmt.Errorf("build: could not compute log std: %v", err)
		}
		logStd, err = op.Clip(logStd, logStdMin, logStdMax)
		if err != nil {
			return fmt.Errorf("build: could not clip log std: %v", err)
		}
	} else {
		if d.logStdParam == nil {
			d.logStdParam = G.NewMatrix(
				g,
				tensor.Float64,
				G.WithShape(1, d.numActions),
				G.WithName("LogStd"),
				G.WithInit(G.Zeroes()),
			)
		} else {
			d.logStdParam = d.logStdParam.CloneTo(g)
		}
		zeros := G.Must(G.Mul(mean, G.NewConstant(0.0)))
		logStd = G.Must(G.BroadcastAdd(zeros, d.logStdParam, nil, []byte{0}))
	}

	// Calculate the standard deviation and offset it for numerical
	// stability
	offset := G.NewConstant(stdOffset)
	std := G.Must(G.Exp(logStd))
	std = G.Must(G.Add(offset, std))

	// Calculate the log PDF of input actions
	d.actions = G.NewMatrix(
		g,
		tensor.Float64,
		G.WithName("InputActions"),
		G.WithShape(batch, d.numActions),
		G.WithInit(G.Zeroes()),
	)
	logPdf := op.GaussianLogPdf(mean, std, d.actions)

	if d.tanhSquash {
		// Change-of-variables correction for the tanh transform:
		// log π(a|s) = log μ(u|s) - Σ log(1 - tanh(u)²), a = tanh(u)
		squashed := G.Must(G.Tanh(d.actions))
		squared := G.Must(G.Square(squashed))
		inner := G.Must(G.Sub(G.NewConstant(1.0), squared))
		inner = G.Must(G.Add(inner, G.NewConstant(Epsilon)))
		correction := G.Must(G.Log(inner))
		correction = G.Must(G.Sum(correction, 1))
		logPdf = G.Must(G.Sub(logPdf, correction))
	}
	d.logPdfNode = logPdf

	// Record values of Gorgonia nodes
	G.Read(d.logPdfNode, &d.logPdfVal)
	G.Read(mean, &d.meanVal)
	G.Read(std, &d.stdVal)

	if d.vm != nil {
		d.vm.Close()
	}
	d.g = g
	d.vm = G.NewTapeMachine(g)
	d.batch = batch

	return nil
}

// forward runs one forward pass of the factory on the argument
// encoding, rebuilding the computational graph first if the batch size
// changed since the last call.
func (d *Gaussian) forward(encoding *tensor.Dense) error {
	shape := encoding.Shape()
	if len(shape) != 2 || shape[1] != d.features {
		return fmt.Errorf("forward: invalid encoding shape "+
			"\n\twant(batch x %v) \n\thave(%v)", d.features, shape)
	}
	if shape[0] != d.batch {
		if err := d.build(shape[0]); err != nil {
			return fmt.Errorf("forward: could not rebuild graph for batch "+
				"size %v: %v", shape[0], err)
		}
	}

	if err := G.Let(d.input, encoding); err != nil {
		return fmt.Errorf("forward: could not set encoding: %v", err)
	}
	if err := d.vm.RunAll(); err != nil {
		return fmt.Errorf("forward: could not run VM: %v", err)
	}

	return nil
}

// Instances runs the factory's forward pass on the argument encoding
// and returns a single distribution instance over the factory's
// continuous actions. The action mask applies to discrete actions only
// and is ignored.
func (d *Gaussian) Instances(encoding, mask *tensor.Dense) ([]Instance,
	error) {
	if err := d.forward(encoding); err != nil {
		return nil, fmt.Errorf("instances: %v", err)
	}

	mean := copyFloats(d.meanVal.Data().([]float64))
	std := copyFloats(d.stdVal.Data().([]float64))
	d.vm.Reset()

	instance := &gaussianInstance{
		mean:       mean,
		std:        std,
		batch:      d.batch,
		dims:       d.numActions,
		tanhSquash: d.tanhSquash,
		normal:     d.normal,
	}
	return []Instance{instance}, nil
}

// LogPdfOf sets the encoding and actions inputs of the factory's
// computational graph and runs the forward pass so that the log PDF of
// the argument actions is available from LogPdfVal(). The node holding
// the log PDF is returned so that external VMs computing a loss over
// this factory's graph can use it.
//
// When the factory squashes actions, the argument actions must be
// unsquashed (pre-tanh) actions.
func (d *Gaussian) LogPdfOf(encoding, actions *tensor.Dense) (*G.Node,
	error) {
	shape := encoding.Shape()
	if len(shape) != 2 || shape[1] != d.features {
		return nil, fmt.Errorf("logPdfOf: invalid encoding shape "+
			"\n\twant(batch x %v) \n\thave(%v)", d.features, shape)
	}
	actionShape := actions.Shape()
	if len(actionShape) != 2 || actionShape[0] != shape[0] ||
		actionShape[1] != d.numActions {
		return nil, fmt.Errorf("logPdfOf: invalid actions shape "+
			"\n\twant(%v x %v) \n\thave(%v)", shape[0], d.numActions,
			actionShape)
	}
	if shape[0] != d.batch {
		if err := d.build(shape[0]); err != nil {
			return nil, fmt.Errorf("logPdfOf: could not rebuild graph for "+
				"batch size %v: %v", shape[0], err)
		}
	}

	if err := G.Let(d.input, encoding); err != nil {
		return nil, fmt.Errorf("logPdfOf: could not set encoding: %v", err)
	}
	if err := G.Let(d.actions, actions); err != nil {
		return nil, fmt.Errorf("logPdfOf: could not set actions: %v", err)
	}
	if err := d.vm.RunAll(); err != nil {
		return nil, fmt.Errorf("logPdfOf: could not run VM: %v", err)
	}
	d.vm.Reset()

	return d.logPdfNode, nil
}

// LogPdfNode returns the node that holds the log PDF of input actions
// when the computational graph is run.
func (d *Gaussian) LogPdfNode() *G.Node {
	return d.logPdfNode
}

// LogPdfVal returns the value of the node returned by LogPdfNode()
func (d *Gaussian) LogPdfVal() G.Value {
	return d.logPdfVal
}

// Graph returns the computational graph of the factory
func (d *Gaussian) Graph() *G.ExprGraph {
	return d.g
}

// Learnables returns the learnable nodes of the factory
func (d *Gaussian) Learnables() G.Nodes {
	learnables := d.meanLayer.Learnables()
	if d.conditionalSigma {
		learnables = append(learnables, d.logStdLayer.Learnables()...)
	} else {
		learnables = append(learnables, d.logStdParam)
	}
	return learnables
}

// gaussianInstance is a multivariate diagonal Gaussian over continuous
// actions for a single batch of state encodings.
type gaussianInstance struct {
	mean []float64 // row major (batch x dims)
	std  []float64 // row major (batch x dims)

	batch int
	dims  int

	tanhSquash bool
	normal     distmv.Rander
}

// Sample draws one action vector per batch row using the
// reparameterization trick. Sampled actions are squashed to (-1, 1)
// when the instance squashes actions.
func (g *gaussianInstance) Sample() (*tensor.Dense, error) {
	data := make([]float64, g.batch*g.dims)
	for i := 0; i < g.batch; i++ {
		eps := g.normal.Rand(nil)
		for j := 0; j < g.dims; j++ {
			value := g.mean[i*g.dims+j] + g.std[i*g.dims+j]*eps[j]
			if g.tanhSquash {
				value = math.Tanh(value)
			}
			data[i*g.dims+j] = value
		}
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{g.batch, g.dims},
		tensor.WithBacking(data),
	), nil
}

// LogProb returns the log probability of the argument actions under
// the instance, one value per batch row, summed over action
// dimensions. When the instance squashes actions, the argument holds
// squashed actions in (-1, 1).
func (g *gaussianInstance) LogProb(value *tensor.Dense) (*tensor.Dense,
	error) {
	shape := value.Shape()
	if len(shape) != 2 || shape[0] != g.batch || shape[1] != g.dims {
		return nil, fmt.Errorf("logProb: invalid actions shape "+
			"\n\twant(%v x %v) \n\thave(%v)", g.batch, g.dims, shape)
	}

	values := value.Data().([]float64)
	logProbs := make([]float64, g.batch)
	for i := 0; i < g.batch; i++ {
		for j := 0; j < g.dims; j++ {
			normal := distuv.Normal{
				Mu:    g.mean[i*g.dims+j],
				Sigma: g.std[i*g.dims+j],
			}

			action := values[i*g.dims+j]
			if g.tanhSquash {
				unsquashed := floatutils.Atanh(action, Epsilon)
				logProbs[i] += normal.LogProb(unsquashed)
				logProbs[i] -= math.Log(1.0 - action*action + Epsilon)
			} else {
				logProbs[i] += normal.LogProb(action)
			}
		}
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{g.batch},
		tensor.WithBacking(logProbs),
	), nil
}

// Entropy returns the entropy of the instance for each batch row,
// summed over action dimensions.
func (g *gaussianInstance) Entropy() *tensor.Dense {
	entropies := make([]float64, g.batch)
	for i := 0; i < g.batch; i++ {
		for j := 0; j < g.dims; j++ {
			normal := distuv.Normal{
				Mu:    g.mean[i*g.dims+j],
				Sigma: g.std[i*g.dims+j],
			}
			entropies[i] += normal.Entropy()
		}
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{g.batch},
		tensor.WithBacking(entropies),
	)
}

// Exported returns the mean of the instance, squashed to (-1, 1) when
// the instance squashes actions.
func (g *gaussianInstance) Exported() *tensor.Dense {
	data := copyFloats(g.mean)
	if g.tanhSquash {
		for i := range data {
			data[i] = math.Tanh(data[i])
		}
	}

	return tensor.NewDense(
		tensor.Float64,
		[]int{g.batch, g.dims},
		tensor.WithBacking(data),
	)
}

// Structure returns the argument sample unchanged: continuous samples
// already occupy their native width in a flattened action vector.
func (g *gaussianInstance) Structure(sample *tensor.Dense) (*tensor.Dense,
	error) {
	shape := sample.Shape()
	if len(shape) != 2 || shape[0] != g.batch || shape[1] != g.dims {
		return nil, fmt.Errorf("structure: invalid sample shape "+
			"\n\twant(%v x %v) \n\thave(%v)", g.batch, g.dims, shape)
	}
	return sample, nil
}

// copyFloats returns a copy of the argument slice. Values read from a
// VM are copied so that instances do not alias VM memory.
func copyFloats(data []float64) []float64 {
	out := make([]float64, len(data))
	copy(out, data)
	return out
}
