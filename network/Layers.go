// Package network provides neural network building blocks on Gorgonia
// computational graphs.
package network

import (
	"fmt"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Activation represents an activation function type
type Activation func(x *G.Node) (*G.Node, error)

// FCLayer implements a fully connected layer of a feed forward neural
// network
type FCLayer struct {
	Weights *G.Node
	Bias    *G.Node
	Act     Activation
}

// NewFCLayer returns a new FCLayer with learnable weights of shape
// (features, outputs) and, if bias is true, a learnable bias of shape
// (1, outputs) that is broadcast along the batch dimension. Weights
// and biases are added to the graph g and initialized with init. The
// name parameter is used to name the weight nodes in the graph so
// that layers can be distinguished.
func NewFCLayer(g *G.ExprGraph, features, outputs int, bias bool,
	act Activation, init G.InitWFn, name string) *FCLayer {
	if features <= 0 || outputs <= 0 {
		panic(fmt.Sprintf("newFCLayer: layer dimensions must be positive "+
			"\n\twant(> 0) \n\thave(%v, %v)", features, outputs))
	}

	layer := &FCLayer{
		Weights: G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(features, outputs),
			G.WithName(name+"Weights"),
			G.WithInit(init),
		),
		Act: act,
	}

	if bias {
		layer.Bias = G.NewMatrix(
			g,
			tensor.Float64,
			G.WithShape(1, outputs),
			G.WithName(name+"Bias"),
			G.WithInit(G.Zeroes()),
		)
	}

	return layer
}

// Fwd adds the forward pass of the FCLayer to the computational graph
func (f *FCLayer) Fwd(x *G.Node) (*G.Node, error) {
	if f.Weights != nil {
		x = G.Must(G.Mul(x, f.Weights))
	}
	if f.Bias != nil {
		// Broadcast the bias weights to all samples along the batch
		// dimension
		x = G.Must(G.BroadcastAdd(x, f.Bias, nil, []byte{0}))
	}
	if f.Act == nil {
		return x, nil
	}
	return f.Act(x)
}

// CloneTo clones an FCLayer to a new computational graph, retaining
// the values of the layer's weights and bias.
func (f *FCLayer) CloneTo(g *G.ExprGraph) *FCLayer {
	var newWeights, newBias *G.Node

	if f.Weights != nil {
		newWeights = f.Weights.CloneTo(g)
	}
	if f.Bias != nil {
		newBias = f.Bias.CloneTo(g)
	}

	return &FCLayer{
		Weights: newWeights,
		Bias:    newBias,
		Act:     f.Act,
	}
}

// Learnables returns the learnable nodes of the FCLayer
func (f *FCLayer) Learnables() G.Nodes {
	learnables := make(G.Nodes, 0, 2)
	if f.Weights != nil {
		learnables = append(learnables, f.Weights)
	}
	if f.Bias != nil {
		learnables = append(learnables, f.Bias)
	}
	return learnables
}
