// Package distribution implements parameterized action distributions
// for policies over hybrid action spaces. A distribution is a factory
// holding learnable Gorgonia graph nodes that map a state encoding to
// distribution parameters; each forward pass produces one or more
// ephemeral Instances that can sample actions and score supplied
// actions at the value level.
package distribution

import (
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Epsilon is a small value added to quantities whose log is taken or
// which are divided by, so that results stay finite.
const Epsilon float64 = 1e-7

// Instance is a single concrete action distribution produced by a
// forward pass of a Distribution. Instances are ephemeral: they are
// valid only for the encoding and mask they were created from and
// should be discarded after use.
//
// All tensors are tensor.Float64. The batch dimension is always axis
// 0 and the action dimension, where present, is the last axis.
type Instance interface {
	// Sample draws one action per batch row. Draws are independent
	// across batch rows and across Instances.
	Sample() (*tensor.Dense, error)

	// LogProb returns the log probability of the argument actions,
	// one value per batch row, summed over the Instance's action
	// dimensions. The argument must have the same shape that Sample
	// returns.
	LogProb(value *tensor.Dense) (*tensor.Dense, error)

	// Entropy returns the entropy of the distribution for each batch
	// row, summed over the Instance's action dimensions.
	Entropy() *tensor.Dense

	// Exported returns the deterministic output of the Instance used
	// for inference, e.g. a Gaussian's mean or a categorical's
	// arg-max choice. The result always has two dimensions.
	Exported() *tensor.Dense

	// Structure reshapes a raw sample into the block it occupies in
	// a flattened action vector. Continuous samples pass through at
	// their native width; discrete samples become a single column.
	Structure(sample *tensor.Dense) (*tensor.Dense, error)
}

// Distribution is a factory of distribution Instances. Each call to
// Instances performs one forward pass of the factory's learnable
// parameterization on the argument encoding and returns the
// resulting Instances.
type Distribution interface {
	// Instances returns the distribution instances for the argument
	// encoding of shape (batch, encoding size). The mask flags valid
	// (1.0) and invalid (0.0) discrete choices; distributions over
	// continuous actions ignore it, and it may be nil when all
	// choices are valid.
	Instances(encoding, mask *tensor.Dense) ([]Instance, error)

	// Learnables returns the learnable graph nodes of the factory
	// for use by external optimizers.
	Learnables() G.Nodes
}
