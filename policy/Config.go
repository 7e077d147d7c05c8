package policy

import (
	"fmt"

	"github.com/samuelfneumann/gopolicy/actionspec"
	"github.com/samuelfneumann/gopolicy/initwfn"
)

// Config implements a configuration of an ActionModel. Config can be
// marshalled and unmarshalled as JSON so that experiment
// configurations can be stored in configuration files.
type Config struct {
	// ConditionalSigma determines whether the standard deviation of
	// the continuous action distribution is predicted from the state
	// encoding or is a state-independent learnable parameter.
	ConditionalSigma bool

	// TanhSquash determines whether continuous actions are squashed
	// into (-1, 1) with a tanh transform.
	TanhSquash bool

	// InitWFn determines the weight initialization scheme of all
	// learnable layers.
	InitWFn *initwfn.InitWFn

	// Seed seeds the action samplers.
	Seed uint64
}

// Validate returns an error describing why the Config is invalid, or
// nil if the Config is valid.
func (c Config) Validate() error {
	if c.InitWFn == nil {
		return fmt.Errorf("validate: no weight initialization scheme set")
	}
	return nil
}

// Create returns a new ActionModel over the argument action space,
// parameterized by state encodings of width encodingSize, configured
// by the Config.
func (c Config) Create(encodingSize int,
	spec actionspec.ActionSpec) (*ActionModel, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("create: invalid config: %v", err)
	}

	model, err := New(encodingSize, spec, c.ConditionalSigma, c.TanhSquash,
		c.InitWFn.InitWFn(), c.Seed)
	if err != nil {
		return nil, fmt.Errorf("create: %v", err)
	}

	return model, nil
}
