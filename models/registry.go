package models

import (
	"context"
	"fmt"
	"sort"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/layers"
)

const ASpERTName = "aspert"

// Model is the surface shared by the registered architectures.
type Model interface {
	Forward(ctx context.Context, batch *Batch, mode Mode) (*Output, error)
	Config() Config
	Parameters() []layers.Parameter
	TrainableParameters() []layers.Parameter
	SaveWeights(ctx context.Context, dir string) error
	LoadWeights(ctx context.Context, dir string) error
	Timings() *backends.Timings
}

// Factory builds a model around an encoder.
type Factory func(config Config, encoder backends.Encoder, device backends.Device, seed uint64) (Model, error)

// Registry lists the known architectures by name.
var Registry = map[string]Factory{
	ASpERTName: func(config Config, encoder backends.Encoder, device backends.Device, seed uint64) (Model, error) {
		model, err := NewASpERT(config, encoder, device, seed)
		if err != nil {
			return nil, err
		}
		return model, nil
	},
}

// New builds the architecture registered under name.
func New(name string, config Config, encoder backends.Encoder, device backends.Device, seed uint64) (Model, error) {
	factory, ok := Registry[name]
	if !ok {
		names := make([]string, 0, len(Registry))
		for known := range Registry {
			names = append(names, known)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("%w: %q, known models are %v", ErrUnknownModel, name, names)
	}
	return factory(config, encoder, device, seed)
}
