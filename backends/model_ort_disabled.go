//go:build !ORT && !ALL

package backends

import (
	"errors"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/options"
)

type ORTModel struct {
	Destroy func() error
}

func createORTModelBackend(_ *Model, _ *options.Options) error {
	return errors.New("ORT is not enabled")
}

func runORTEncoder(_ *Model, _, _ *tensor.Dense) (*EncoderOutput, error) {
	return nil, errors.New("ORT is not enabled")
}
