package models

import (
	"context"
	"errors"
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/layers"
	"github.com/knights-analytics/aspert/util/fileutil"
)

// ParameterSource is implemented by encoders whose weights can be trained.
type ParameterSource interface {
	Parameters() []layers.Parameter
}

// Parameters returns the weights of the classification heads, named as in the
// reference checkpoints.
func (m *ASpERT) Parameters() []layers.Parameter {
	var params []layers.Parameter
	params = append(params, m.relClassifier.Parameters("rel_classifier1")...)
	params = append(params, m.entityClassifier1.Parameters("entity_classifier1")...)
	params = append(params, m.entityClassifier2.Parameters("entity_classifier2")...)
	params = append(params, m.sizeEmbeddings.Parameters("size_embeddings")...)
	return params
}

// TrainableParameters returns the parameters an optimiser should update: the heads,
// plus the encoder weights when the encoder exposes them and is not frozen.
func (m *ASpERT) TrainableParameters() []layers.Parameter {
	params := m.Parameters()
	if m.config.FreezeTransformer {
		return params
	}
	if source, ok := m.encoder.(ParameterSource); ok {
		params = append(params, source.Parameters()...)
	}
	return params
}

// SaveWeights writes each head parameter to dir/<name>.npy.
func (m *ASpERT) SaveWeights(ctx context.Context, dir string) error {
	if err := fileutil.CreateDir(ctx, dir); err != nil {
		return err
	}
	var err error
	for _, p := range m.Parameters() {
		err = errors.Join(err, fileutil.WriteDense(ctx, fileutil.PathJoinSafe(dir, p.Name+".npy"), p.Value))
	}
	return err
}

// LoadWeights replaces every head parameter with dir/<name>.npy. Shapes must match.
// Every file is read and checked before any parameter changes, so a failed load
// leaves the model as it was.
func (m *ASpERT) LoadWeights(ctx context.Context, dir string) error {
	params := m.Parameters()
	values := make([]*tensor.Dense, len(params))
	for i, p := range params {
		path := fileutil.PathJoinSafe(dir, p.Name+".npy")
		value, err := fileutil.ReadDense(ctx, path)
		if err != nil {
			return fmt.Errorf("loading parameter %s: %w", p.Name, err)
		}
		if err = p.Check(value); err != nil {
			return err
		}
		values[i] = value
	}
	for i, p := range params {
		if err := p.Assign(values[i]); err != nil {
			return err
		}
	}
	return nil
}
