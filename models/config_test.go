package models

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/util/fileutil"
)

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, testConfig().Validate())

	config := DefaultConfig()
	err := config.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "cls_token_id")
	assert.Contains(t, err.Error(), "relation type")

	config = testConfig()
	config.MaxSpanSize = 100
	config.PropDrop = 1
	err = config.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "max_span_size")
	assert.Contains(t, err.Error(), "prop_drop")
}

func TestLoadConfig(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "aspert_config.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
entity_types: [None, Loc, Org]
relation_types: [Located_In]
max_pairs: 7
cls_token_id: 101
`), 0o600))
	config, err := LoadConfig(ctx, yamlPath)
	require.NoError(t, err)
	assert.Equal(t, []string{"None", "Loc", "Org"}, config.EntityTypes)
	assert.Equal(t, 7, config.MaxPairs)
	assert.Equal(t, 101, config.ContextTokenID)
	// unset keys keep their defaults
	assert.Equal(t, DefaultConfig().SizeEmbedding, config.SizeEmbedding)
	assert.Equal(t, DefaultConfig().AttentionChunk, config.AttentionChunk)
	assert.NoError(t, config.Validate())

	jsonPath := filepath.Join(dir, "aspert_config.json")
	require.NoError(t, config.Save(ctx, jsonPath))
	reloaded, err := LoadConfig(ctx, jsonPath)
	require.NoError(t, err)
	assert.Equal(t, config, reloaded)

	_, err = LoadConfig(ctx, filepath.Join(dir, "aspert_config.toml"))
	assert.Error(t, err)

	broken := filepath.Join(dir, "broken.json")
	require.NoError(t, os.WriteFile(broken, []byte("{"), 0o600))
	_, err = LoadConfig(ctx, broken)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestRegistry(t *testing.T) {
	model, err := New(ASpERTName, testConfig(), newFakeEncoder(), backends.Sequential(), 1)
	require.NoError(t, err)
	assert.Equal(t, testConfig(), model.Config())

	_, err = New("spert", testConfig(), newFakeEncoder(), backends.Sequential(), 1)
	require.ErrorIs(t, err, ErrUnknownModel)
	assert.Contains(t, err.Error(), ASpERTName)

	_, err = New(ASpERTName, DefaultConfig(), newFakeEncoder(), backends.Sequential(), 1)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestWeightsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "weights")

	saved := newTestModel(t, testConfig(), 1)
	require.NoError(t, saved.SaveWeights(ctx, dir))
	for _, p := range saved.Parameters() {
		assert.FileExists(t, filepath.Join(dir, p.Name+".npy"))
	}

	loaded, err := NewASpERT(testConfig(), newFakeEncoder(), backends.Sequential(), 7)
	require.NoError(t, err)
	assert.NotEqual(t, saved.relClassifier.Weight.Data(), loaded.relClassifier.Weight.Data())
	require.NoError(t, loaded.LoadWeights(ctx, dir))
	for i, p := range loaded.Parameters() {
		assert.Equal(t, saved.Parameters()[i].Value.Data(), p.Value.Data(), p.Name)
	}

	batch := twoSpanBatch(t, [2]int{3, 5})
	want, err := saved.Forward(ctx, batch, Inference)
	require.NoError(t, err)
	got, err := loaded.Forward(ctx, batch, Inference)
	require.NoError(t, err)
	assert.Equal(t, want.EntityScores.Data(), got.EntityScores.Data())
	assert.Equal(t, want.RelationScores.Data(), got.RelationScores.Data())

	config := testConfig()
	config.SizeEmbedding = 3
	mismatched, err := NewASpERT(config, newFakeEncoder(), backends.Sequential(), 1)
	require.NoError(t, err)
	assert.Error(t, mismatched.LoadWeights(ctx, dir))
}

func TestLoadWeightsLeavesModelUnchangedOnError(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "weights")

	saved := newTestModel(t, testConfig(), 1)
	saved.relClassifier.Bias.Data().([]float32)[0] = 123
	require.NoError(t, saved.SaveWeights(ctx, dir))
	wrong := tensor.New(tensor.WithShape(100, 5), tensor.Of(tensor.Float32))
	require.NoError(t, fileutil.WriteDense(ctx, filepath.Join(dir, "size_embeddings.weight.npy"), wrong))

	loaded, err := NewASpERT(testConfig(), newFakeEncoder(), backends.Sequential(), 7)
	require.NoError(t, err)
	before := map[string][]float32{}
	for _, p := range loaded.Parameters() {
		before[p.Name] = append([]float32(nil), p.Value.Data().([]float32)...)
	}

	err = loaded.LoadWeights(ctx, dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "size_embeddings.weight")
	for _, p := range loaded.Parameters() {
		assert.Equal(t, before[p.Name], p.Value.Data(), p.Name)
	}
	assert.NotEqual(t, float32(123), loaded.relClassifier.Bias.Data().([]float32)[0])

	require.NoError(t, os.Remove(filepath.Join(dir, "entity_classifier2.bias.npy")))
	assert.Error(t, loaded.LoadWeights(ctx, dir))
	for _, p := range loaded.Parameters() {
		assert.Equal(t, before[p.Name], p.Value.Data(), p.Name)
	}
}
