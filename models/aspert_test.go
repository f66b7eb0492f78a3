package models

import (
	"context"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/layers"
	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/tensorutil"
)

const clsToken = 101

// fakeEncoder returns random hidden states and attention maps that only depend on
// the batch shape, so repeated calls agree.
type fakeEncoder struct {
	info   backends.EncoderInfo
	seed   uint64
	params []layers.Parameter
}

func newFakeEncoder() *fakeEncoder {
	return &fakeEncoder{
		info: backends.EncoderInfo{HiddenSize: 6, NumAttentionHeads: 2, NumHiddenLayers: 2},
		seed: 3,
	}
}

func (f *fakeEncoder) Info() backends.EncoderInfo {
	return f.info
}

func (f *fakeEncoder) Parameters() []layers.Parameter {
	return f.params
}

func (f *fakeEncoder) Encode(ctx context.Context, ids, _ *tensor.Dense) (*backends.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	batchSize, seqLen := ids.Shape()[0], ids.Shape()[1]
	rng := rand.New(rand.NewSource(f.seed))
	hidden := make([]float32, batchSize*seqLen*f.info.HiddenSize)
	for i := range hidden {
		hidden[i] = rng.Float32()*2 - 1
	}
	output := &backends.EncoderOutput{Hidden: tensorutil.NewFloat32(hidden, batchSize, seqLen, f.info.HiddenSize)}
	for layer := 0; layer < f.info.NumHiddenLayers; layer++ {
		att := make([]float32, batchSize*f.info.NumAttentionHeads*seqLen*seqLen)
		for i := range att {
			att[i] = rng.Float32()
		}
		output.Attentions = append(output.Attentions, tensorutil.NewFloat32(att, batchSize, f.info.NumAttentionHeads, seqLen, seqLen))
	}
	return output, nil
}

// mislabelledEncoder reports other dimensions than the attentions it returns.
type mislabelledEncoder struct {
	*fakeEncoder
	reported backends.EncoderInfo
}

func (e mislabelledEncoder) Info() backends.EncoderInfo {
	return e.reported
}

func testConfig() Config {
	config := DefaultConfig()
	config.EntityTypes = []string{NoneEntityLabel, "Person"}
	config.RelationTypes = []string{"Works_For", "Located_In"}
	config.SizeEmbedding = 4
	config.EntityHiddenSize = 8
	config.ContextTokenID = clsToken
	return config
}

func newTestModel(t *testing.T, config Config, workers int) *ASpERT {
	t.Helper()
	m, err := NewASpERT(config, newFakeEncoder(), backends.CPU(workers), 42)
	require.NoError(t, err)
	return m
}

// forceEntityLogits makes the entity head output exactly bias for every candidate.
func forceEntityLogits(m *ASpERT, bias ...float32) {
	clear(m.entityClassifier2.Weight.Data().([]float32))
	copy(m.entityClassifier2.Bias.Data().([]float32), bias)
}

func twoSpanBatch(t *testing.T, second [2]int) *Batch {
	t.Helper()
	sample := sampling.NewSample([]int{clsToken, 7, 8, 9, 102})
	sample.AddEntity(0, 2, 2)
	sample.AddEntity(second[0], second[1], 2)
	batch, err := Collate([]sampling.Sample{sample}, 0)
	require.NoError(t, err)
	return batch
}

func TestInferenceRelationsWithGap(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)
	forceEntityLogits(m, 0, 10)

	out, err := m.Forward(context.Background(), twoSpanBatch(t, [2]int{3, 5}), Inference)
	require.NoError(t, err)

	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Relations.Shape())
	assert.Equal(t, []int{0, 1, 1, 0}, out.Relations.Data())
	assert.Equal(t, []bool{true, true}, out.RelationSampleMasks.Data())
	gap := []bool{false, false, true, false, false}
	assert.Equal(t, append(append([]bool{}, gap...), gap...), out.RelationMasks.Data())
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.RelationScores.Shape())
	for _, score := range out.RelationScores.Data().([]float32) {
		assert.Greater(t, score, float32(0))
		assert.Less(t, score, float32(1))
	}
}

func TestInferenceRelationsAdjacent(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)
	forceEntityLogits(m, 0, 10)

	out, err := m.Forward(context.Background(), twoSpanBatch(t, [2]int{2, 4}), Inference)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1, 0}, out.Relations.Data())
	assert.Equal(t, make([]bool, 10), out.RelationMasks.Data())
}

func TestInferencePlaceholderWhenNoPairs(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)

	t.Run("no entities", func(t *testing.T) {
		forceEntityLogits(m, 10, 0)
		out, err := m.Forward(context.Background(), twoSpanBatch(t, [2]int{3, 5}), Inference)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0}, out.Relations.Data())
		assert.Equal(t, []bool{false}, out.RelationSampleMasks.Data())
		assert.Equal(t, make([]bool, 5), out.RelationMasks.Data())
		assert.Equal(t, []float32{0, 0}, out.RelationScores.Data())
	})

	t.Run("single entity", func(t *testing.T) {
		forceEntityLogits(m, 0, 10)
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.EntitySampleMasks = tensorutil.NewBool([]bool{true, false}, 1, 2)
		out, err := m.Forward(context.Background(), batch, Inference)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 0}, out.Relations.Data())
		assert.Equal(t, []bool{false}, out.RelationSampleMasks.Data())
		assert.Equal(t, []float32{0, 0}, out.RelationScores.Data())
	})
}

func multiExampleBatch(t *testing.T) *Batch {
	t.Helper()
	first := sampling.NewSample([]int{clsToken, 5, 6, 102})
	first.AddEntity(1, 2, 1)
	first.AddEntity(2, 3, 1)
	second := sampling.NewSample([]int{clsToken, 5, 6, 7, 8, 9, 102})
	second.AddEntity(1, 2, 1)
	second.AddEntity(2, 4, 2)
	second.AddEntity(5, 6, 1)
	batch, err := Collate([]sampling.Sample{first, second}, 0)
	require.NoError(t, err)
	return batch
}

func TestInferenceMasksPaddingRelations(t *testing.T) {
	m := newTestModel(t, testConfig(), 2)
	forceEntityLogits(m, -100, 100)

	out, err := m.Forward(context.Background(), multiExampleBatch(t), Inference)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 6, 2}, out.RelationScores.Shape())

	scores := out.RelationScores.Data().([]float32)
	valid := out.RelationSampleMasks.Data().([]bool)
	assert.Equal(t, []bool{true, true, false, false, false, false, true, true, true, true, true, true}, valid)
	for i, ok := range valid {
		for _, s := range scores[i*2 : (i+1)*2] {
			if ok {
				assert.Greater(t, s, float32(0))
			} else {
				assert.Zero(t, s)
			}
		}
	}
}

func TestInferenceEntitySoftmaxIsValid(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)
	out, err := m.Forward(context.Background(), multiExampleBatch(t), Inference)
	require.NoError(t, err)

	scores := out.EntityScores.Data().([]float32)
	// the first example has one padding candidate with an empty mask
	assert.Equal(t, tensor.Shape{2, 3, 2}, out.EntityScores.Shape())
	for i := 0; i < 6; i++ {
		var sum float32
		for _, p := range scores[i*2 : (i+1)*2] {
			assert.False(t, math32.IsNaN(p))
			assert.GreaterOrEqual(t, p, float32(0))
			sum += p
		}
		assert.InDelta(t, 1, sum, 1e-5)
	}
}

func TestRelationChunkingIsBitIdentical(t *testing.T) {
	sample := sampling.NewSample([]int{clsToken, 5, 6, 7, 8, 9, 10, 102})
	for _, span := range [][2]int{{1, 2}, {2, 4}, {4, 5}, {6, 7}} {
		sample.AddEntity(span[0], span[1], span[1]-span[0])
	}
	for head := range sample.EntitySpans {
		for tail := range sample.EntitySpans {
			if head != tail {
				require.NoError(t, sample.AddRelation(head, tail))
			}
		}
	}
	batch, err := Collate([]sampling.Sample{sample}, 0)
	require.NoError(t, err)

	run := func(maxPairs, attentionChunk, workers int, mode Mode) *Output {
		config := testConfig()
		config.MaxPairs = maxPairs
		config.AttentionChunk = attentionChunk
		config.PropDrop = 0
		m := newTestModel(t, config, workers)
		m.entityClassifier2.Bias.Data().([]float32)[0] = -100
		m.entityClassifier2.Bias.Data().([]float32)[1] = 100
		out, forwardErr := m.Forward(context.Background(), batch, mode)
		require.NoError(t, forwardErr)
		return out
	}

	for _, mode := range []Mode{Train, Inference} {
		reference := run(1000, 1000, 1, mode)
		require.Equal(t, 12, reference.RelationScores.Shape()[1], mode.String())
		for _, maxPairs := range []int{1, 2, 5, 11, 12, 13} {
			for _, workers := range []int{1, 4} {
				chunked := run(maxPairs, maxPairs, workers, mode)
				assert.Equal(t, reference.RelationScores.Data(), chunked.RelationScores.Data(), "%v maxPairs %d workers %d", mode, maxPairs, workers)
				assert.Equal(t, reference.EntityScores.Data(), chunked.EntityScores.Data(), "%v maxPairs %d workers %d", mode, maxPairs, workers)
			}
		}
	}
}

func TestTrainReturnsLogitsForGivenRelations(t *testing.T) {
	config := testConfig()
	config.PropDrop = 0.5
	m := newTestModel(t, config, 2)
	forceEntityLogits(m, 0, 10)

	sample := sampling.NewSample([]int{clsToken, 7, 8, 9, 102})
	sample.AddEntity(1, 2, 1)
	sample.AddEntity(3, 4, 1)
	require.NoError(t, sample.AddRelation(1, 0))
	batch, err := Collate([]sampling.Sample{sample}, 0)
	require.NoError(t, err)

	out, err := m.Forward(context.Background(), batch, Train)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 10, 0, 10}, out.EntityScores.Data())
	assert.Equal(t, tensor.Shape{1, 1, 2}, out.RelationScores.Shape())
	assert.Same(t, batch.Relations, out.Relations)
	assert.Same(t, batch.RelationMasks, out.RelationMasks)
}

func TestForwardValidation(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)
	ctx := context.Background()

	t.Run("size bucket", func(t *testing.T) {
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.EntitySizes = tensorutil.NewInt([]int{2, sampling.MaxSizeBucket}, 1, 2)
		_, err := m.Forward(ctx, batch, Inference)
		assert.ErrorIs(t, err, ErrInvalidSizeBucket)
	})
	t.Run("context token", func(t *testing.T) {
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.Encodings = tensorutil.NewInt([]int{1, 7, 8, 9, 102}, 1, 5)
		_, err := m.Forward(ctx, batch, Inference)
		assert.ErrorIs(t, err, ErrMissingContextToken)
	})
	t.Run("entity mask length", func(t *testing.T) {
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.EntityMasks = tensorutil.NewBool(make([]bool, 8), 1, 2, 4)
		_, err := m.Forward(ctx, batch, Inference)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
	t.Run("train without relations", func(t *testing.T) {
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.Relations = nil
		_, err := m.Forward(ctx, batch, Train)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
	t.Run("relation index", func(t *testing.T) {
		batch := twoSpanBatch(t, [2]int{3, 5})
		batch.Relations = tensorutil.NewInt([]int{0, 2}, 1, 1, 2)
		_, err := m.Forward(ctx, batch, Train)
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
	t.Run("attention layout", func(t *testing.T) {
		// four single head layers carry as many channels as two layers of two heads
		encoder := newFakeEncoder()
		encoder.info.NumHiddenLayers, encoder.info.NumAttentionHeads = 4, 1
		reported := encoder.info
		reported.NumHiddenLayers, reported.NumAttentionHeads = 2, 2
		mislabelled, err := NewASpERT(testConfig(), mislabelledEncoder{fakeEncoder: encoder, reported: reported}, backends.Sequential(), 42)
		require.NoError(t, err)
		_, err = mislabelled.Forward(ctx, twoSpanBatch(t, [2]int{3, 5}), Inference)
		assert.ErrorIs(t, err, ErrShapeMismatch)
		assert.ErrorIs(t, err, backends.ErrEncoderOutput)
	})
	t.Run("cancelled", func(t *testing.T) {
		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := m.Forward(cancelled, twoSpanBatch(t, [2]int{3, 5}), Inference)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEntitySpansDerivedFromMasks(t *testing.T) {
	m := newTestModel(t, testConfig(), 1)
	forceEntityLogits(m, 0, 10)
	batch := twoSpanBatch(t, [2]int{3, 5})
	withSpans, err := m.Forward(context.Background(), batch, Inference)
	require.NoError(t, err)

	batch.EntitySpans = nil
	derived, err := m.Forward(context.Background(), batch, Inference)
	require.NoError(t, err)
	assert.Equal(t, withSpans.RelationMasks.Data(), derived.RelationMasks.Data())
	assert.Equal(t, []int{0, 2, 3, 5}, spansFromMasks(batch.EntityMasks.Data().([]bool), 5))
}

func TestTrainableParametersHonourFreeze(t *testing.T) {
	encoder := newFakeEncoder()
	encoder.params = []layers.Parameter{{Name: "encoder.weight", Value: tensorutil.NewFloat32([]float32{1}, 1)}}

	config := testConfig()
	m, err := NewASpERT(config, encoder, backends.Sequential(), 1)
	require.NoError(t, err)
	assert.Len(t, m.Parameters(), 7)
	assert.Len(t, m.TrainableParameters(), 8)

	config.FreezeTransformer = true
	frozen, err := NewASpERT(config, encoder, backends.Sequential(), 1)
	require.NoError(t, err)
	assert.Len(t, frozen.TrainableParameters(), 7)
}
