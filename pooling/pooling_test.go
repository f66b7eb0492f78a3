package pooling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/knights-analytics/aspert/util/tensorutil"
)

func randomFloats(rng *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func randomMasks(rng *rand.Rand, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = rng.Intn(3) == 0
	}
	return out
}

func TestSpanMaxPoolSingleToken(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	const batch, seqLen, dim = 2, 6, 5
	hidden := randomFloats(rng, batch*seqLen*dim)
	masks := make([]bool, batch*seqLen*seqLen)
	// candidate n selects exactly position n
	for b := 0; b < batch; b++ {
		for n := 0; n < seqLen; n++ {
			masks[(b*seqLen+n)*seqLen+n] = true
		}
	}
	pooled, err := SpanMaxPool(tensorutil.NewFloat32(hidden, batch, seqLen, dim), tensorutil.NewBool(masks, batch, seqLen, seqLen))
	require.NoError(t, err)
	out := pooled.Data().([]float32)
	for b := 0; b < batch; b++ {
		for n := 0; n < seqLen; n++ {
			i := b*seqLen + n
			assert.Equal(t, hidden[i*dim:(i+1)*dim], out[i*dim:(i+1)*dim])
		}
	}
}

func TestSpanMaxPoolTakesMaxInsideSpan(t *testing.T) {
	hidden := []float32{
		1, 9,
		5, 2,
		100, 100,
	}
	masks := []bool{true, true, false, false, false, false}
	pooled, err := SpanMaxPool(tensorutil.NewFloat32(hidden, 1, 3, 2), tensorutil.NewBool(masks, 1, 2, 3))
	require.NoError(t, err)
	out := pooled.Data().([]float32)
	assert.Equal(t, []float32{5, 9}, out[:2])
	// empty mask stays at sentinel level
	for _, v := range out[2:] {
		assert.Less(t, v, float32(-1e29))
	}
}

func TestContextMaxPoolEmptyMaskIsZero(t *testing.T) {
	hidden := []float32{3, -2, 7, 1, 4, 4}
	masks := []bool{false, false, false, false, true, false}
	pooled, err := ContextMaxPool(tensorutil.NewFloat32(hidden, 1, 3, 2), tensorutil.NewBool(masks, 1, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 7, 1}, pooled.Data())
}

func TestAttentionPoolThresholdAndMeans(t *testing.T) {
	// B=1, L=2, H=1: rows are query positions
	att := []float32{
		0.9, 0.1, // q=0
		0.6, 0.7, // q=1
	}
	masks := []bool{
		true, false, // candidate 0 covers position 0
		true, true, // candidate 1 covers both
		false, false,
	}
	pooled, err := AttentionPool(context.Background(), tensorutil.NewFloat32(att, 1, 2, 2, 1), tensorutil.NewBool(masks, 1, 3, 2), DefaultAttentionChunk, 1)
	require.NoError(t, err)
	out := pooled.Data().([]float32)
	assert.InDelta(t, 0.9/2/2, out[0], 1e-6)
	assert.InDelta(t, (0.9/2+1.3/2)/2, out[1], 1e-6)
	assert.Zero(t, out[2])
}

func TestAttentionPoolChunkInvariance(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	const batch, candidates, seqLen, width = 3, 17, 7, 4
	att := make([]float32, batch*seqLen*seqLen*width)
	for i := range att {
		att[i] = rng.Float32()
	}
	masks := randomMasks(rng, batch*candidates*seqLen)
	attTensor := tensorutil.NewFloat32(att, batch, seqLen, seqLen, width)
	maskTensor := tensorutil.NewBool(masks, batch, candidates, seqLen)

	whole, err := AttentionPool(context.Background(), attTensor, maskTensor, candidates, 1)
	require.NoError(t, err)
	for chunk := 1; chunk <= candidates+2; chunk++ {
		for _, workers := range []int{1, 4} {
			chunked, chunkErr := AttentionPool(context.Background(), attTensor, maskTensor, chunk, workers)
			require.NoError(t, chunkErr)
			assert.Equal(t, whole.Data(), chunked.Data(), "chunk %d workers %d", chunk, workers)
		}
	}
}

func TestShapeMismatch(t *testing.T) {
	hidden := tensorutil.NewFloat32(make([]float32, 2*4*3), 2, 4, 3)
	masks := tensorutil.NewBool(make([]bool, 2*5), 1, 2, 5)
	_, err := SpanMaxPool(hidden, masks)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	att := tensorutil.NewFloat32(make([]float32, 4*4), 1, 4, 4, 1)
	_, err = AttentionPool(context.Background(), att, masks, 2, 1)
	assert.ErrorIs(t, err, ErrShapeMismatch)

	_, err = ContextMaxPool(hidden, tensorutil.NewFloat32(make([]float32, 8), 2, 1, 4))
	assert.ErrorIs(t, err, ErrShapeMismatch)
}

func TestForEachChunk(t *testing.T) {
	var covered [10]int32
	err := ForEachChunk(context.Background(), 10, 3, 2, func(start, end int) error {
		for i := start; i < end; i++ {
			atomic.AddInt32(&covered[i], 1)
		}
		return nil
	})
	require.NoError(t, err)
	for _, c := range covered {
		assert.Equal(t, int32(1), c)
	}

	failure := errors.New("chunk failed")
	err = ForEachChunk(context.Background(), 10, 3, 1, func(start, _ int) error {
		if start == 3 {
			return failure
		}
		return nil
	})
	assert.ErrorIs(t, err, failure)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ForEachChunk(ctx, 10, 3, 1, func(_, _ int) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	assert.Error(t, ForEachChunk(context.Background(), 1, 0, 1, func(_, _ int) error { return nil }))
}
