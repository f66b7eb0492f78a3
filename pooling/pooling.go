// Package pooling reduces per-token hidden states and attention weights to one
// vector per candidate span.
package pooling

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/util/tensorutil"
	"github.com/knights-analytics/aspert/util/vectorutil"
)

const (
	// Sentinel is added to positions outside a mask so they never win a max.
	Sentinel float32 = -1e30
	// AttentionThreshold is the weight an attention value must exceed to be pooled.
	AttentionThreshold float32 = 0.5
	// DefaultAttentionChunk is the number of candidates pooled per chunk.
	DefaultAttentionChunk = 50
)

var ErrShapeMismatch = tensorutil.ErrShapeMismatch

// ForEachChunk calls fn for consecutive ranges [start, end) of at most chunkSize
// items, running up to workers calls at once. fn must only write to outputs owned
// by its range. The context is checked before each chunk.
func ForEachChunk(ctx context.Context, total, chunkSize, workers int, fn func(start, end int) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if workers <= 0 {
		workers = 1
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(workers)
	for start := 0; start < total; start += chunkSize {
		if err := groupCtx.Err(); err != nil {
			break
		}
		end := min(start+chunkSize, total)
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			return fn(start, end)
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// MaxPoolInto writes into dst (len dim) the elementwise max over positions of
// hidden[l] + Sentinel*(1-mask[l]). hidden is (L, dim) row-major.
func MaxPoolInto(dst, hidden []float32, mask []bool, dim int) {
	for d := range dst {
		dst[d] = hidden[d] + outside(mask[0])
	}
	for l := 1; l < len(mask); l++ {
		row := hidden[l*dim : (l+1)*dim]
		if mask[l] {
			vectorutil.MaxInto(dst, row)
			continue
		}
		for d, v := range row {
			if v+Sentinel > dst[d] {
				dst[d] = v + Sentinel
			}
		}
	}
}

// ContextPoolInto max-pools like MaxPoolInto but writes zeros when mask is empty.
func ContextPoolInto(dst, hidden []float32, mask []bool, dim int) {
	if !anyTrue(mask) {
		clear(dst)
		return
	}
	MaxPoolInto(dst, hidden, mask, dim)
}

// AttentionPoolInto pools one candidate. att is (L, L, width) for one example. Query
// rows outside the mask are pushed below the threshold, the remaining weights above
// the threshold are averaged over the key axis and then over the query axis.
func AttentionPoolInto(dst, att []float32, mask []bool, seqLen, width int) {
	clear(dst)
	rowMean := make([]float32, width)
	for q := 0; q < seqLen; q++ {
		if !mask[q] {
			// every value of a masked row sits near Sentinel and contributes zero
			continue
		}
		clear(rowMean)
		row := att[q*seqLen*width : (q+1)*seqLen*width]
		for k := 0; k < seqLen; k++ {
			for h, v := range row[k*width : (k+1)*width] {
				if v > AttentionThreshold {
					rowMean[h] += v
				}
			}
		}
		for h := range rowMean {
			dst[h] += rowMean[h] / float32(seqLen)
		}
	}
	for h := range dst {
		dst[h] /= float32(seqLen)
	}
}

func outside(inMask bool) float32 {
	if inMask {
		return 0
	}
	return Sentinel
}

func anyTrue(mask []bool) bool {
	for _, m := range mask {
		if m {
			return true
		}
	}
	return false
}

type maskedInput struct {
	batchSize, candidates, seqLen int
	masks                         []bool
}

func readMasks(masks *tensor.Dense, name string) (maskedInput, error) {
	data, err := tensorutil.Bools(masks, name, 3)
	if err != nil {
		return maskedInput{}, err
	}
	shape := masks.Shape()
	return maskedInput{batchSize: shape[0], candidates: shape[1], seqLen: shape[2], masks: data}, nil
}

// SpanMaxPool pools hidden (B, L, D) over each candidate mask of masks (B, N, L)
// and returns (B, N, D). Empty masks yield Sentinel level values.
func SpanMaxPool(hidden, masks *tensor.Dense) (*tensor.Dense, error) {
	return maxPool(hidden, masks, "span masks", MaxPoolInto)
}

// ContextMaxPool is SpanMaxPool with the rule that empty masks pool to zero.
func ContextMaxPool(hidden, masks *tensor.Dense) (*tensor.Dense, error) {
	return maxPool(hidden, masks, "context masks", ContextPoolInto)
}

func maxPool(hidden, masks *tensor.Dense, name string, pool func(dst, hidden []float32, mask []bool, dim int)) (*tensor.Dense, error) {
	m, err := readMasks(masks, name)
	if err != nil {
		return nil, err
	}
	h, err := tensorutil.Float32s(hidden, "hidden states", 3)
	if err != nil {
		return nil, err
	}
	dim := hidden.Shape()[2]
	if err = tensorutil.ExpectShape(hidden, "hidden states", m.batchSize, m.seqLen, dim); err != nil {
		return nil, err
	}
	out := make([]float32, m.batchSize*m.candidates*dim)
	for b := 0; b < m.batchSize; b++ {
		example := h[b*m.seqLen*dim : (b+1)*m.seqLen*dim]
		for n := 0; n < m.candidates; n++ {
			i := b*m.candidates + n
			pool(out[i*dim:(i+1)*dim], example, m.masks[i*m.seqLen:(i+1)*m.seqLen], dim)
		}
	}
	return tensorutil.NewFloat32(out, m.batchSize, m.candidates, dim), nil
}

// AttentionPool pools att (B, L, L, H) over each candidate mask of masks (B, N, L)
// and returns (B, N, H). Candidates are processed in chunks of chunkSize along N,
// up to workers chunks at a time, each writing its own range of the output.
// The result does not depend on chunkSize or workers.
func AttentionPool(ctx context.Context, att, masks *tensor.Dense, chunkSize, workers int) (*tensor.Dense, error) {
	m, err := readMasks(masks, "span masks")
	if err != nil {
		return nil, err
	}
	a, err := tensorutil.Float32s(att, "attentions", 4)
	if err != nil {
		return nil, err
	}
	width := att.Shape()[3]
	if err = tensorutil.ExpectShape(att, "attentions", m.batchSize, m.seqLen, m.seqLen, width); err != nil {
		return nil, err
	}
	out := make([]float32, m.batchSize*m.candidates*width)
	exampleSize := m.seqLen * m.seqLen * width
	err = ForEachChunk(ctx, m.candidates, chunkSize, workers, func(start, end int) error {
		for b := 0; b < m.batchSize; b++ {
			example := a[b*exampleSize : (b+1)*exampleSize]
			for n := start; n < end; n++ {
				i := b*m.candidates + n
				AttentionPoolInto(out[i*width:(i+1)*width], example, m.masks[i*m.seqLen:(i+1)*m.seqLen], m.seqLen, width)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tensorutil.NewFloat32(out, m.batchSize, m.candidates, width), nil
}
