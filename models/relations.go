package models

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/tensorutil"
	"github.com/knights-analytics/aspert/util/vectorutil"
)

type filteredRelations struct {
	count       int
	index       []int  // (B, R, 2)
	masks       []bool // (B, R, L)
	sampleMasks []bool // (B, R)
}

type exampleRelation struct {
	head, tail int
	mask       []bool
}

// FilterRelations pairs up the candidates predicted as entities. entityScores is
// Float32 (B, N, E), spans Int (B, N, 2) and sampleMasks Bool (B, N). It returns
// the relations Int (B, R, 2), their context masks Bool (B, R, L) and their sample
// masks Bool (B, R). Examples without any pair get a single invalid (0, 0) row and
// every example is padded to the longest one with invalid rows.
func FilterRelations(entityScores, spans, sampleMasks *tensor.Dense, seqLen int) (relations, masks, relationSampleMasks *tensor.Dense, err error) {
	scores, err := tensorutil.Float32s(entityScores, "entity scores", 3)
	if err != nil {
		return nil, nil, nil, err
	}
	shape := entityScores.Shape()
	batchSize, entities, types := shape[0], shape[1], shape[2]
	spanData, err := tensorutil.Ints(spans, "entity spans", 3)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = tensorutil.ExpectShape(spans, "entity spans", batchSize, entities, 2); err != nil {
		return nil, nil, nil, err
	}
	sampleData, err := tensorutil.Bools(sampleMasks, "entity sample masks", 2)
	if err != nil {
		return nil, nil, nil, err
	}
	if err = tensorutil.ExpectShape(sampleMasks, "entity sample masks", batchSize, entities); err != nil {
		return nil, nil, nil, err
	}
	filtered, err := filterRelations(scores, spanData, sampleData, batchSize, entities, seqLen, types)
	if err != nil {
		return nil, nil, nil, err
	}
	return tensorutil.NewInt(filtered.index, batchSize, filtered.count, 2),
		tensorutil.NewBool(filtered.masks, batchSize, filtered.count, seqLen),
		tensorutil.NewBool(filtered.sampleMasks, batchSize, filtered.count),
		nil
}

func filterRelations(scores []float32, spans []int, sampleMasks []bool, batchSize, entities, seqLen, types int) (*filteredRelations, error) {
	if seqLen <= 0 {
		return nil, fmt.Errorf("%w: sequence length must be positive, got %d", ErrShapeMismatch, seqLen)
	}
	perExample := make([][]exampleRelation, batchSize)
	count := 1
	for b := 0; b < batchSize; b++ {
		var selected []int
		for n := 0; n < entities; n++ {
			i := b*entities + n
			if !sampleMasks[i] {
				continue
			}
			entityType, _, err := vectorutil.ArgMax(scores[i*types : (i+1)*types])
			if err != nil {
				return nil, err
			}
			if entityType != NoneEntityType {
				selected = append(selected, n)
			}
		}
		for _, head := range selected {
			for _, tail := range selected {
				if head == tail {
					continue
				}
				h, t := b*entities+head, b*entities+tail
				perExample[b] = append(perExample[b], exampleRelation{
					head: head,
					tail: tail,
					mask: sampling.RelationContextMask(
						[2]int{spans[2*h], spans[2*h+1]},
						[2]int{spans[2*t], spans[2*t+1]},
						seqLen,
					),
				})
			}
		}
		count = max(count, len(perExample[b]))
	}

	// rows left untouched are the (0, 0) placeholders with empty masks
	out := &filteredRelations{
		count:       count,
		index:       make([]int, batchSize*count*2),
		masks:       make([]bool, batchSize*count*seqLen),
		sampleMasks: make([]bool, batchSize*count),
	}
	for b, rels := range perExample {
		for r, rel := range rels {
			i := b*count + r
			out.index[2*i], out.index[2*i+1] = rel.head, rel.tail
			copy(out.masks[i*seqLen:(i+1)*seqLen], rel.mask)
			out.sampleMasks[i] = true
		}
	}
	return out, nil
}
