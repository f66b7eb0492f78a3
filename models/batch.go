package models

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/tensorutil"
)

// Mode selects how Forward sources relation candidates and normalises its scores.
type Mode int

const (
	// Train scores the relations given in the batch and returns raw logits.
	Train Mode = iota
	// Inference derives relations from the entity predictions and returns probabilities.
	Inference
)

func (m Mode) String() string {
	switch m {
	case Train:
		return "train"
	case Inference:
		return "inference"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Batch is a padded set of examples. B is the batch size, L the sequence length,
// N the number of entity candidates and R the number of relation candidates.
type Batch struct {
	Encodings    *tensor.Dense // Int (B, L)
	ContextMasks *tensor.Dense // Bool (B, L)
	EntityMasks  *tensor.Dense // Bool (B, N, L)
	EntitySizes  *tensor.Dense // Int (B, N), each < sampling.MaxSizeBucket
	// EntitySpans is Int (B, N, 2) token [start, end). Inference derives it from
	// EntityMasks when nil.
	EntitySpans       *tensor.Dense
	EntitySampleMasks *tensor.Dense // Bool (B, N)
	// Relations (Int (B, R, 2)) and RelationMasks (Bool (B, R, L)) are only read in Train mode.
	Relations           *tensor.Dense
	RelationMasks       *tensor.Dense
	RelationSampleMasks *tensor.Dense // Bool (B, R), for the external loss
}

// Output holds the scores of one Forward call.
type Output struct {
	// EntityScores is Float32 (B, N, E): logits in Train mode, softmax in Inference mode.
	EntityScores *tensor.Dense
	// RelationScores is Float32 (B, R, T): logits in Train mode, masked sigmoid in Inference mode.
	RelationScores *tensor.Dense
	// Relations is Int (B, R, 2), the candidates RelationScores refer to.
	Relations *tensor.Dense
	// RelationMasks is Bool (B, R, L), the context tokens of each relation.
	RelationMasks *tensor.Dense
	// RelationSampleMasks is Bool (B, R). Nil in Train mode unless the batch carried one.
	RelationSampleMasks *tensor.Dense
}

type batchDims struct {
	batchSize  int
	seqLen     int
	entities   int
	relations  int
	encodings  []int
	entityMask []bool
	sizes      []int
	spans      []int
	sampleMask []bool
	relIndex   []int
	relMask    []bool
}

// validate checks every tensor the mode reads and returns their backing slices.
func (b *Batch) validate(mode Mode) (*batchDims, error) {
	d := &batchDims{}
	var err error
	if d.encodings, err = tensorutil.Ints(b.Encodings, "encodings", 2); err != nil {
		return nil, err
	}
	d.batchSize, d.seqLen = b.Encodings.Shape()[0], b.Encodings.Shape()[1]
	if err = tensorutil.ExpectShape(b.ContextMasks, "context masks", d.batchSize, d.seqLen); err != nil {
		return nil, err
	}
	if d.entityMask, err = tensorutil.Bools(b.EntityMasks, "entity masks", 3); err != nil {
		return nil, err
	}
	d.entities = b.EntityMasks.Shape()[1]
	if err = tensorutil.ExpectShape(b.EntityMasks, "entity masks", d.batchSize, d.entities, d.seqLen); err != nil {
		return nil, err
	}
	if d.sizes, err = tensorutil.Ints(b.EntitySizes, "entity sizes", 2); err != nil {
		return nil, err
	}
	if err = tensorutil.ExpectShape(b.EntitySizes, "entity sizes", d.batchSize, d.entities); err != nil {
		return nil, err
	}
	for i, size := range d.sizes {
		if size < 0 || size >= sampling.MaxSizeBucket {
			return nil, fmt.Errorf("%w: candidate %d of example %d has size %d, buckets are [0, %d)",
				ErrInvalidSizeBucket, i%d.entities, i/d.entities, size, sampling.MaxSizeBucket)
		}
	}

	switch mode {
	case Train:
		if d.relIndex, err = tensorutil.Ints(b.Relations, "relations", 3); err != nil {
			return nil, err
		}
		d.relations = b.Relations.Shape()[1]
		if err = tensorutil.ExpectShape(b.Relations, "relations", d.batchSize, d.relations, 2); err != nil {
			return nil, err
		}
		if d.relMask, err = tensorutil.Bools(b.RelationMasks, "relation masks", 3); err != nil {
			return nil, err
		}
		if err = tensorutil.ExpectShape(b.RelationMasks, "relation masks", d.batchSize, d.relations, d.seqLen); err != nil {
			return nil, err
		}
		for i, index := range d.relIndex {
			if index < 0 || index >= d.entities {
				return nil, fmt.Errorf("%w: relation %d refers to entity %d, batch has %d",
					ErrShapeMismatch, i/2, index, d.entities)
			}
		}
	case Inference:
		if d.sampleMask, err = tensorutil.Bools(b.EntitySampleMasks, "entity sample masks", 2); err != nil {
			return nil, err
		}
		if err = tensorutil.ExpectShape(b.EntitySampleMasks, "entity sample masks", d.batchSize, d.entities); err != nil {
			return nil, err
		}
		if b.EntitySpans == nil {
			d.spans = spansFromMasks(d.entityMask, d.seqLen)
			break
		}
		if d.spans, err = tensorutil.Ints(b.EntitySpans, "entity spans", 3); err != nil {
			return nil, err
		}
		if err = tensorutil.ExpectShape(b.EntitySpans, "entity spans", d.batchSize, d.entities, 2); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown mode %v", mode)
	}
	return d, nil
}

// spansFromMasks returns [first, last+1) of each mask, (0, 0) for empty masks.
func spansFromMasks(masks []bool, seqLen int) []int {
	candidates := len(masks) / seqLen
	spans := make([]int, candidates*2)
	for i := 0; i < candidates; i++ {
		first, last := -1, -1
		for l, m := range masks[i*seqLen : (i+1)*seqLen] {
			if m {
				if first < 0 {
					first = l
				}
				last = l
			}
		}
		if first >= 0 {
			spans[2*i], spans[2*i+1] = first, last+1
		}
	}
	return spans
}

// Collate pads samples into one batch. Encodings are padded with padTokenID; every
// example keeps at least one entity and one relation row so no dimension is empty,
// with padding rows flagged false in the sample masks.
func Collate(samples []sampling.Sample, padTokenID int) (*Batch, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: no samples to collate", ErrShapeMismatch)
	}
	seqLen, entities, relations := 1, 1, 1
	for i, s := range samples {
		if len(s.ContextMask) != len(s.Encoding) {
			return nil, fmt.Errorf("%w: sample %d has %d tokens and a context mask of %d",
				ErrShapeMismatch, i, len(s.Encoding), len(s.ContextMask))
		}
		if len(s.EntitySizes) != len(s.EntityMasks) || len(s.EntitySpans) != len(s.EntityMasks) {
			return nil, fmt.Errorf("%w: sample %d has %d entity masks, %d sizes and %d spans",
				ErrShapeMismatch, i, len(s.EntityMasks), len(s.EntitySizes), len(s.EntitySpans))
		}
		if len(s.RelationMasks) != len(s.Relations) {
			return nil, fmt.Errorf("%w: sample %d has %d relations and %d relation masks",
				ErrShapeMismatch, i, len(s.Relations), len(s.RelationMasks))
		}
		seqLen = max(seqLen, len(s.Encoding))
		entities = max(entities, len(s.EntityMasks))
		relations = max(relations, len(s.Relations))
	}
	batchSize := len(samples)
	encodings := make([]int, batchSize*seqLen)
	contextMasks := make([]bool, batchSize*seqLen)
	entityMasks := make([]bool, batchSize*entities*seqLen)
	entitySizes := make([]int, batchSize*entities)
	entitySpans := make([]int, batchSize*entities*2)
	entitySampleMasks := make([]bool, batchSize*entities)
	relationIndex := make([]int, batchSize*relations*2)
	relationMasks := make([]bool, batchSize*relations*seqLen)
	relationSampleMasks := make([]bool, batchSize*relations)

	for b, s := range samples {
		for l := 0; l < seqLen; l++ {
			encodings[b*seqLen+l] = padTokenID
		}
		copy(encodings[b*seqLen:], s.Encoding)
		copy(contextMasks[b*seqLen:], s.ContextMask)
		for n := range s.EntityMasks {
			i := b*entities + n
			copy(entityMasks[i*seqLen:(i+1)*seqLen], s.EntityMasks[n])
			entitySizes[i] = s.EntitySizes[n]
			entitySpans[2*i], entitySpans[2*i+1] = s.EntitySpans[n][0], s.EntitySpans[n][1]
			entitySampleMasks[i] = true
		}
		for r := range s.Relations {
			i := b*relations + r
			relationIndex[2*i], relationIndex[2*i+1] = s.Relations[r][0], s.Relations[r][1]
			copy(relationMasks[i*seqLen:(i+1)*seqLen], s.RelationMasks[r])
			relationSampleMasks[i] = true
		}
	}
	return &Batch{
		Encodings:           tensorutil.NewInt(encodings, batchSize, seqLen),
		ContextMasks:        tensorutil.NewBool(contextMasks, batchSize, seqLen),
		EntityMasks:         tensorutil.NewBool(entityMasks, batchSize, entities, seqLen),
		EntitySizes:         tensorutil.NewInt(entitySizes, batchSize, entities),
		EntitySpans:         tensorutil.NewInt(entitySpans, batchSize, entities, 2),
		EntitySampleMasks:   tensorutil.NewBool(entitySampleMasks, batchSize, entities),
		Relations:           tensorutil.NewInt(relationIndex, batchSize, relations, 2),
		RelationMasks:       tensorutil.NewBool(relationMasks, batchSize, relations, seqLen),
		RelationSampleMasks: tensorutil.NewBool(relationSampleMasks, batchSize, relations),
	}, nil
}
