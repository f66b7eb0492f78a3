package models

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/layers"
	"github.com/knights-analytics/aspert/pooling"
	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/tensorutil"
	"github.com/knights-analytics/aspert/util/vectorutil"
)

// ASpERT jointly classifies candidate spans into entity types and candidate span
// pairs into relation types, using the hidden states and attention maps of an encoder.
type ASpERT struct {
	config  Config
	encoder backends.Encoder
	device  backends.Device
	info    backends.EncoderInfo

	sizeEmbeddings    *layers.Embedding
	entityClassifier1 *layers.Linear
	entityClassifier2 *layers.Linear
	relClassifier     *layers.Linear
	dropout           layers.Dropout

	rngMu sync.Mutex
	rng   *rand.Rand

	ForwardTimings *backends.Timings
}

// NewASpERT builds the classification heads for the dimensions reported by encoder.
// seed drives the weight initialisation and the dropout masks of Train mode.
func NewASpERT(config Config, encoder backends.Encoder, device backends.Device, seed uint64) (*ASpERT, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if encoder == nil {
		return nil, fmt.Errorf("%w: an encoder is required", ErrInvalidConfig)
	}
	info := encoder.Info()
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if device.Workers <= 0 {
		device.Workers = 1
	}
	hidden, attention, size := info.HiddenSize, info.AttentionWidth(), config.SizeEmbedding
	rng := rand.New(rand.NewSource(seed))
	m := &ASpERT{
		config:            config,
		encoder:           encoder,
		device:            device,
		info:              info,
		relClassifier:     layers.NewLinear(3*hidden+2*size+2*attention, config.RelationTypeCount(), rng),
		entityClassifier1: layers.NewLinear(2*hidden+size+attention, config.EntityHiddenSize, rng),
		entityClassifier2: layers.NewLinear(config.EntityHiddenSize, config.EntityTypeCount(), rng),
		sizeEmbeddings:    layers.NewEmbedding(sampling.MaxSizeBucket, size, rng),
		dropout:           layers.Dropout{P: config.PropDrop},
		rng:               rng,
		ForwardTimings:    &backends.Timings{},
	}
	return m, nil
}

func (m *ASpERT) Config() Config {
	return m.config
}

func (m *ASpERT) Device() backends.Device {
	return m.device
}

// Timings reports the calls to Forward.
func (m *ASpERT) Timings() *backends.Timings {
	return m.ForwardTimings
}

// forwardState holds what one Forward call shares between its stages. Slices are
// row-major views of (B, ...) tensors and are read-only once filled.
type forwardState struct {
	dims      *batchDims
	mode      Mode
	hidden    []float32   // (B, L, D)
	contexts  [][]float32 // (B) rows of D
	spanPool  []float32   // (B, N, D)
	attPool   []float32   // (B, N, H)
	sizeEmbed [][]float32 // (B*N) rows of S
}

// Forward runs the encoder once and scores the batch. In Train mode entity and
// relation logits are returned for the relations of the batch. In Inference mode
// relations are derived from the predicted entities, entity scores are softmax
// probabilities and relation scores are sigmoid probabilities, zero on padding rows.
func (m *ASpERT) Forward(ctx context.Context, batch *Batch, mode Mode) (*Output, error) {
	defer m.ForwardTimings.Track(time.Now())

	dims, err := batch.validate(mode)
	if err != nil {
		return nil, err
	}
	state, err := m.encode(ctx, batch, dims, mode)
	if err != nil {
		return nil, err
	}
	entityScores, err := m.classifyEntities(ctx, state)
	if err != nil {
		return nil, err
	}

	output := &Output{}
	var relIndex []int
	var relMask, relSample []bool
	switch mode {
	case Train:
		relIndex, relMask = dims.relIndex, dims.relMask
		output.Relations = batch.Relations
		output.RelationMasks = batch.RelationMasks
		output.RelationSampleMasks = batch.RelationSampleMasks
	case Inference:
		var filtered *filteredRelations
		filtered, err = filterRelations(entityScores, dims.spans, dims.sampleMask, dims.batchSize, dims.entities, dims.seqLen, m.config.EntityTypeCount())
		if err != nil {
			return nil, err
		}
		dims.relations = filtered.count
		relIndex, relMask, relSample = filtered.index, filtered.masks, filtered.sampleMasks
		output.Relations = tensorutil.NewInt(relIndex, dims.batchSize, dims.relations, 2)
		output.RelationMasks = tensorutil.NewBool(relMask, dims.batchSize, dims.relations, dims.seqLen)
		output.RelationSampleMasks = tensorutil.NewBool(relSample, dims.batchSize, dims.relations)
	}

	relationScores, err := m.classifyRelations(ctx, state, relIndex, relMask)
	if err != nil {
		return nil, err
	}

	if mode == Inference {
		types := m.config.RelationTypeCount()
		for i, valid := range relSample {
			if !valid {
				clear(relationScores[i*types : (i+1)*types])
			}
		}
		entityTypes := m.config.EntityTypeCount()
		for i := 0; i < dims.batchSize*dims.entities; i++ {
			row := entityScores[i*entityTypes : (i+1)*entityTypes]
			vectorutil.SoftMaxInto(row, row)
		}
	}
	output.EntityScores = tensorutil.NewFloat32(entityScores, dims.batchSize, dims.entities, m.config.EntityTypeCount())
	output.RelationScores = tensorutil.NewFloat32(relationScores, dims.batchSize, dims.relations, m.config.RelationTypeCount())
	return output, nil
}

// encode runs the encoder and computes the per-candidate features both heads share.
func (m *ASpERT) encode(ctx context.Context, batch *Batch, dims *batchDims, mode Mode) (*forwardState, error) {
	encoded, err := m.encoder.Encode(ctx, batch.Encodings, batch.ContextMasks)
	if err != nil {
		return nil, err
	}
	if err = encoded.Validate(dims.batchSize, dims.seqLen, m.info); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrShapeMismatch, err)
	}
	att, err := backends.ConcatAttentions(encoded.Attentions)
	if err != nil {
		return nil, err
	}
	if err = tensorutil.ExpectShape(att, "attentions", dims.batchSize, dims.seqLen, dims.seqLen, m.info.AttentionWidth()); err != nil {
		return nil, err
	}

	state := &forwardState{dims: dims, mode: mode}
	if state.hidden, err = tensorutil.Float32s(encoded.Hidden, "hidden states", 3); err != nil {
		return nil, err
	}
	if state.contexts, err = m.contextVectors(dims, state.hidden); err != nil {
		return nil, err
	}
	spanPool, err := pooling.SpanMaxPool(encoded.Hidden, batch.EntityMasks)
	if err != nil {
		return nil, err
	}
	state.spanPool = spanPool.Data().([]float32)
	attPool, err := pooling.AttentionPool(ctx, att, batch.EntityMasks, m.config.AttentionChunk, m.device.Workers)
	if err != nil {
		return nil, err
	}
	state.attPool = attPool.Data().([]float32)
	state.sizeEmbed = make([][]float32, len(dims.sizes))
	for i, size := range dims.sizes {
		if state.sizeEmbed[i], err = m.sizeEmbeddings.Row(size); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSizeBucket, err)
		}
	}
	return state, nil
}

// contextVectors returns the hidden state at the first context token of each example.
func (m *ASpERT) contextVectors(dims *batchDims, hidden []float32) ([][]float32, error) {
	dim := m.info.HiddenSize
	contexts := make([][]float32, dims.batchSize)
	for b := 0; b < dims.batchSize; b++ {
		for l, id := range dims.encodings[b*dims.seqLen : (b+1)*dims.seqLen] {
			if id == m.config.ContextTokenID {
				offset := (b*dims.seqLen + l) * dim
				contexts[b] = hidden[offset : offset+dim]
				break
			}
		}
		if contexts[b] == nil {
			return nil, fmt.Errorf("%w: token id %d missing from example %d", ErrMissingContextToken, m.config.ContextTokenID, b)
		}
	}
	return contexts, nil
}

// chunkSources returns one random source per chunk in Train mode and nil otherwise,
// so dropout masks do not depend on the order chunks run in.
func (m *ASpERT) chunkSources(mode Mode, total, chunkSize int) []rand.Source {
	chunks := (total + chunkSize - 1) / chunkSize
	sources := make([]rand.Source, chunks)
	if mode != Train || m.dropout.P == 0 {
		return sources
	}
	m.rngMu.Lock()
	defer m.rngMu.Unlock()
	for i := range sources {
		sources[i] = rand.NewSource(m.rng.Uint64())
	}
	return sources
}

// classifyEntities returns (B, N, E) logits. Each candidate is represented by the
// context vector, its pooled span, its size embedding and its pooled attention.
func (m *ASpERT) classifyEntities(ctx context.Context, st *forwardState) ([]float32, error) {
	dims := st.dims
	hidden, attention, size := m.info.HiddenSize, m.info.AttentionWidth(), m.config.SizeEmbedding
	reprSize := m.entityClassifier1.In
	types := m.config.EntityTypeCount()
	total := dims.batchSize * dims.entities
	logits := make([]float32, total*types)
	chunkSize := m.config.AttentionChunk
	sources := m.chunkSources(st.mode, total, chunkSize)

	err := pooling.ForEachChunk(ctx, total, chunkSize, m.device.Workers, func(start, end int) error {
		repr := make([]float32, reprSize)
		intermediate := make([]float32, m.entityClassifier1.Out)
		source := sources[start/chunkSize]
		for i := start; i < end; i++ {
			b := i / dims.entities
			copy(repr, st.contexts[b])
			copy(repr[hidden:], st.spanPool[i*hidden:(i+1)*hidden])
			copy(repr[2*hidden:], st.sizeEmbed[i])
			copy(repr[2*hidden+size:], st.attPool[i*attention:(i+1)*attention])
			m.dropout.Apply(repr, source)
			if err := m.entityClassifier1.Apply(intermediate, repr); err != nil {
				return err
			}
			vectorutil.ReLU(intermediate)
			if err := m.entityClassifier2.Apply(logits[i*types:(i+1)*types], intermediate); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return logits, nil
}

// classifyRelations returns (B, R, T) scores for the relation candidates relIndex
// (B, R, 2) with context masks relMask (B, R, L). Candidates are processed in chunks
// of MaxPairs along R, each chunk writing its own rows. In Inference mode the
// sigmoid is applied per chunk.
func (m *ASpERT) classifyRelations(ctx context.Context, st *forwardState, relIndex []int, relMask []bool) ([]float32, error) {
	dims := st.dims
	hidden, attention, size := m.info.HiddenSize, m.info.AttentionWidth(), m.config.SizeEmbedding
	types := m.config.RelationTypeCount()
	reprSize := m.relClassifier.In
	scores := make([]float32, dims.batchSize*dims.relations*types)
	chunkSize := m.config.MaxPairs
	sources := m.chunkSources(st.mode, dims.relations, chunkSize)

	err := pooling.ForEachChunk(ctx, dims.relations, chunkSize, m.device.Workers, func(start, end int) error {
		repr := make([]float32, reprSize)
		source := sources[start/chunkSize]
		for b := 0; b < dims.batchSize; b++ {
			example := st.hidden[b*dims.seqLen*hidden : (b+1)*dims.seqLen*hidden]
			for r := start; r < end; r++ {
				i := b*dims.relations + r
				head := b*dims.entities + relIndex[2*i]
				tail := b*dims.entities + relIndex[2*i+1]

				pooling.ContextPoolInto(repr[:hidden], example, relMask[i*dims.seqLen:(i+1)*dims.seqLen], hidden)
				offset := hidden
				for _, entity := range [2]int{head, tail} {
					copy(repr[offset:], st.spanPool[entity*hidden:(entity+1)*hidden])
					offset += hidden
				}
				for _, entity := range [2]int{head, tail} {
					copy(repr[offset:], st.sizeEmbed[entity])
					offset += size
				}
				for _, entity := range [2]int{head, tail} {
					copy(repr[offset:], st.attPool[entity*attention:(entity+1)*attention])
					offset += attention
				}
				m.dropout.Apply(repr, source)

				row := scores[i*types : (i+1)*types]
				if err := m.relClassifier.Apply(row, repr); err != nil {
					return err
				}
				if st.mode == Inference {
					vectorutil.Sigmoid(row)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scores, nil
}
