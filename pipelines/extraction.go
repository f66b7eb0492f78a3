package pipelines

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/phuslu/log"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/models"
	"github.com/knights-analytics/aspert/options"
	"github.com/knights-analytics/aspert/sampling"
	"github.com/knights-analytics/aspert/util/fileutil"
	"github.com/knights-analytics/aspert/util/vectorutil"
)

const (
	// ConfigFilename is looked up in the model directory, first as json then as yaml.
	ConfigFilename = "aspert_config"
	// WeightsDirname holds one .npy file per head parameter.
	WeightsDirname = "weights"
	// DefaultBatchSize is the number of documents sent through the encoder at once.
	DefaultBatchSize = 8
)

// WordTokenizer turns pre-split words into the token ids the encoder reads.
type WordTokenizer interface {
	TokenizeWords(raw string, words []string, offsets [][2]int) (backends.TokenizedInput, error)
	ContextTokenID() int
}

// ExtractionPipeline finds typed entities and the typed relations between them.
// Every span of up to MaxSpanSize words is scored as an entity candidate, and
// relations are scored between every ordered pair of predicted entities.
type ExtractionPipeline struct {
	*backends.BasePipeline
	Tokenizer         WordTokenizer
	Encoder           backends.Encoder
	ASpERT            models.Model
	ModelConfig       models.Config
	Device            backends.Device
	ConfigPath        string
	WeightsDir        string
	BatchSize         int
	MaxSpanSize       int
	RelationThreshold float32
	Seed              uint64
	documents         uint64
	entities          uint64
	relations         uint64
}

// Entity is a labeled span of the input text. Start and End are byte offsets into
// the input, Words the word range [start, end).
type Entity struct {
	Label string
	Text  string
	Start int
	End   int
	Words [2]int
	Score float32
}

// Relation links two entities of the same result by index.
type Relation struct {
	Label string
	Head  int
	Tail  int
	Score float32
}

type ExtractionResult struct {
	Entities  []Entity
	Relations []Relation
}

type ExtractionOutput struct {
	Results []ExtractionResult
}

func (o *ExtractionOutput) GetOutput() []any {
	out := make([]any, len(o.Results))
	for i, result := range o.Results {
		out[i] = any(result)
	}
	return out
}

// options

// WithModelConfig replaces the configuration otherwise read from the model directory.
func WithModelConfig(config models.Config) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		pipeline.ModelConfig = config
		return nil
	}
}

// WithConfigPath reads the model configuration from a json or yaml file.
func WithConfigPath(path string) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		pipeline.ConfigPath = path
		return nil
	}
}

// WithWeights loads the head weights from dir instead of the weights folder of the model.
func WithWeights(dir string) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		pipeline.WeightsDir = dir
		return nil
	}
}

func WithBatchSize(size int) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		if size <= 0 {
			return fmt.Errorf("batch size must be positive, got %d", size)
		}
		pipeline.BatchSize = size
		return nil
	}
}

// WithMaxSpanSize overrides the longest candidate span, in words.
func WithMaxSpanSize(size int) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		if size <= 0 || size >= sampling.MaxSizeBucket {
			return fmt.Errorf("max span size must be in [1, %d), got %d", sampling.MaxSizeBucket, size)
		}
		pipeline.MaxSpanSize = size
		return nil
	}
}

// WithRelationThreshold sets the score a relation type needs to be reported.
func WithRelationThreshold(threshold float32) backends.PipelineOption[*ExtractionPipeline] {
	return func(pipeline *ExtractionPipeline) error {
		if threshold < 0 || threshold >= 1 {
			return fmt.Errorf("relation threshold must be in [0, 1), got %g", threshold)
		}
		pipeline.RelationThreshold = threshold
		return nil
	}
}

// NewExtractionPipeline initializes an extraction pipeline over an encoder model directory.
// The directory must also hold aspert_config.json or aspert_config.yaml and a weights folder,
// unless they are given through options.
func NewExtractionPipeline(config backends.PipelineConfig[*ExtractionPipeline], s *options.Options, model *backends.Model) (*ExtractionPipeline, error) {
	defaultPipeline, err := backends.NewBasePipeline(config, s, model)
	if err != nil {
		return nil, err
	}
	pipeline := &ExtractionPipeline{
		BasePipeline: defaultPipeline,
		Encoder:      model,
		Device:       backends.CPU(s.Workers),
		Seed:         s.Seed,
	}
	if model.Tokenizer != nil {
		pipeline.Tokenizer = model.Tokenizer
	}
	for _, o := range config.Options {
		if err = o(pipeline); err != nil {
			return nil, err
		}
	}

	ctx := context.Background()
	if len(pipeline.ModelConfig.EntityTypes) == 0 {
		if pipeline.ModelConfig, err = loadModelConfig(ctx, model.Path, pipeline.ConfigPath); err != nil {
			return nil, err
		}
	}
	if pipeline.WeightsDir == "" {
		pipeline.WeightsDir = fileutil.PathJoinSafe(model.Path, WeightsDirname)
	}
	if err = pipeline.build(); err != nil {
		return nil, err
	}
	if err = pipeline.ASpERT.LoadWeights(ctx, pipeline.WeightsDir); err != nil {
		return nil, err
	}
	log.Info().Str("pipeline", pipeline.PipelineName).Str("model", model.Path).
		Str("device", pipeline.Device.String()).Msg("extraction pipeline ready")
	return pipeline, nil
}

func loadModelConfig(ctx context.Context, modelPath, configPath string) (models.Config, error) {
	if configPath != "" {
		return models.LoadConfig(ctx, configPath)
	}
	for _, ext := range []string{".json", ".yaml", ".yml"} {
		path := fileutil.PathJoinSafe(modelPath, ConfigFilename+ext)
		exists, err := fileutil.FileExists(ctx, path)
		if err != nil {
			return models.Config{}, err
		}
		if exists {
			return models.LoadConfig(ctx, path)
		}
	}
	return models.Config{}, fmt.Errorf("no %s.json or %s.yaml found at %s", ConfigFilename, ConfigFilename, modelPath)
}

// build resolves the defaults that depend on the tokenizer and creates the heads.
func (p *ExtractionPipeline) build() error {
	if p.Tokenizer == nil {
		return errors.New("extraction pipeline requires a tokenizer")
	}
	if p.ModelConfig.ContextTokenID == models.UnsetTokenID {
		p.ModelConfig.ContextTokenID = p.Tokenizer.ContextTokenID()
	}
	if p.MaxSpanSize == 0 {
		p.MaxSpanSize = p.ModelConfig.MaxSpanSize
	}
	if p.RelationThreshold == 0 {
		p.RelationThreshold = p.ModelConfig.RelFilterThreshold
	}
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.ModelConfig.ModelType == "" {
		p.ModelConfig.ModelType = models.ASpERTName
	}
	if err := p.Validate(); err != nil {
		return err
	}
	model, err := models.New(p.ModelConfig.ModelType, p.ModelConfig, p.Encoder, p.Device, p.Seed)
	if err != nil {
		return err
	}
	p.ASpERT = model
	return nil
}

// INTERFACE IMPLEMENTATION

func (p *ExtractionPipeline) GetModel() *backends.Model {
	return p.Model
}

// GetStatistics returns the runtime statistics for the pipeline.
func (p *ExtractionPipeline) GetStatistics() backends.PipelineStatistics {
	statistics := backends.PipelineStatistics{}
	if tk, ok := p.Tokenizer.(*backends.Tokenizer); ok {
		statistics.ComputeTokenizerStatistics(tk.TokenizerTimings)
	}
	if p.Model != nil && p.Model.EncoderTimings != nil {
		statistics.ComputeEncoderStatistics(p.Model.EncoderTimings)
	}
	if p.ASpERT != nil {
		statistics.ComputeForwardStatistics(p.ASpERT.Timings())
	}
	statistics.TotalDocuments = atomic.LoadUint64(&p.documents)
	statistics.TotalEntities = atomic.LoadUint64(&p.entities)
	statistics.TotalRelations = atomic.LoadUint64(&p.relations)
	return statistics
}

// Validate checks that the pipeline is valid.
func (p *ExtractionPipeline) Validate() error {
	var validationErrors []error
	if p.Tokenizer == nil {
		validationErrors = append(validationErrors, errors.New("extraction pipeline requires a tokenizer"))
	}
	if p.Encoder == nil {
		validationErrors = append(validationErrors, errors.New("extraction pipeline requires an encoder"))
	}
	if len(p.ModelConfig.EntityTypes) > 0 && p.ModelConfig.EntityTypes[models.NoneEntityType] != models.NoneEntityLabel {
		validationErrors = append(validationErrors, fmt.Errorf("the first entity type must be %q, got %q",
			models.NoneEntityLabel, p.ModelConfig.EntityTypes[models.NoneEntityType]))
	}
	if err := p.ModelConfig.Validate(); err != nil {
		validationErrors = append(validationErrors, err)
	}
	if p.MaxSpanSize <= 0 || p.MaxSpanSize >= sampling.MaxSizeBucket {
		validationErrors = append(validationErrors, fmt.Errorf("max span size must be in [1, %d), got %d", sampling.MaxSizeBucket, p.MaxSpanSize))
	}
	if p.BatchSize <= 0 {
		validationErrors = append(validationErrors, fmt.Errorf("batch size must be positive, got %d", p.BatchSize))
	}
	return errors.Join(validationErrors...)
}

// Run splits each input into words and extracts its entities and relations.
func (p *ExtractionPipeline) Run(ctx context.Context, inputs []string) (backends.PipelineBatchOutput, error) {
	output, err := p.RunPipeline(ctx, inputs)
	if err != nil {
		return nil, err
	}
	return output, nil
}

// RunPipeline is like Run but returns the concrete output type.
func (p *ExtractionPipeline) RunPipeline(ctx context.Context, inputs []string) (*ExtractionOutput, error) {
	words := make([][]string, len(inputs))
	offsets := make([][][2]int, len(inputs))
	for i, input := range inputs {
		words[i], offsets[i] = SplitWords(input)
	}
	return p.run(ctx, inputs, words, offsets)
}

// RunWords extracts from pre-split words. Inputs are rebuilt by joining the words with
// single spaces, and entity offsets refer to that text.
func (p *ExtractionPipeline) RunWords(ctx context.Context, inputs [][]string) (*ExtractionOutput, error) {
	raws := make([]string, len(inputs))
	offsets := make([][][2]int, len(inputs))
	for i, words := range inputs {
		raws[i], offsets[i] = JoinWords(words)
	}
	return p.run(ctx, raws, inputs, offsets)
}

func (p *ExtractionPipeline) run(ctx context.Context, raws []string, words [][]string, offsets [][][2]int) (*ExtractionOutput, error) {
	defer p.PipelineTimings.Track(time.Now())
	output := &ExtractionOutput{Results: make([]ExtractionResult, 0, len(raws))}
	for start := 0; start < len(raws); start += p.BatchSize {
		end := min(start+p.BatchSize, len(raws))
		batch, err := p.Preprocess(raws[start:end], words[start:end], offsets[start:end])
		if err != nil {
			return nil, err
		}
		if err = p.Forward(ctx, batch); err != nil {
			return nil, err
		}
		results, err := p.Postprocess(batch)
		if err != nil {
			return nil, err
		}
		output.Results = append(output.Results, results...)
	}
	return output, nil
}

// ExtractionBatch carries a group of documents through the pipeline stages.
type ExtractionBatch struct {
	Inputs     []backends.TokenizedInput
	Candidates [][]sampling.Candidate
	Batch      *models.Batch
	Output     *models.Output
}

// Preprocess tokenizes the words of each input and enumerates its candidate spans.
func (p *ExtractionPipeline) Preprocess(raws []string, words [][]string, offsets [][][2]int) (*ExtractionBatch, error) {
	batch := &ExtractionBatch{
		Inputs:     make([]backends.TokenizedInput, len(raws)),
		Candidates: make([][]sampling.Candidate, len(raws)),
	}
	samples := make([]sampling.Sample, len(raws))
	for i, raw := range raws {
		input, err := p.Tokenizer.TokenizeWords(raw, words[i], offsets[i])
		if err != nil {
			return nil, fmt.Errorf("tokenizing input %d: %w", i, err)
		}
		encoding := make([]int, len(input.TokenIDs))
		for t, id := range input.TokenIDs {
			encoding[t] = int(id)
		}
		batch.Inputs[i] = input
		samples[i], batch.Candidates[i] = sampling.NewEvalSample(encoding, input.WordSpans, p.MaxSpanSize)
	}
	collated, err := models.Collate(samples, int(p.Encoder.Info().PadTokenID))
	if err != nil {
		return nil, err
	}
	batch.Batch = collated
	return batch, nil
}

// Forward scores the candidates of the batch.
func (p *ExtractionPipeline) Forward(ctx context.Context, batch *ExtractionBatch) error {
	output, err := p.ASpERT.Forward(ctx, batch.Batch, models.Inference)
	if err != nil {
		return err
	}
	batch.Output = output
	return nil
}

// Postprocess maps the scores back onto labeled entities and relations. A candidate
// is an entity when its best type is not the none type, and a relation type is kept
// when its score exceeds RelationThreshold.
func (p *ExtractionPipeline) Postprocess(batch *ExtractionBatch) ([]ExtractionResult, error) {
	if batch.Output == nil {
		return nil, errors.New("batch has not been forwarded")
	}
	entityTypes := p.ModelConfig.EntityTypeCount()
	relationTypes := p.ModelConfig.RelationTypeCount()
	entityScores := batch.Output.EntityScores.Data().([]float32)
	relationScores := batch.Output.RelationScores.Data().([]float32)
	relationIndex := batch.Output.Relations.Data().([]int)
	relationValid := batch.Output.RelationSampleMasks.Data().([]bool)
	candidates := batch.Output.EntityScores.Shape()[1]
	relations := batch.Output.RelationScores.Shape()[1]

	results := make([]ExtractionResult, len(batch.Inputs))
	for b, input := range batch.Inputs {
		// candidate index to entity index in the result
		entityIndex := map[int]int{}
		for n, candidate := range batch.Candidates[b] {
			row := entityScores[(b*candidates+n)*entityTypes : (b*candidates+n+1)*entityTypes]
			label, score, err := vectorutil.ArgMax(row)
			if err != nil {
				return nil, err
			}
			if label == models.NoneEntityType {
				continue
			}
			start := input.WordOffsets[candidate.Words[0]][0]
			end := input.WordOffsets[candidate.Words[1]-1][1]
			entityIndex[n] = len(results[b].Entities)
			results[b].Entities = append(results[b].Entities, Entity{
				Label: p.ModelConfig.EntityTypes[label],
				Text:  input.Raw[start:end],
				Start: start,
				End:   end,
				Words: candidate.Words,
				Score: score,
			})
		}
		for r := 0; r < relations; r++ {
			i := b*relations + r
			if !relationValid[i] {
				continue
			}
			head, headOK := entityIndex[relationIndex[2*i]]
			tail, tailOK := entityIndex[relationIndex[2*i+1]]
			if !headOK || !tailOK {
				continue
			}
			for t, score := range relationScores[i*relationTypes : (i+1)*relationTypes] {
				if score > p.RelationThreshold {
					results[b].Relations = append(results[b].Relations, Relation{
						Label: p.ModelConfig.RelationTypes[t],
						Head:  head,
						Tail:  tail,
						Score: score,
					})
				}
			}
		}
		atomic.AddUint64(&p.entities, uint64(len(results[b].Entities)))
		atomic.AddUint64(&p.relations, uint64(len(results[b].Relations)))
	}
	atomic.AddUint64(&p.documents, uint64(len(batch.Inputs)))
	return results, nil
}
