package backends

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"

	"github.com/knights-analytics/aspert/options"
	"github.com/knights-analytics/aspert/util/safeconv"
)

// BasePipeline can be embedded by a pipeline.
type BasePipeline struct {
	Model           *Model
	PipelineTimings *Timings
	PipelineName    string
	Runtime         string
}

type PipelineBatchOutput interface {
	GetOutput() []any
}

// Pipeline is the interface that any pipeline must implement.
type Pipeline interface {
	GetStatistics() PipelineStatistics                                      // Get the pipeline running statistics
	Validate() error                                                        // Validate the pipeline for correctness
	GetModel() *Model                                                       // Return the model used by the pipeline
	Run(ctx context.Context, inputs []string) (PipelineBatchOutput, error) // Run the pipeline on an input
}

// PipelineOption is an option for a pipeline type.
type PipelineOption[T Pipeline] func(eo T) error

// PipelineConfig is a configuration for a pipeline type that can be used
// to create that pipeline.
type PipelineConfig[T Pipeline] struct {
	ModelPath    string
	Name         string
	OnnxFilename string
	Options      []PipelineOption[T]
}

func NewBasePipeline[T Pipeline](config PipelineConfig[T], s *options.Options, model *Model) (*BasePipeline, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("a name for the pipeline is required")
	}
	pipeline := &BasePipeline{}
	pipeline.Runtime = s.Backend
	pipeline.PipelineName = config.Name
	pipeline.Model = model
	pipeline.PipelineTimings = &Timings{}
	return pipeline, nil
}

type InputOutputInfo struct {
	// The name of the input or output
	Name string
	// The input or output's dimensions, if it's a tensor. This should be
	// ignored for non-tensor types.
	Dimensions Shape
}

type Shape []int64

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int64(s))
}

func (s Shape) ValuesInt() []int {
	output := make([]int, len(s))
	for i, v := range s {
		output[i] = int(v)
	}
	return output
}

func GetNames(info []InputOutputInfo) []string {
	names := make([]string, 0, len(info))
	for _, v := range info {
		names = append(names, v.Name)
	}
	return names
}

// Timings accumulates call counts and wall time. Safe for concurrent use.
type Timings struct {
	NumCalls uint64
	TotalNS  uint64
}

// Track records one call that started at start.
func (t *Timings) Track(start time.Time) {
	atomic.AddUint64(&t.NumCalls, 1)
	atomic.AddUint64(&t.TotalNS, safeconv.DurationToU64(time.Since(start)))
}

func (t *Timings) snapshot() (uint64, uint64) {
	return atomic.LoadUint64(&t.NumCalls), atomic.LoadUint64(&t.TotalNS)
}

type PipelineStatistics struct {
	TokenizerTotalTime      time.Duration
	TokenizerExecutionCount uint64
	TokenizerAvgQueryTime   time.Duration
	EncoderTotalTime        time.Duration
	EncoderExecutionCount   uint64
	EncoderAvgQueryTime     time.Duration
	ForwardTotalTime        time.Duration
	ForwardExecutionCount   uint64
	ForwardAvgQueryTime     time.Duration
	TotalDocuments          uint64
	TotalEntities           uint64
	TotalRelations          uint64
}

func average(timings *Timings) (time.Duration, uint64, time.Duration) {
	calls, total := timings.snapshot()
	return safeconv.U64ToDuration(total), calls, time.Duration(float64(total) / math.Max(1, float64(calls)))
}

func (p *PipelineStatistics) ComputeTokenizerStatistics(timings *Timings) {
	p.TokenizerTotalTime, p.TokenizerExecutionCount, p.TokenizerAvgQueryTime = average(timings)
}

func (p *PipelineStatistics) ComputeEncoderStatistics(timings *Timings) {
	p.EncoderTotalTime, p.EncoderExecutionCount, p.EncoderAvgQueryTime = average(timings)
}

func (p *PipelineStatistics) ComputeForwardStatistics(timings *Timings) {
	p.ForwardTotalTime, p.ForwardExecutionCount, p.ForwardAvgQueryTime = average(timings)
}

// Log writes the statistics at info level.
func (p *PipelineStatistics) Log(name string) {
	jsonData, err := jsoniter.Marshal(p)
	if err != nil {
		log.Error().Err(err).Str("pipeline", name).Msg("could not serialise statistics")
		return
	}
	log.Info().Str("pipeline", name).RawJSON("statistics", jsonData).Msg("pipeline statistics")
}

// TokenizedInput holds the result of running the tokenizer on the words of one input.
type TokenizedInput struct {
	Raw           string
	Words         []string
	WordOffsets   [][2]int // character offsets of each word in Raw
	TokenIDs      []uint32
	AttentionMask []uint32
	WordSpans     [][2]int // token range [start, end) of each word
}
