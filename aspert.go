package aspert

import (
	"context"
	"errors"
	"fmt"

	"github.com/phuslu/log"

	"github.com/knights-analytics/aspert/backends"
	"github.com/knights-analytics/aspert/options"
	"github.com/knights-analytics/aspert/pipelines"
)

// Session allows for the creation of new pipelines and holds the pipeline already created.
type Session struct {
	extractionPipelines pipelineMap[*pipelines.ExtractionPipeline]
	models              map[string]*backends.Model
	options             *options.Options
	environmentDestroy  func() error
}

func newSession(backend string, opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	parsedOptions.Backend = backend
	for _, option := range opts {
		err := option(parsedOptions)
		if err != nil {
			return nil, err
		}
	}

	session := &Session{
		extractionPipelines: map[string]*pipelines.ExtractionPipeline{},
		models:              map[string]*backends.Model{},
		options:             parsedOptions,
		environmentDestroy: func() error {
			return nil
		},
	}
	return session, nil
}

// NewGoSession creates a session running the encoder with the pure go onnx backend.
func NewGoSession(opts ...options.WithOption) (*Session, error) {
	return newSession("GO", opts...)
}

type pipelineMap[T backends.Pipeline] map[string]T

func (m pipelineMap[T]) GetStatistics() map[string]backends.PipelineStatistics {
	statistics := make(map[string]backends.PipelineStatistics, len(m))
	for name, p := range m {
		statistics[name] = p.GetStatistics()
	}
	return statistics
}

// ExtractionConfig is the configuration for an extraction pipeline.
type ExtractionConfig = backends.PipelineConfig[*pipelines.ExtractionPipeline]

// ExtractionOption is an option for an extraction pipeline.
type ExtractionOption = backends.PipelineOption[*pipelines.ExtractionPipeline]

// NewPipeline can be used to create a new pipeline of type T. The initialised pipeline will be returned and it
// will also be stored in the session object so that all created pipelines can be destroyed with session.Destroy()
// at once.
func NewPipeline[T backends.Pipeline](s *Session, pipelineConfig backends.PipelineConfig[T]) (T, error) {
	var pipeline T
	if pipelineConfig.Name == "" {
		return pipeline, errors.New("a name for the pipeline is required")
	}

	_, getError := GetPipeline[T](s, pipelineConfig.Name)
	var notFoundError *pipelineNotFoundError
	if getError == nil {
		return pipeline, fmt.Errorf("pipeline %s has already been initialised", pipelineConfig.Name)
	} else if !errors.As(getError, &notFoundError) {
		return pipeline, getError
	}

	// Load model if it has not been loaded already
	model, ok := s.models[pipelineConfig.ModelPath]
	var err error
	if !ok {
		model, err = backends.LoadModel(context.Background(), pipelineConfig.ModelPath, pipelineConfig.OnnxFilename, s.options)
		if err != nil {
			return pipeline, err
		}
		s.models[pipelineConfig.ModelPath] = model
	}

	pipeline, name, err := InitializePipeline(pipeline, pipelineConfig, s.options, model)
	if err != nil {
		if len(model.Pipelines) == 0 {
			delete(s.models, pipelineConfig.ModelPath)
			err = errors.Join(err, model.Destroy())
		}
		return pipeline, err
	}

	switch typedPipeline := any(pipeline).(type) {
	case *pipelines.ExtractionPipeline:
		s.extractionPipelines[name] = typedPipeline
	default:
		return pipeline, fmt.Errorf("pipeline type not supported: %T", typedPipeline)
	}
	return pipeline, nil
}

func InitializePipeline[T backends.Pipeline](p T, pipelineConfig backends.PipelineConfig[T], options *options.Options, model *backends.Model) (T, string, error) {
	var pipeline T
	var name string

	switch any(p).(type) {
	case *pipelines.ExtractionPipeline:
		config := any(pipelineConfig).(backends.PipelineConfig[*pipelines.ExtractionPipeline])
		pipelineInitialised, err := pipelines.NewExtractionPipeline(config, options, model)
		if err != nil {
			return pipeline, name, err
		}
		pipeline = any(pipelineInitialised).(T)
		name = config.Name
	default:
		return pipeline, name, fmt.Errorf("not implemented")
	}

	model.Pipelines[name] = pipeline
	return pipeline, name, nil
}

// GetPipeline can be used to retrieve a pipeline of type T with the given name from the session.
func GetPipeline[T backends.Pipeline](s *Session, name string) (T, error) {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ExtractionPipeline:
		p, ok := s.extractionPipelines[name]
		if !ok {
			return pipeline, &pipelineNotFoundError{pipelineName: name}
		}
		return any(p).(T), nil
	default:
		return pipeline, errors.New("pipeline type not supported")
	}
}

// ClosePipeline removes the named pipeline and destroys its model once no pipeline uses it.
func ClosePipeline[T backends.Pipeline](s *Session, name string) error {
	var pipeline T
	switch any(pipeline).(type) {
	case *pipelines.ExtractionPipeline:
		p, ok := s.extractionPipelines[name]
		if ok {
			model := p.Model
			delete(s.extractionPipelines, name)
			delete(model.Pipelines, name)
			if len(model.Pipelines) == 0 {
				delete(s.models, model.Path)
				return model.Destroy()
			}
		}
	default:
		return errors.New("pipeline type not supported")
	}
	return nil
}

type pipelineNotFoundError struct {
	pipelineName string
}

func (e *pipelineNotFoundError) Error() string {
	return fmt.Sprintf("Pipeline with name %s not found", e.pipelineName)
}

// GetStatistics returns runtime statistics for all initialized pipelines, keyed by pipeline name.
func (s *Session) GetStatistics() map[string]backends.PipelineStatistics {
	return s.extractionPipelines.GetStatistics()
}

// LogStatistics writes the statistics of every pipeline at info level.
func (s *Session) LogStatistics() {
	for name, statistics := range s.GetStatistics() {
		statistics.Log(name)
	}
}

// Destroy deletes the session and onnxruntime environment and all initialized pipelines, freeing memory.
// A session should be destroyed when not needed any more, preferably with a defer() call.
func (s *Session) Destroy() error {
	var err error
	for _, model := range s.models {
		err = errors.Join(err, model.Destroy())
	}
	s.models = nil
	s.extractionPipelines = nil

	if s.options != nil {
		err = errors.Join(err, s.options.Destroy())
		s.options = nil
	}

	err = errors.Join(err, s.environmentDestroy())
	if err != nil {
		log.Error().Err(err).Msg("session destroyed with errors")
	}
	return err
}
