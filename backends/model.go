package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/options"
	"github.com/knights-analytics/aspert/util/fileutil"
)

// Model is a transformer encoder exported to onnx together with its tokenizer.
// It satisfies Encoder.
type Model struct {
	ID             string
	Path           string
	OnnxFilename   string
	OnnxPath       string
	OnnxBytes      []byte
	Runtime        string
	Config         EncoderInfo
	Tokenizer      *Tokenizer
	InputsMeta     []InputOutputInfo
	OutputsMeta    []InputOutputInfo
	GoModel        *GoModel
	ORTModel       *ORTModel
	EncoderTimings *Timings
	Pipelines      map[string]Pipeline
	Destroy        func() error
}

// LoadModel reads config.json, the onnx graph and tokenizer.json found at path and
// creates the encoder session for the selected backend.
func LoadModel(ctx context.Context, path string, onnxFilename string, opts *options.Options) (*Model, error) {
	model := &Model{
		ID:             path + ":" + onnxFilename,
		Path:           path,
		OnnxFilename:   onnxFilename,
		Runtime:        opts.Backend,
		EncoderTimings: &Timings{},
		Pipelines:      map[string]Pipeline{},
	}
	if err := loadModelConfig(ctx, model); err != nil {
		return nil, err
	}
	if err := GetOnnxModelPath(ctx, model); err != nil {
		return nil, err
	}
	onnxBytes, err := fileutil.ReadFileBytes(ctx, model.OnnxPath)
	if err != nil {
		return nil, err
	}
	model.OnnxBytes = onnxBytes

	switch opts.Backend {
	case "ORT":
		err = createORTModelBackend(model, opts)
	case "GO":
		err = createGoModelBackend(model)
	default:
		err = fmt.Errorf("backend %s not recognized", opts.Backend)
	}
	if err != nil {
		return nil, err
	}
	if err = checkEncoderOutputs(model.OutputsMeta); err != nil {
		return nil, errors.Join(err, destroyBackend(model))
	}
	if err = LoadTokenizer(ctx, model, opts.Backend); err != nil {
		return nil, errors.Join(err, destroyBackend(model))
	}
	// the graph bytes are only needed while the session is created
	model.OnnxBytes = nil

	model.Destroy = func() error {
		var destroyErr error
		if model.Tokenizer != nil {
			destroyErr = model.Tokenizer.Destroy()
		}
		return errors.Join(destroyErr, destroyBackend(model))
	}
	return model, nil
}

func destroyBackend(model *Model) error {
	var err error
	if model.ORTModel != nil {
		err = model.ORTModel.Destroy()
		model.ORTModel = nil
	}
	model.GoModel = nil
	return err
}

// Info returns the encoder dimensions read from config.json.
func (m *Model) Info() EncoderInfo {
	return m.Config
}

// Encode runs the encoder graph. ids and mask are (B, L) Int tensors.
func (m *Model) Encode(ctx context.Context, ids, mask *tensor.Dense) (*EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := checkEncoderInputs(ids, mask); err != nil {
		return nil, err
	}
	defer m.EncoderTimings.Track(time.Now())

	var output *EncoderOutput
	var err error
	switch m.Runtime {
	case "ORT":
		output, err = runORTEncoder(m, ids, mask)
	case "GO":
		output, err = runGoEncoder(m, ids, mask)
	default:
		err = fmt.Errorf("runtime %s not recognized", m.Runtime)
	}
	if err != nil {
		return nil, fmt.Errorf("running encoder %s: %w", m.ID, err)
	}
	if err = output.Validate(ids.Shape()[0], ids.Shape()[1], m.Config); err != nil {
		return nil, err
	}
	return output, nil
}

func GetOnnxModelPath(ctx context.Context, model *Model) error {
	onnxFiles, err := getOnnxFiles(ctx, model.Path)
	if err != nil {
		return err
	}
	if len(onnxFiles) == 0 {
		return fmt.Errorf("no .onnx file detected at %s. There should be exactly .onnx file", model.Path)
	}
	if len(onnxFiles) > 1 {
		if model.OnnxFilename == "" {
			return fmt.Errorf("multiple .onnx file detected at %s and no OnnxFilename specified", model.Path)
		}
		for i := range onnxFiles {
			if onnxFiles[i][1] == model.OnnxFilename {
				model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[i]...)
				return nil
			}
		}
		return fmt.Errorf("file %s not found at %s", model.OnnxFilename, model.Path)
	}
	model.OnnxPath = fileutil.PathJoinSafe(onnxFiles[0]...)
	return nil
}

func getOnnxFiles(ctx context.Context, path string) ([][]string, error) {
	var onnxFiles [][]string
	walker := func(_ context.Context, _ string, parent string, info os.FileInfo, _ io.Reader) (toContinue bool, err error) {
		if strings.HasSuffix(info.Name(), ".onnx") {
			onnxFiles = append(onnxFiles, []string{fileutil.PathJoinSafe(path, parent), info.Name()})
		}
		return true, nil
	}
	err := fileutil.Walk(ctx, path, walker)
	return onnxFiles, err
}

type hfConfig struct {
	HiddenSize            int   `json:"hidden_size"`
	NumAttentionHeads     int   `json:"num_attention_heads"`
	NumHiddenLayers       int   `json:"num_hidden_layers"`
	MaxPositionEmbeddings int   `json:"max_position_embeddings"`
	PadTokenID            int64 `json:"pad_token_id"`
}

// loadModelConfig reads the encoder dimensions from the huggingface config.json.
func loadModelConfig(ctx context.Context, model *Model) error {
	configPath := fileutil.PathJoinSafe(model.Path, "config.json")
	exists, err := fileutil.FileExists(ctx, configPath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("no config.json found at %s", model.Path)
	}
	configBytes, err := fileutil.ReadFileBytes(ctx, configPath)
	if err != nil {
		return err
	}
	var config hfConfig
	if err = jsoniter.Unmarshal(configBytes, &config); err != nil {
		return fmt.Errorf("parsing %s: %w", configPath, err)
	}
	model.Config = EncoderInfo{
		HiddenSize:            config.HiddenSize,
		NumAttentionHeads:     config.NumAttentionHeads,
		NumHiddenLayers:       config.NumHiddenLayers,
		MaxPositionEmbeddings: config.MaxPositionEmbeddings,
		PadTokenID:            config.PadTokenID,
	}
	return model.Config.Validate()
}
