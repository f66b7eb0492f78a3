package backends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/util/tensorutil"
)

var (
	ErrEncoderInput  = errors.New("invalid encoder input")
	ErrEncoderOutput = errors.New("invalid encoder output")
)

// Encoder produces contextual hidden states and attention weights for a batch of token ids.
type Encoder interface {
	// Encode takes ids and an attention mask, both (B, L), and returns the hidden
	// states and the per-layer attention weights of the batch.
	Encode(ctx context.Context, ids, mask *tensor.Dense) (*EncoderOutput, error)
	Info() EncoderInfo
}

// EncoderInfo holds the encoder dimensions found in a huggingface config.json.
type EncoderInfo struct {
	HiddenSize            int
	NumAttentionHeads     int
	NumHiddenLayers       int
	MaxPositionEmbeddings int
	PadTokenID            int64
}

// AttentionWidth is the number of heads across all layers.
func (i EncoderInfo) AttentionWidth() int {
	return i.NumAttentionHeads * i.NumHiddenLayers
}

func (i EncoderInfo) Validate() error {
	if i.HiddenSize <= 0 || i.NumAttentionHeads <= 0 || i.NumHiddenLayers <= 0 {
		return fmt.Errorf("encoder config needs positive hidden_size, num_attention_heads and num_hidden_layers, got %+v", i)
	}
	return nil
}

// EncoderOutput is the result of one encoder call.
type EncoderOutput struct {
	// Hidden is Float32 (B, L, D).
	Hidden *tensor.Dense
	// Attentions holds one Float32 (B, heads, L, L) tensor per layer.
	Attentions []*tensor.Dense
}

// Validate checks the output against the batch it was computed for.
func (o *EncoderOutput) Validate(batchSize, seqLen int, info EncoderInfo) error {
	if o.Hidden == nil {
		return fmt.Errorf("%w: missing hidden states", ErrEncoderOutput)
	}
	if !tensorutil.SameShape(o.Hidden.Shape(), tensor.Shape{batchSize, seqLen, info.HiddenSize}) {
		return fmt.Errorf("%w: hidden states have shape %v, expected (%d, %d, %d)",
			ErrEncoderOutput, o.Hidden.Shape(), batchSize, seqLen, info.HiddenSize)
	}
	if len(o.Attentions) != info.NumHiddenLayers {
		return fmt.Errorf("%w: got %d attention layers, expected %d", ErrEncoderOutput, len(o.Attentions), info.NumHiddenLayers)
	}
	expected := tensor.Shape{batchSize, info.NumAttentionHeads, seqLen, seqLen}
	for layer, att := range o.Attentions {
		if !tensorutil.SameShape(att.Shape(), expected) {
			return fmt.Errorf("%w: attention layer %d has shape %v, expected %v", ErrEncoderOutput, layer, att.Shape(), expected)
		}
	}
	return nil
}

// ConcatAttentions turns per-layer (B, heads, L, L) attention tensors into a single
// (B, L, L, H) tensor where channel layer*heads+head holds that head's weights.
func ConcatAttentions(layers []*tensor.Dense) (*tensor.Dense, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: no attention layers", ErrEncoderOutput)
	}
	shape := layers[0].Shape()
	if len(shape) != 4 || shape[2] != shape[3] {
		return nil, fmt.Errorf("%w: attention layer has shape %v, expected (B, heads, L, L)", ErrEncoderOutput, shape)
	}
	batchSize, heads, seqLen := shape[0], shape[1], shape[2]
	width := heads * len(layers)
	out := make([]float32, batchSize*seqLen*seqLen*width)
	for layer, att := range layers {
		if !tensorutil.SameShape(att.Shape(), shape) {
			return nil, fmt.Errorf("%w: attention layer %d has shape %v, expected %v", ErrEncoderOutput, layer, att.Shape(), shape)
		}
		data, ok := att.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("%w: attention layer %d is %v, expected float32", ErrEncoderOutput, layer, att.Dtype())
		}
		for b := 0; b < batchSize; b++ {
			for h := 0; h < heads; h++ {
				channel := layer*heads + h
				src := data[(b*heads+h)*seqLen*seqLen:]
				for q := 0; q < seqLen; q++ {
					for k := 0; k < seqLen; k++ {
						out[((b*seqLen+q)*seqLen+k)*width+channel] = src[q*seqLen+k]
					}
				}
			}
		}
	}
	return tensor.New(tensor.WithShape(batchSize, seqLen, seqLen, width), tensor.WithBacking(out)), nil
}

func checkEncoderInputs(ids, mask *tensor.Dense) error {
	if ids == nil || mask == nil {
		return fmt.Errorf("%w: ids and mask are required", ErrEncoderInput)
	}
	if ids.Dims() != 2 || !tensorutil.SameShape(ids.Shape(), mask.Shape()) {
		return fmt.Errorf("%w: ids %v and mask %v must both be (B, L)", ErrEncoderInput, ids.Shape(), mask.Shape())
	}
	return nil
}

// checkEncoderOutputs makes sure the graph exports attention weights next to the hidden states.
func checkEncoderOutputs(outputs []InputOutputInfo) error {
	if len(outputs) < 2 {
		return fmt.Errorf("%w: the onnx graph must output hidden states and attentions, found %v",
			ErrEncoderOutput, GetNames(outputs))
	}
	if len(attentionOutputNames(GetNames(outputs))) == 0 {
		return fmt.Errorf("%w: the onnx graph has no attentions output, found %v", ErrEncoderOutput, GetNames(outputs))
	}
	return nil
}

// attentionOutputNames returns the attention outputs ordered by layer.
// Names are expected as "attentions", "attentions.3" or "attentions_3".
func attentionOutputNames(names []string) []string {
	var attentions []string
	for _, name := range names {
		if strings.HasPrefix(name, "attentions") {
			attentions = append(attentions, name)
		}
	}
	sort.SliceStable(attentions, func(i, j int) bool {
		return layerIndex(attentions[i]) < layerIndex(attentions[j])
	})
	return attentions
}

func layerIndex(name string) int {
	suffix := strings.TrimLeft(strings.TrimPrefix(name, "attentions"), "._")
	index, err := strconv.Atoi(suffix)
	if err != nil {
		return -1
	}
	return index
}

// hiddenOutputName prefers last_hidden_state and falls back to the first non attention output.
func hiddenOutputName(names []string) string {
	for _, name := range names {
		if name == "last_hidden_state" {
			return name
		}
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "attentions") {
			return name
		}
	}
	return ""
}

// collectEncoderOutput maps named float32 graph outputs onto an EncoderOutput.
// A single 5-D attentions output (layers, B, heads, L, L) is split per layer.
func collectEncoderOutput(outputs map[string]*tensor.Dense, names []string) (*EncoderOutput, error) {
	hiddenName := hiddenOutputName(names)
	hidden, ok := outputs[hiddenName]
	if !ok {
		return nil, fmt.Errorf("%w: missing hidden state output %q", ErrEncoderOutput, hiddenName)
	}
	result := &EncoderOutput{Hidden: hidden}
	for _, name := range attentionOutputNames(names) {
		att, found := outputs[name]
		if !found {
			return nil, fmt.Errorf("%w: missing attention output %q", ErrEncoderOutput, name)
		}
		if att.Dims() != 5 {
			result.Attentions = append(result.Attentions, att)
			continue
		}
		layers, err := splitStackedAttentions(att)
		if err != nil {
			return nil, err
		}
		result.Attentions = append(result.Attentions, layers...)
	}
	return result, nil
}

func splitStackedAttentions(att *tensor.Dense) ([]*tensor.Dense, error) {
	data, ok := att.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("%w: stacked attentions are %v, expected float32", ErrEncoderOutput, att.Dtype())
	}
	shape := att.Shape()
	size := shape[1] * shape[2] * shape[3] * shape[4]
	layers := make([]*tensor.Dense, shape[0])
	for i := range layers {
		backing := make([]float32, size)
		copy(backing, data[i*size:(i+1)*size])
		layers[i] = tensor.New(tensor.WithShape(shape[1], shape[2], shape[3], shape[4]), tensor.WithBacking(backing))
	}
	return layers, nil
}

// inputValues builds the int64 backing of each graph input from ids and mask.
// token_type_ids is all zeros.
func inputValues(inputs []InputOutputInfo, ids, mask *tensor.Dense) (map[string][]int64, error) {
	idValues, err := asInt64(ids)
	if err != nil {
		return nil, err
	}
	maskValues, err := asInt64(mask)
	if err != nil {
		return nil, err
	}
	values := make(map[string][]int64, len(inputs))
	for _, input := range inputs {
		switch input.Name {
		case "input_ids":
			values[input.Name] = idValues
		case "attention_mask":
			values[input.Name] = maskValues
		case "token_type_ids":
			values[input.Name] = make([]int64, len(idValues))
		default:
			return nil, fmt.Errorf("%w: input %s not recognized", ErrEncoderInput, input.Name)
		}
	}
	return values, nil
}

func asInt64(t *tensor.Dense) ([]int64, error) {
	switch data := t.Data().(type) {
	case []int64:
		return data, nil
	case []int:
		out := make([]int64, len(data))
		for i, v := range data {
			out[i] = int64(v)
		}
		return out, nil
	case []int32:
		out := make([]int64, len(data))
		for i, v := range data {
			out[i] = int64(v)
		}
		return out, nil
	case []bool:
		out := make([]int64, len(data))
		for i, v := range data {
			if v {
				out[i] = 1
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unsupported dtype %v", ErrEncoderInput, t.Dtype())
}
