package backends

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func TestConcatAttentions(t *testing.T) {
	// B=1, heads=2, L=2, two layers: value encodes layer, head, query and key
	layer := func(l float32) *tensor.Dense {
		backing := make([]float32, 8)
		for h := 0; h < 2; h++ {
			for q := 0; q < 2; q++ {
				for k := 0; k < 2; k++ {
					backing[(h*2+q)*2+k] = l*1000 + float32(h)*100 + float32(q)*10 + float32(k)
				}
			}
		}
		return tensor.New(tensor.WithShape(1, 2, 2, 2), tensor.WithBacking(backing))
	}
	out, err := ConcatAttentions([]*tensor.Dense{layer(0), layer(1)})
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2, 4}, out.Shape())

	for q := 0; q < 2; q++ {
		for k := 0; k < 2; k++ {
			for channel := 0; channel < 4; channel++ {
				l, h := channel/2, channel%2
				v, atErr := out.At(0, q, k, channel)
				require.NoError(t, atErr)
				assert.Equal(t, float32(l*1000+h*100+q*10+k), v.(float32))
			}
		}
	}
}

func TestConcatAttentionsShapeMismatch(t *testing.T) {
	a := tensor.New(tensor.WithShape(1, 2, 2, 2), tensor.WithBacking(make([]float32, 8)))
	b := tensor.New(tensor.WithShape(1, 1, 2, 2), tensor.WithBacking(make([]float32, 4)))
	_, err := ConcatAttentions([]*tensor.Dense{a, b})
	assert.ErrorIs(t, err, ErrEncoderOutput)
	_, err = ConcatAttentions(nil)
	assert.ErrorIs(t, err, ErrEncoderOutput)
}

func TestAttentionOutputNamesOrderedByLayer(t *testing.T) {
	names := []string{"last_hidden_state", "attentions.10", "attentions.2", "attentions.0"}
	assert.Equal(t, []string{"attentions.0", "attentions.2", "attentions.10"}, attentionOutputNames(names))
	assert.Equal(t, "last_hidden_state", hiddenOutputName(names))
	assert.Equal(t, "hidden", hiddenOutputName([]string{"attentions", "hidden"}))
}

func TestCollectStackedAttentions(t *testing.T) {
	hidden := tensor.New(tensor.WithShape(1, 2, 3), tensor.WithBacking(make([]float32, 6)))
	stacked := make([]float32, 2*1*1*2*2)
	for i := range stacked {
		stacked[i] = float32(i)
	}
	outputs := map[string]*tensor.Dense{
		"last_hidden_state": hidden,
		"attentions":        tensor.New(tensor.WithShape(2, 1, 1, 2, 2), tensor.WithBacking(stacked)),
	}
	out, err := collectEncoderOutput(outputs, []string{"last_hidden_state", "attentions"})
	require.NoError(t, err)
	require.Len(t, out.Attentions, 2)
	assert.Equal(t, []float32{4, 5, 6, 7}, out.Attentions[1].Data())

	info := EncoderInfo{HiddenSize: 3, NumAttentionHeads: 1, NumHiddenLayers: 2}
	assert.NoError(t, out.Validate(1, 2, info))
	info.NumHiddenLayers = 3
	assert.ErrorIs(t, out.Validate(1, 2, info), ErrEncoderOutput)
}

func TestCheckEncoderOutputs(t *testing.T) {
	assert.Error(t, checkEncoderOutputs([]InputOutputInfo{{Name: "last_hidden_state"}}))
	assert.Error(t, checkEncoderOutputs([]InputOutputInfo{{Name: "last_hidden_state"}, {Name: "pooler_output"}}))
	assert.NoError(t, checkEncoderOutputs([]InputOutputInfo{{Name: "last_hidden_state"}, {Name: "attentions.0"}}))
}

func TestInputValues(t *testing.T) {
	ids := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]int{101, 7, 102}))
	mask := tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]bool{true, true, false}))
	meta := []InputOutputInfo{{Name: "input_ids"}, {Name: "attention_mask"}, {Name: "token_type_ids"}}
	values, err := inputValues(meta, ids, mask)
	require.NoError(t, err)
	assert.Equal(t, []int64{101, 7, 102}, values["input_ids"])
	assert.Equal(t, []int64{1, 1, 0}, values["attention_mask"])
	assert.Equal(t, []int64{0, 0, 0}, values["token_type_ids"])

	_, err = inputValues([]InputOutputInfo{{Name: "pixel_values"}}, ids, mask)
	assert.ErrorIs(t, err, ErrEncoderInput)
}

func TestTimingsStatistics(t *testing.T) {
	timings := &Timings{}
	timings.Track(time.Now().Add(-2 * time.Millisecond))
	timings.Track(time.Now().Add(-2 * time.Millisecond))
	stats := PipelineStatistics{}
	stats.ComputeEncoderStatistics(timings)
	assert.Equal(t, uint64(2), stats.EncoderExecutionCount)
	assert.GreaterOrEqual(t, stats.EncoderTotalTime, 4*time.Millisecond)
	assert.GreaterOrEqual(t, stats.EncoderAvgQueryTime, 2*time.Millisecond)
}

func TestDevice(t *testing.T) {
	assert.Equal(t, 1, Sequential().Workers)
	assert.Equal(t, 3, CPU(3).Workers)
	assert.Positive(t, CPU(0).Workers)
}
