package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"
)

// GoModel runs the encoder graph with the pure go onnx interpreter.
type GoModel struct {
	Model *gonnx.Model
}

func createGoModelBackend(model *Model) error {
	goModel, err := gonnx.NewModelFromBytes(model.OnnxBytes)
	if err != nil {
		return err
	}
	model.GoModel = &GoModel{Model: goModel}
	model.InputsMeta, model.OutputsMeta = loadInputOutputMetaGo(goModel)
	return nil
}

func loadInputOutputMetaGo(model *gonnx.Model) ([]InputOutputInfo, []InputOutputInfo) {
	var inputs, outputs []InputOutputInfo
	inputShapes := model.InputShapes()
	for _, name := range model.InputNames() {
		shape := inputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		inputs = append(inputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	outputShapes := model.OutputShapes()
	for _, name := range model.OutputNames() {
		shape := outputShapes[name]
		dimensions := make([]int64, len(shape))
		for i, y := range shape {
			dimensions[i] = y.Size
		}
		outputs = append(outputs, InputOutputInfo{
			Name:       name,
			Dimensions: dimensions,
		})
	}
	return inputs, outputs
}

func runGoEncoder(model *Model, ids, mask *tensor.Dense) (*EncoderOutput, error) {
	values, err := inputValues(model.InputsMeta, ids, mask)
	if err != nil {
		return nil, err
	}
	shape := ids.Shape()
	inputMap := make(map[string]tensor.Tensor, len(values))
	for name, backing := range values {
		inputMap[name] = tensor.New(
			tensor.Of(tensor.Int64),
			tensor.WithShape(shape[0], shape[1]),
			tensor.WithBacking(backing),
		)
	}
	results, err := model.GoModel.Model.Run(inputMap)
	if err != nil {
		return nil, err
	}
	outputs := make(map[string]*tensor.Dense, len(results))
	for name, result := range results {
		dense, ok := result.(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("%w: output %s is %T, expected a dense tensor", ErrEncoderOutput, name, result)
		}
		if _, isFloat := dense.Data().([]float32); !isFloat {
			continue
		}
		outputs[name] = dense
	}
	return collectEncoderOutput(outputs, GetNames(model.OutputsMeta))
}
