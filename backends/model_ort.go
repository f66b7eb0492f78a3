//go:build ORT || ALL

package backends

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/knights-analytics/aspert/options"
)

type ORTModel struct {
	Session        *ort.DynamicAdvancedSession
	SessionOptions *ort.SessionOptions
	Options        *options.OrtOptions
	Destroy        func() error
}

func createORTModelBackend(model *Model, opts *options.Options) error {
	sessionOptions, ok := opts.BackendOptions.(*ort.SessionOptions)
	if !ok {
		return errors.New("ORT session options have not been initialised, create the model through NewORTSession")
	}
	inputs, outputs, err := loadInputOutputMetaORT(model.OnnxBytes)
	if err != nil {
		return err
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		model.OnnxBytes,
		GetNames(inputs),
		GetNames(outputs),
		sessionOptions,
	)
	if err != nil {
		return err
	}
	model.ORTModel = &ORTModel{
		Session:        session,
		SessionOptions: sessionOptions,
		Options:        opts.ORTOptions,
		Destroy: func() error {
			return session.Destroy()
		},
	}
	model.InputsMeta = inputs
	model.OutputsMeta = outputs
	return nil
}

func loadInputOutputMetaORT(onnxBytes []byte) ([]InputOutputInfo, []InputOutputInfo, error) {
	inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(onnxBytes)
	if err != nil {
		return nil, nil, err
	}
	return convertORTInputOutputs(inputs), convertORTInputOutputs(outputs), nil
}

func convertORTInputOutputs(inputOutputs []ort.InputOutputInfo) []InputOutputInfo {
	infoConverted := make([]InputOutputInfo, len(inputOutputs))
	for i, v := range inputOutputs {
		infoConverted[i] = InputOutputInfo{
			Name:       v.Name,
			Dimensions: Shape(v.Dimensions),
		}
	}
	return infoConverted
}

func runORTEncoder(model *Model, ids, mask *tensor.Dense) (output *EncoderOutput, err error) {
	values, err := inputValues(model.InputsMeta, ids, mask)
	if err != nil {
		return nil, err
	}
	shape := ids.Shape()
	inputTensors := make([]ort.Value, len(model.InputsMeta))
	outputTensors := make([]ort.Value, len(model.OutputsMeta))
	defer func() {
		for _, t := range append(inputTensors, outputTensors...) {
			if t != nil {
				err = errors.Join(err, t.Destroy())
			}
		}
	}()
	for i, input := range model.InputsMeta {
		inputTensors[i], err = ort.NewTensor(ort.NewShape(int64(shape[0]), int64(shape[1])), values[input.Name])
		if err != nil {
			return nil, err
		}
	}
	// nil outputs are allocated by onnxruntime with the shapes of this batch
	if err = model.ORTModel.Session.Run(inputTensors, outputTensors); err != nil {
		return nil, err
	}

	outputs := make(map[string]*tensor.Dense, len(outputTensors))
	for i, t := range outputTensors {
		floatTensor, ok := t.(*ort.Tensor[float32])
		if !ok {
			continue
		}
		data := floatTensor.GetData()
		backing := make([]float32, len(data))
		copy(backing, data)
		dims := floatTensor.GetShape()
		outShape := make([]int, len(dims))
		for j, d := range dims {
			outShape[j] = int(d)
		}
		outputs[model.OutputsMeta[i].Name] = tensor.New(tensor.WithShape(outShape...), tensor.WithBacking(backing))
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("%w: no float32 outputs", ErrEncoderOutput)
	}
	return collectEncoderOutput(outputs, GetNames(model.OutputsMeta))
}
