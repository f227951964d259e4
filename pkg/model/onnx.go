package model

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/3FT-io/dermascan/pkg/core"
)

// Tensor layouts accepted in ONNX metadata.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// ONNXMetadata describes an exported ONNX classifier.
type ONNXMetadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	Layout      string   `json:"layout"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	// Softmax is set when the graph outputs logits rather than probabilities.
	Softmax bool `json:"softmax"`
}

// ONNX serves a pretrained ONNX graph through onnxruntime. It cannot be
// fine-tuned. Session tensors are shared, so Predict calls are serialized.
type ONNX struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         ONNXMetadata
	shape        core.Shape
}

// NewONNX initializes onnxruntime (from libPath when set) and opens the model.
func NewONNX(modelPath, metadataPath, libPath string) (*ONNX, error) {
	metaFile, err := os.ReadFile(metadataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta ONNXMetadata
	if err := json.Unmarshal(metaFile, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}
	shape, err := meta.imageShape()
	if err != nil {
		return nil, err
	}
	if meta.InputName == "" {
		meta.InputName = "input"
	}
	if meta.OutputName == "" {
		meta.OutputName = "output"
	}

	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		ort.DestroyEnvironment()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ONNX{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		shape:        shape,
	}, nil
}

func (m ONNXMetadata) imageShape() (core.Shape, error) {
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 {
		return core.Shape{}, fmt.Errorf("onnx: input shape %v is not [1,...] rank 4", m.InputShape)
	}
	if len(m.OutputShape) != 2 || int(m.OutputShape[1]) != len(m.Classes) {
		return core.Shape{}, fmt.Errorf("onnx: output shape %v does not match %d classes", m.OutputShape, len(m.Classes))
	}
	switch m.Layout {
	case LayoutNCHW:
		return core.Shape{Channels: int(m.InputShape[1]), Height: int(m.InputShape[2]), Width: int(m.InputShape[3])}, nil
	case LayoutNHWC, "":
		return core.Shape{Height: int(m.InputShape[1]), Width: int(m.InputShape[2]), Channels: int(m.InputShape[3])}, nil
	default:
		return core.Shape{}, fmt.Errorf("onnx: unknown layout %q", m.Layout)
	}
}

// Metadata returns the metadata the model was opened with.
func (o *ONNX) Metadata() ONNXMetadata { return o.meta }

func (o *ONNX) InputShape() core.Shape { return o.shape }

func (o *ONNX) NumClasses() int { return len(o.meta.Classes) }

func (o *ONNX) Predict(ctx context.Context, x *core.Tensor) ([][]float32, error) {
	if err := checkShape(o.shape, x); err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([][]float32, x.Batch)
	for n := 0; n < x.Batch; n++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.fill(x.Sample(n))
		if err := o.session.Run(); err != nil {
			return nil, fmt.Errorf("inference failed: %w", err)
		}
		probs := append([]float32(nil), o.outputTensor.GetData()...)
		if o.meta.Softmax {
			Softmax(probs)
		}
		out[n] = probs
	}
	return out, nil
}

// fill copies one HWC image into the session input, transposing if needed.
func (o *ONNX) fill(img []float32) {
	dst := o.inputTensor.GetData()
	if o.meta.Layout != LayoutNCHW {
		copy(dst, img)
		return
	}
	h, w, c := o.shape.Height, o.shape.Width, o.shape.Channels
	plane := h * w
	for i := 0; i < plane; i++ {
		for k := 0; k < c; k++ {
			dst[k*plane+i] = img[i*c+k]
		}
	}
}

// Close releases the session and the onnxruntime environment.
func (o *ONNX) Close() {
	if o.inputTensor != nil {
		o.inputTensor.Destroy()
	}
	if o.outputTensor != nil {
		o.outputTensor.Destroy()
	}
	if o.session != nil {
		o.session.Destroy()
	}
	ort.DestroyEnvironment()
}
