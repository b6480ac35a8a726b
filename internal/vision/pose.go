package vision

import (
	"fmt"
	"image"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// PoseBackend wraps a YOLOv8-pose ONNX session. It binds its input and output
// tensors once and reuses them, so a backend must only be driven from one
// goroutine at a time; the worker's detection loop is the single caller.
type PoseBackend struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	inSize  int
	anchors int
	minConf float32
}

// NewPoseBackend loads the pose model. A missing or unloadable model is a
// fatal configuration error for the worker that owns it.
func NewPoseBackend(modelPath string, minConf float32, intraOpThreads int) (*PoseBackend, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("pose model %s: %w", modelPath, err)
	}

	opts, err := newSessionOptions(intraOpThreads)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	inSize := defaultInputSize
	anchors := anchorsFor(inSize)
	channels := int64(4 + 1 + 3*NumKeypoints)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inSize), int64(inSize)))
	if err != nil {
		return nil, fmt.Errorf("pose input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, channels, int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("pose output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.Value{input}, []ort.Value{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load pose model %s: %w", modelPath, err)
	}

	return &PoseBackend{
		session: session,
		input:   input,
		output:  output,
		inSize:  inSize,
		anchors: anchors,
		minConf: minConf,
	}, nil
}

// Detect runs pose inference on one frame and returns detected people in
// source-image coordinates.
func (b *PoseBackend) Detect(img image.Image) ([]PoseResult, error) {
	lb := fillInputTensor(img, b.input.GetData(), b.inSize, b.inSize)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("pose inference: %w", err)
	}
	return decodePose(b.output.GetData(), b.anchors, b.minConf, lb), nil
}

func (b *PoseBackend) Close() {
	if b.session != nil {
		b.session.Destroy()
	}
	if b.input != nil {
		b.input.Destroy()
	}
	if b.output != nil {
		b.output.Destroy()
	}
}
