package vision

import (
	"fmt"
	"image"
	"os"

	ort "github.com/yalue/onnxruntime_go"
)

// FireClasses is the default class list of the fire/smoke model.
var FireClasses = []string{"fire", "smoke"}

// COCOClasses is the class list of the optional general object model.
var COCOClasses = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train",
	"truck", "boat", "traffic light", "fire hydrant", "stop sign",
	"parking meter", "bench", "bird", "cat", "dog", "horse", "sheep", "cow",
	"elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag",
	"tie", "suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite",
	"baseball bat", "baseball glove", "skateboard", "surfboard",
	"tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot",
	"hot dog", "pizza", "donut", "cake", "chair", "couch", "potted plant",
	"bed", "dining table", "toilet", "tv", "laptop", "mouse", "remote",
	"keyboard", "cell phone", "microwave", "oven", "toaster", "sink",
	"refrigerator", "book", "clock", "vase", "scissors", "teddy bear",
	"hair drier", "toothbrush",
}

// ObjectBackend wraps a YOLOv8 detect ONNX session with a fixed class list.
// Same single-caller contract as PoseBackend.
type ObjectBackend struct {
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	classes []string
	inSize  int
	anchors int
	minConf float32
}

func NewObjectBackend(modelPath string, classes []string, minConf float32, intraOpThreads int) (*ObjectBackend, error) {
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("object model %s: %w", modelPath, err)
	}
	if len(classes) == 0 {
		return nil, fmt.Errorf("object model %s: empty class list", modelPath)
	}

	opts, err := newSessionOptions(intraOpThreads)
	if err != nil {
		return nil, err
	}
	defer opts.Destroy()

	inSize := defaultInputSize
	anchors := anchorsFor(inSize)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(inSize), int64(inSize)))
	if err != nil {
		return nil, fmt.Errorf("object input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(classes)), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("object output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.Value{input}, []ort.Value{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load object model %s: %w", modelPath, err)
	}

	return &ObjectBackend{
		session: session,
		input:   input,
		output:  output,
		classes: classes,
		inSize:  inSize,
		anchors: anchors,
		minConf: minConf,
	}, nil
}

func (b *ObjectBackend) Detect(img image.Image) ([]ObjectBox, error) {
	lb := fillInputTensor(img, b.input.GetData(), b.inSize, b.inSize)
	if err := b.session.Run(); err != nil {
		return nil, fmt.Errorf("object inference: %w", err)
	}
	return decodeObjects(b.output.GetData(), b.anchors, b.classes, b.minConf, lb), nil
}

func (b *ObjectBackend) Close() {
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
