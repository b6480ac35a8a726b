package worker

import (
	"fmt"
	"image"

	"github.com/technosupport/ts-sentinel/internal/detect"
	"github.com/technosupport/ts-sentinel/internal/sink"
	"github.com/technosupport/ts-sentinel/internal/vision"
)

// VisionConfig names the ONNX models the pipeline runs.
type VisionConfig struct {
	PoseModelPath string
	FireModelPath string

	// GeneralModelPath is the optional COCO object model. When set, its
	// person boxes damp fire boxes alongside the pose boxes.
	GeneralModelPath string

	// LibraryPath points at the onnxruntime shared library; empty means the
	// runtime's default resolution.
	LibraryPath string

	PoseMinConf float32
	FireMinConf float32
	FireClasses []string

	// IntraOpThreads caps per-inference parallelism. A pinned worker wants 1.
	IntraOpThreads int
}

// generalPersonMinConf is the confidence floor for general-model person
// boxes used in fire damping.
const generalPersonMinConf = 0.5

func (c *VisionConfig) defaults() {
	if c.PoseMinConf <= 0 {
		c.PoseMinConf = 0.3
	}
	if c.FireMinConf <= 0 {
		c.FireMinConf = 0.25
	}
	if len(c.FireClasses) == 0 {
		c.FireClasses = []string{"fire", "smoke"}
	}
	if c.IntraOpThreads <= 0 {
		c.IntraOpThreads = 1
	}
}

// DetectorSet is the per-camera detector configuration, zones already
// resolved.
type DetectorSet struct {
	Cash            detect.CashConfig
	CashEnabled     bool
	Violence        detect.ViolenceConfig
	ViolenceEnabled bool
	Fire            detect.FireConfig
	FireEnabled     bool
	Overlay         detect.OverlayConfig
}

// Pipeline bundles the processing chain a worker drives.
type Pipeline struct {
	Unified *detect.Unified
	Sink    *sink.Sink

	closers []func()
}

func (p *Pipeline) Close() {
	for _, c := range p.closers {
		c()
	}
}

// NewPipeline loads the models and assembles the detector chain. A model
// that is configured but fails to load is a fatal worker error; an empty
// fire model path leaves the fire detector on its color fallback only.
func NewPipeline(vis VisionConfig, set DetectorSet, sinkCfg sink.Config, camera sink.CameraInfo, rec sink.Recorder) (*Pipeline, error) {
	vis.defaults()

	if err := vision.Initialize(vis.LibraryPath); err != nil {
		return nil, err
	}
	pose, err := vision.NewPoseBackend(vis.PoseModelPath, vis.PoseMinConf, vis.IntraOpThreads)
	if err != nil {
		return nil, fmt.Errorf("pose model: %w", err)
	}
	p := &Pipeline{closers: []func(){pose.Close}}

	var objects detect.ObjectSource
	if vis.FireModelPath != "" {
		backend, err := vision.NewObjectBackend(vis.FireModelPath, vis.FireClasses, vis.FireMinConf, vis.IntraOpThreads)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("fire model: %w", err)
		}
		p.closers = append(p.closers, backend.Close)
		objects = backend

		if vis.GeneralModelPath != "" {
			general, err := vision.NewObjectBackend(vis.GeneralModelPath, vision.COCOClasses, generalPersonMinConf, vis.IntraOpThreads)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("general model: %w", err)
			}
			p.closers = append(p.closers, general.Close)
			objects = mergedObjects{backend, general}
		}
	}

	p.Unified = detect.NewUnified(
		pose,
		detect.NewOverlay(set.Overlay),
		detect.NewCashDetector(set.Cash, set.CashEnabled),
		detect.NewViolenceDetector(set.Violence, set.ViolenceEnabled),
		detect.NewFireDetector(set.Fire, objects, set.FireEnabled),
	)
	p.Sink = sink.New(sinkCfg, camera, rec)
	return p, nil
}

// mergedObjects concatenates the boxes of several backends into one source.
// The fire detector reads fire and smoke labels as candidates and person
// labels as damping cover.
type mergedObjects []detect.ObjectSource

func (m mergedObjects) Detect(img image.Image) ([]vision.ObjectBox, error) {
	var all []vision.ObjectBox
	for _, src := range m {
		boxes, err := src.Detect(img)
		if err != nil {
			return nil, err
		}
		all = append(all, boxes...)
	}
	return all, nil
}
