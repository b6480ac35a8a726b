package vision

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ortOnce sync.Once
	ortErr  error
)

// Initialize sets up the shared ONNX Runtime environment. Safe to call more
// than once; only the first call does work. libraryPath may be empty, in which
// case the runtime's default library resolution applies.
func Initialize(libraryPath string) error {
	ortOnce.Do(func() {
		if libraryPath != "" {
			ort.SetSharedLibraryPath(libraryPath)
		}
		ortErr = ort.InitializeEnvironment()
	})
	if ortErr != nil {
		return fmt.Errorf("onnxruntime init: %w", ortErr)
	}
	return nil
}

// newSessionOptions builds per-session options capping ORT thread usage so a
// worker pinned to one core does not oversubscribe it. Caller destroys.
func newSessionOptions(intraOpThreads int) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("create session options: %w", err)
	}
	if intraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(intraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set intra_op_threads: %w", err)
		}
		if err := opts.SetInterOpNumThreads(1); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("set inter_op_threads: %w", err)
		}
	}
	return opts, nil
}
