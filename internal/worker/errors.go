package worker

import (
	"errors"
	"fmt"

	"github.com/technosupport/ts-sentinel/internal/detect"
)

// Kind buckets fatal worker failures by what the operator can do about
// them. The worker's exit code derives from it.
type Kind string

const (
	// KindConfig is a bad camera row, zone or model path. A restart
	// cannot fix it, so the supervisor should not bother.
	KindConfig Kind = "config"
	// KindStream is a capture failure that outlived every reconnect.
	KindStream Kind = "stream"
	// KindInference is a detector chain failing on every frame.
	KindInference Kind = "inference"
)

// Error tags a fatal worker failure with its kind and the stage it
// happened in. It wraps the underlying cause for errors.Is/As.
type Error struct {
	Kind  Kind
	Stage string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("worker %s (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfig reports whether err is a configuration failure, the one kind a
// relaunch can never heal.
func IsConfig(err error) bool {
	var we *Error
	return errors.As(err, &we) && we.Kind == KindConfig
}

// classify wraps a capture/detect loop error with its kind.
func classify(stage string, err error) *Error {
	kind := KindStream
	if errors.Is(err, detect.ErrInferenceStorm) {
		kind = KindInference
	}
	return &Error{Kind: kind, Stage: stage, Err: err}
}
