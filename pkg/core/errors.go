package core

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	ErrNoData            = errors.New("no data")
	ErrRetrainInProgress = errors.New("retrain already in progress")
	ErrUnsupported       = errors.New("operation not supported by model backend")
	ErrModelNotFound     = errors.New("model not found")
	ErrInvalidModelID    = errors.New("invalid model id")
)

// Error kinds reported to API clients.
const (
	KindDecode            = "decode_error"
	KindShapeMismatch     = "shape_mismatch"
	KindNoData            = "no_data"
	KindTraining          = "training_error"
	KindRetrainInProgress = "retrain_in_progress"
	KindUnsupported       = "unsupported"
	KindNotFound          = "not_found"
	KindInternal          = "internal"
)

// DecodeError reports bytes that could not be decoded as an image.
type DecodeError struct {
	Source string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Source == "" {
		return fmt.Sprintf("decode image: %v", e.Err)
	}
	return fmt.Sprintf("decode image %s: %v", e.Source, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ShapeMismatchError reports a tensor whose image shape differs from the one a
// model or batch expects.
type ShapeMismatchError struct {
	Want Shape
	Got  Shape
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch: want %s, got %s", e.Want, e.Got)
}

// TrainingError wraps any failure raised while fitting a model.
type TrainingError struct {
	Epoch int
	Err   error
}

func (e *TrainingError) Error() string {
	if e.Epoch > 0 {
		return fmt.Sprintf("training failed in epoch %d: %v", e.Epoch, e.Err)
	}
	return fmt.Sprintf("training failed: %v", e.Err)
}

func (e *TrainingError) Unwrap() error { return e.Err }

// ErrorKind maps an error onto the kind string exposed to clients.
func ErrorKind(err error) string {
	var (
		decodeErr *DecodeError
		shapeErr  *ShapeMismatchError
		trainErr  *TrainingError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &trainErr):
		return KindTraining
	case errors.As(err, &decodeErr):
		return KindDecode
	case errors.As(err, &shapeErr):
		return KindShapeMismatch
	case errors.Is(err, ErrNoData):
		return KindNoData
	case errors.Is(err, ErrRetrainInProgress):
		return KindRetrainInProgress
	case errors.Is(err, ErrUnsupported):
		return KindUnsupported
	case errors.Is(err, ErrModelNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}
