package forecast

import "fmt"

var (
	// ErrInvalidSeries is returned at construction when the series cannot seed
	// a scaling factor or a single training window.
	ErrInvalidSeries = fmt.Errorf("invalid price series")

	// ErrTraining wraps failures reported by a Capability's Train.
	ErrTraining = fmt.Errorf("model training failed")

	// ErrInference is returned when a window of the wrong length reaches a model.
	ErrInference = fmt.Errorf("model inference failed")

	// ErrRange is returned when a cache read exceeds the cached horizon.
	ErrRange = fmt.Errorf("range exceeds cached forecast")

	// ErrInvalidArgument is returned for non-positive horizons and window sizes.
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// ErrBlobNotFound is returned by a BlobStore when no model is stored under a key.
	ErrBlobNotFound = fmt.Errorf("model blob not found")
)
