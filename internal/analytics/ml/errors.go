package ml

import "errors"

var (
	// ErrNotFitted is returned when a scaler or scorer is used before Fit.
	ErrNotFitted = errors.New("model not fitted")

	// ErrFeatureCount is returned when a vector does not have the fitted width.
	ErrFeatureCount = errors.New("feature vector length mismatch")

	// ErrEmptyBatch is returned when Fit is called without samples.
	ErrEmptyBatch = errors.New("empty training batch")

	// ErrUnknownModel is returned by the registry for an unregistered id.
	ErrUnknownModel = errors.New("unknown model")

	// ErrNoveltyDisabled is returned by a LocalOutlierFactor fitted without
	// novelty mode: it can only describe its own training set.
	ErrNoveltyDisabled = errors.New("predict/score unavailable when novelty is disabled")

	// ErrGenerationMismatch is returned by DecodeArtifact when the scorer and
	// scaler blobs were written by different trainings.
	ErrGenerationMismatch = errors.New("scorer and scaler generations differ")
)
