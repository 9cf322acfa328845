package domain

import "errors"

var (
	// ErrEmptyDocument rejects blank resume or job posting content.
	ErrEmptyDocument = errors.New("document content is empty")

	// ErrEmptyVector rejects zero-length or all-zero embedding vectors.
	ErrEmptyVector = errors.New("embedding vector is empty")

	// ErrVectorDimensionMismatch rejects vectors of different dimensions.
	ErrVectorDimensionMismatch = errors.New("embedding vector dimensions do not match")

	// ErrAnalysisUnavailable is returned when the language model backend
	// cannot serve the request, including while the breaker is open.
	ErrAnalysisUnavailable = errors.New("analysis backend unavailable")
)
