package engine

import (
	"errors"

	"github.com/scrypster/persona/internal/storage"
)

var (
	// ErrStoreUnavailable wraps a failed search, scan or write.
	ErrStoreUnavailable = errors.New("memory store unavailable")

	// ErrEmbeddingFailure wraps a failed call to the embedding service.
	ErrEmbeddingFailure = errors.New("embedding failure")

	// ErrMalformedExtraction is returned when the model's extraction output
	// does not follow the fact<TAB>tags line format.
	ErrMalformedExtraction = errors.New("malformed extraction output")

	// ErrGenerationFailure is returned when the model produced no response.
	ErrGenerationFailure = errors.New("generation failure")

	// ErrEmptyExtraction is returned when the model returned nothing to parse.
	ErrEmptyExtraction = errors.New("extraction produced no output")

	// ErrNotFound is returned when a user has no rows of the requested kind.
	ErrNotFound = storage.ErrNotFound
)
