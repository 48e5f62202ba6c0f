package lorekeep

import (
	"errors"

	"github.com/lorekeep/lorekeep/extract"
	"github.com/lorekeep/lorekeep/lookup"
)

var (
	// ErrBookNotFound is returned when a book ID does not exist.
	ErrBookNotFound = errors.New("lorekeep: book not found")

	// ErrNotIndexed is returned when extraction or lookup is requested
	// before any sections of the book have been indexed.
	ErrNotIndexed = extract.ErrNotIndexed

	// ErrExtractionRunning is returned when an extraction run is requested
	// for a book that already has one in progress.
	ErrExtractionRunning = extract.ErrRunning

	// ErrExtractionUnavailable is returned when the extraction capability is
	// unreachable or unauthorized.
	ErrExtractionUnavailable = extract.ErrUnavailable

	// ErrSchemaInvalid is returned when extraction output fails validation
	// after all retries and window bisection.
	ErrSchemaInvalid = extract.ErrSchemaInvalid

	// ErrEmbeddingFailed is returned when no chunk of a section could be
	// embedded. Partial embedding failures degrade retrieval instead.
	ErrEmbeddingFailed = errors.New("lorekeep: embedding generation failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("lorekeep: invalid configuration")

	// ErrTermNotFound is returned when a lookup finds neither an entity nor
	// any contextual chunks for the term.
	ErrTermNotFound = lookup.ErrNotFound
)
