package quiver

import (
	"errors"

	"github.com/quiverdb/quiver/internal/storage"
)

// Error taxonomy of the core. Errors the store and its collections raise
// themselves match one of these sentinels under errors.Is; callers
// branch on the kind, the wrapped message carries the detail. Context
// cancellation is returned as the context's own error, and storage I/O
// failures are returned without a sentinel.
var (
	// ErrNotFound is returned when a collection or vector id is missing.
	ErrNotFound = errors.New("quiver: not found")

	// ErrAlreadyExists is returned for a duplicate id on strict insert
	// and for a duplicate collection name.
	ErrAlreadyExists = errors.New("quiver: already exists")

	// ErrDimensionMismatch is returned when a vector's length differs
	// from the collection's dimension. No partial state is committed.
	ErrDimensionMismatch = errors.New("quiver: dimension mismatch")

	// ErrInvalidVector is returned for vectors containing NaN or ±Inf,
	// and for empty or zero vectors where the metric cannot accept them.
	ErrInvalidVector = errors.New("quiver: invalid vector")

	// ErrInvalidConfig is returned for a bad parameter at collection
	// creation.
	ErrInvalidConfig = errors.New("quiver: invalid configuration")

	// ErrInsufficientSamples is returned when quantizer training is
	// attempted with fewer samples than the variant needs.
	ErrInsufficientSamples = errors.New("quiver: insufficient training samples")

	// ErrQuantizerTrained is returned when training is requested on a
	// quantizer that already has a codebook.
	ErrQuantizerTrained = errors.New("quiver: quantizer already trained")

	// ErrInternal marks an unexpected invariant violation. The
	// offending operation is aborted without corrupting state.
	ErrInternal = errors.New("quiver: internal invariant violation")

	// ErrClosed is returned for operations against a closed store.
	ErrClosed = errors.New("quiver: store is closed")

	// ErrOverloaded is returned when the log writer queue is saturated;
	// callers should back off.
	ErrOverloaded = storage.ErrOverloaded

	// ErrCorruptLog reports a CRC mismatch during recovery. The log
	// tail is truncated at the corruption point and the engine
	// continues with the verifiable prefix.
	ErrCorruptLog = storage.ErrCorruptLog
)
