package webvh

import "errors"

var (
	// ErrChainDiscontinuity is returned when replay finds a version gap,
	// a hash or SCID mismatch, or an entry that cannot follow its predecessor.
	ErrChainDiscontinuity = errors.New("chain discontinuity")

	ErrUnsupportedMethodVersion = errors.New("unsupported method version")

	// ErrMalformedIdentifier is returned when an identifier lacks the
	// colon-delimited structure an operation depends on.
	ErrMalformedIdentifier = errors.New("malformed identifier")

	ErrMissingUpdateKeys = errors.New("parameters have no update keys")
	ErrEmptyHistory      = errors.New("history is empty")
	ErrDeactivated       = errors.New("did is deactivated")
	ErrInvalidProof      = errors.New("invalid proof")
)
