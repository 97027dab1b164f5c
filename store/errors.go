package store

import (
	"github.com/goliatone/go-errors"
)

const (
	TextCodeNotFound     = "OBJECT_NOT_FOUND"
	TextCodeClosed       = "STORE_CLOSED"
	TextCodeTypeMismatch = "TYPE_MISMATCH"
	TextCodeUnregistered = "UNREGISTERED_OBJECT"
)

var (
	// ErrNotFound is returned when an identity has no stored object.
	ErrNotFound = errors.New("object not found", errors.CategoryNotFound).
			WithTextCode(TextCodeNotFound)

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("object store is closed", errors.CategoryOperation).
			WithTextCode(TextCodeClosed)

	// ErrTypeMismatch is returned when a stored row decodes into a different Go type.
	ErrTypeMismatch = errors.New("stored type does not match requested type", errors.CategoryInternal).
			WithTextCode(TextCodeTypeMismatch)

	// ErrUnregistered is returned for objects or type names the store does not know.
	ErrUnregistered = errors.New("object or type is not registered with the store", errors.CategoryBadInput).
			WithTextCode(TextCodeUnregistered)
)
