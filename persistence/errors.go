package persistence

import (
	"fmt"
	"reflect"

	"github.com/goliatone/go-errors"
)

const (
	TextCodeAccessViolation    = "ACCESS_VIOLATION"
	TextCodeInvariantViolation = "INVARIANT_VIOLATION"
	TextCodeOutOfRange         = "INDEX_OUT_OF_RANGE"
	TextCodeTransientObject    = "TRANSIENT_OBJECT"
	TextCodeLockContention     = "LOCK_CONTENTION"
	TextCodeInvalidValue       = "INVALID_VALUE"
	TextCodeUnknownProperty    = "UNKNOWN_PROPERTY"
	TextCodeDuplicateKey       = "DUPLICATE_KEY"
	TextCodeMultipleResults    = "MULTIPLE_RESULTS"
	TextCodeUnsupportedType    = "UNSUPPORTED_TYPE"
	TextCodeStaleWrapper       = "STALE_WRAPPER"
)

func accessViolation(id int64) error {
	return errors.New("attempted to modify an unlocked persistent object", errors.CategoryConflict).
		WithTextCode(TextCodeAccessViolation).
		WithMetadata(map[string]any{"id": id})
}

func invariantViolation(id int64, property string) error {
	return errors.New("reference counts are maintained by the cache and cannot be assigned", errors.CategoryValidation).
		WithTextCode(TextCodeInvariantViolation).
		WithMetadata(map[string]any{"id": id, "property": property})
}

func outOfRange(id int64, index, length int) error {
	return errors.New(fmt.Sprintf("index %d out of range [0:%d]", index, length), errors.CategoryBadInput).
		WithTextCode(TextCodeOutOfRange).
		WithMetadata(map[string]any{"id": id, "index": index, "length": length})
}

func transientObject(op string, v any) error {
	return errors.New(fmt.Sprintf("attempted to %s a transient object", op), errors.CategoryBadInput).
		WithTextCode(TextCodeTransientObject).
		WithMetadata(map[string]any{"type": fmt.Sprintf("%T", v)})
}

func lockContention(attempts int, cause error) error {
	err := errors.NewRetryable("could not acquire lock set", errors.CategoryConflict).
		WithTextCode(TextCodeLockContention).
		WithMetadata(map[string]any{"attempts": attempts})
	err.Source = cause
	return err
}

func invalidValue(want reflect.Type, got any) error {
	return errors.New(fmt.Sprintf("cannot use %T as %s", got, want), errors.CategoryBadInput).
		WithTextCode(TextCodeInvalidValue)
}

func unknownProperty(t reflect.Type, name string) error {
	return errors.New(fmt.Sprintf("%s has no property %q", t, name), errors.CategoryBadInput).
		WithTextCode(TextCodeUnknownProperty)
}

func duplicateKey(id int64, key any) error {
	return errors.New("an element with the same key already exists", errors.CategoryBadInput).
		WithTextCode(TextCodeDuplicateKey).
		WithMetadata(map[string]any{"id": id, "key": fmt.Sprint(key)})
}

func multipleResults(t reflect.Type, n int) error {
	return errors.New(fmt.Sprintf("expected at most one %s, found %d", t, n), errors.CategoryBadInput).
		WithTextCode(TextCodeMultipleResults)
}

func unsupportedType(t reflect.Type) error {
	return errors.New(fmt.Sprintf("no wrapper kind for %s", t), errors.CategoryInternal).
		WithTextCode(TextCodeUnsupportedType)
}

func staleWrapper(id int64) error {
	return errors.New("persistent object was evicted or deleted and replaced", errors.CategoryConflict).
		WithTextCode(TextCodeStaleWrapper).
		WithMetadata(map[string]any{"id": id})
}

// IsAccessViolation reports whether err is a write without the wrapper lock.
func IsAccessViolation(err error) bool { return hasTextCode(err, TextCodeAccessViolation) }

// IsInvariantViolation reports whether err is a direct reference count write.
func IsInvariantViolation(err error) bool { return hasTextCode(err, TextCodeInvariantViolation) }

// IsOutOfRange reports whether err is a collection index error.
func IsOutOfRange(err error) bool { return hasTextCode(err, TextCodeOutOfRange) }

// IsTransientObject reports whether err concerns a value the cache does not manage.
func IsTransientObject(err error) bool { return hasTextCode(err, TextCodeTransientObject) }

// IsLockContention reports whether a lock set could not be acquired.
func IsLockContention(err error) bool { return hasTextCode(err, TextCodeLockContention) }

func IsInvalidValue(err error) bool    { return hasTextCode(err, TextCodeInvalidValue) }
func IsUnknownProperty(err error) bool { return hasTextCode(err, TextCodeUnknownProperty) }
func IsDuplicateKey(err error) bool    { return hasTextCode(err, TextCodeDuplicateKey) }
func IsMultipleResults(err error) bool { return hasTextCode(err, TextCodeMultipleResults) }
func IsStaleWrapper(err error) bool    { return hasTextCode(err, TextCodeStaleWrapper) }

func hasTextCode(err error, code string) bool {
	var retry *errors.RetryableError
	if errors.As(err, &retry) && retry.BaseError != nil {
		return retry.TextCode == code
	}
	var rich *errors.Error
	if errors.As(err, &rich) {
		return rich.TextCode == code
	}
	return false
}
