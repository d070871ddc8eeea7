package recordstore

import (
	"errors"
)

// ErrValidation is returned when a source field mapping cannot be converted
// into the target entity shape.
var ErrValidation = errors.New("source cannot be converted to the entity shape")

// ErrPersistence is returned when the store rejects a write; the session has
// been rolled back and the original cause is joined onto this sentinel.
var ErrPersistence = errors.New("store rejected the write")

// ErrInvalidArgument is returned for malformed call parameters, e.g. a
// non-positive page or perPage.
var ErrInvalidArgument = errors.New("invalid argument")

// ErrNoRowsAffected is joined onto ErrPersistence when an update targets a row
// that no longer exists.
var ErrNoRowsAffected = errors.New("no rows were affected")

// ErrQueryFailed is joined onto read failures coming back from the session.
var ErrQueryFailed = errors.New("querying the store failed")

var ErrNilSession = errors.New("nil session supplied")
var ErrEmptyKindName = errors.New("empty kind name supplied")
var ErrEmptyTableName = errors.New("empty table name supplied")
var ErrDuplicateKind = errors.New("kind is already registered")
var ErrIncompleteMetadata = errors.New("metadata is missing a required function")
