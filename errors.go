// errors.go - Error taxonomy layered over the official MongoDB driver errors

package odm

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	mongodrv "go.mongodb.org/mongo-driver/mongo"
)

// Error kinds. Every error returned by this package that originates from a
// configuration problem, a validation failure or the driver matches exactly one
// of these through errors.Is.
var (
	ErrConfigInvalid  = errors.New("invalid configuration")
	ErrConnection     = errors.New("connection failed")
	ErrNotInitialized = errors.New("model not initialized")
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("document not found")
	ErrDuplicateKey   = errors.New("duplicate key")
	ErrIndexConflict  = errors.New("index conflict")
	ErrDatabase       = errors.New("database error")
)

// ErrInvalidQuery is returned by the query translator. It is a validation
// failure: errors.Is(err, ErrValidation) also holds.
var ErrInvalidQuery = &kindError{msg: "invalid query", parent: ErrValidation}

type kindError struct {
	msg    string
	parent error
}

func (k *kindError) Error() string { return k.msg }
func (k *kindError) Unwrap() error { return k.parent }

// Server error codes with a dedicated kind.
const (
	codeIndexOptionsConflict  = 85
	codeIndexKeySpecsConflict = 86
)

// Error carries the kind, the failing operation and the original driver
// message. Code is the server error code when one was reported.
type Error struct {
	Kind    error
	Op      string
	Code    int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Code != 0 {
		msg += " (code " + strconv.Itoa(e.Code) + ")"
	}
	return msg
}

// Unwrap exposes both the kind and the underlying error.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// wrapError re-wraps a driver error into the taxonomy. Errors that already
// belong to it are returned unchanged.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{
		Kind:    classify(err),
		Op:      op,
		Code:    serverCode(err),
		Message: err.Error(),
		Err:     err,
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, mongodrv.ErrNoDocuments):
		return ErrNotFound
	case mongodrv.IsDuplicateKeyError(err):
		return ErrDuplicateKey
	case hasServerCode(err, codeIndexOptionsConflict, codeIndexKeySpecsConflict):
		return ErrIndexConflict
	case errors.As(err, new(validator.ValidationErrors)):
		return ErrValidation
	case mongodrv.IsNetworkError(err),
		mongodrv.IsTimeout(err),
		errors.Is(err, mongodrv.ErrClientDisconnected),
		errors.Is(err, context.DeadlineExceeded):
		return ErrConnection
	}
	return ErrDatabase
}

func hasServerCode(err error, codes ...int) bool {
	var se mongodrv.ServerError
	if !errors.As(err, &se) {
		return false
	}
	for _, code := range codes {
		if se.HasErrorCode(code) {
			return true
		}
	}
	return false
}

// serverCode returns the first server error code carried by err, or 0.
func serverCode(err error) int {
	var ce mongodrv.CommandError
	if errors.As(err, &ce) {
		return int(ce.Code)
	}
	var we mongodrv.WriteException
	if errors.As(err, &we) && len(we.WriteErrors) > 0 {
		return we.WriteErrors[0].Code
	}
	var bwe mongodrv.BulkWriteException
	if errors.As(err, &bwe) && len(bwe.WriteErrors) > 0 {
		return bwe.WriteErrors[0].Code
	}
	return 0
}

// errorKind returns a short label for metrics.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidQuery):
		return "invalid_query"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateKey):
		return "duplicate_key"
	case errors.Is(err, ErrIndexConflict):
		return "index_conflict"
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrConfigInvalid):
		return "config"
	}
	return "database"
}
