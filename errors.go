package glbopt

import (
	"errors"
	"fmt"
)

type ErrKind int

const (
	ErrValidation ErrKind = iota + 1
	ErrMeshProcessing
	ErrTextureProcessing
	ErrSceneManagement
	ErrFileOperation
)

func (k ErrKind) String() string {
	switch k {
	case ErrValidation:
		return "validation"
	case ErrMeshProcessing:
		return "mesh"
	case ErrTextureProcessing:
		return "texture"
	case ErrSceneManagement:
		return "scene"
	case ErrFileOperation:
		return "file"
	}
	return "unknown"
}

// Error carries the failure category so callers can decide whether a
// failure is contained (skip the item) or wholesale (abort the run).
type Error struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func errf(kind ErrKind, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the category of err, or zero when err carries none.
func KindOf(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
