package tile

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a tile failure
type ErrorKind int

const (
	// KindIO covers disk and network failures
	KindIO ErrorKind = iota
	// KindDecode covers undecodable image bytes
	KindDecode
	// KindTask covers a background decode that crashed
	KindTask
	// KindProvider covers provider-specific failures (bad status, bad index, rate limits)
	KindProvider
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindDecode:
		return "decode"
	case KindTask:
		return "task"
	case KindProvider:
		return "provider"
	default:
		return "unknown"
	}
}

// Error is the single error type returned across the backend boundary
type Error struct {
	Kind    ErrorKind
	Backend string
	Tile    ID
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: tile %s: %s error: %v", e.Backend, e.Tile, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a kind, backend name and tile
func NewError(kind ErrorKind, backend string, id ID, err error) *Error {
	return &Error{Kind: kind, Backend: backend, Tile: id, Err: err}
}

// KindOf returns the ErrorKind of err and whether err is a tile error
func KindOf(err error) (ErrorKind, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind, true
	}
	return 0, false
}
