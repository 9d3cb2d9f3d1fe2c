package hashing

import (
	"errors"
	"fmt"
)

// FailureKind classifies hash pipeline failures.
type FailureKind int

const (
	// IOFailure means the file could not be read: permissions, locks, or it
	// vanished or changed size mid-read. Recovered by a later sweep or retry.
	IOFailure FailureKind = iota + 1
	// HashFailure means the digest itself could not be computed.
	HashFailure
)

func (k FailureKind) String() string {
	switch k {
	case IOFailure:
		return "io"
	case HashFailure:
		return "hash"
	default:
		return "unknown"
	}
}

var (
	// ErrIO matches any IOFailure with errors.Is.
	ErrIO = errors.New("hashing: io failure")
	// ErrHash matches any HashFailure with errors.Is.
	ErrHash = errors.New("hashing: hash failure")
)

// Error is a typed hash pipeline failure.
type Error struct {
	Kind FailureKind
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s: %s failure: %v", e.Op, e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s failure: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the ErrIO and ErrHash sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrIO:
		return e.Kind == IOFailure
	case ErrHash:
		return e.Kind == HashFailure
	}
	return false
}

func ioFailure(op, path string, err error) error {
	return &Error{Kind: IOFailure, Op: op, Path: path, Err: err}
}

func hashFailure(op, path string, err error) error {
	return &Error{Kind: HashFailure, Op: op, Path: path, Err: err}
}

// sizeMismatchError reports content that did not match the expected size.
type sizeMismatchError struct {
	want, got int64
}

func (e *sizeMismatchError) Error() string {
	return fmt.Sprintf("expected %d bytes, read %d", e.want, e.got)
}
