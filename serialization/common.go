package serialization

import (
	"errors"
	"fmt"
)

// Serializable is implemented by every type that can be placed on the wire.
type Serializable interface {
	Serialize(*Writer) error
	Deserialize(*Reader) error
}

const (
	nullLength = -1

	objectAbsent  byte = 0
	objectPresent byte = 1
)

// MaxLength bounds any length prefix accepted by a Reader.
const MaxLength = 50 * 1024 * 1024

var (
	ErrTruncated     = errors.New("truncated stream")
	ErrInvalidLength = errors.New("invalid length prefix")
	ErrInvalidChar   = errors.New("invalid utf-8 char")
	ErrInvalidObject = errors.New("invalid object presence byte")
)

type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("serialization: %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

func codecError(op string, err error) error {
	return &CodecError{Op: op, Err: err}
}
