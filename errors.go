package j2kcodec

import (
	"errors"
	"fmt"
)

var (
	ErrTruncatedStream = errors.New("j2kcodec: truncated stream")
	ErrMalformedPacket = errors.New("j2kcodec: malformed packet")
	ErrCodingParameter = errors.New("j2kcodec: invalid coding parameter")
)

// ErrorKind classifies a CodecError.
type ErrorKind int

const (
	KindTruncated ErrorKind = iota // buffer exhausted before an expected field or segment
	KindMalformed                  // decoded value exceeds its declared bound
	KindParameter                  // invalid coding parameters
)

func (k ErrorKind) String() string {
	switch k {
	case KindTruncated:
		return "truncated stream"
	case KindMalformed:
		return "malformed packet"
	case KindParameter:
		return "coding parameter"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindTruncated:
		return ErrTruncatedStream
	case KindMalformed:
		return ErrMalformedPacket
	default:
		return ErrCodingParameter
	}
}

// CodecError carries the failing operation and the tile, component and
// resolution it is scoped to. Scope fields are -1 when not applicable.
//
// errors.Is(err, ErrTruncatedStream) and friends match on Kind.
type CodecError struct {
	Kind       ErrorKind
	Tile       int
	Component  int
	Resolution int
	Op         string
	Err        error
}

func (e *CodecError) Error() string {
	msg := "j2kcodec: " + e.Kind.String()
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Tile >= 0 {
		msg += fmt.Sprintf(" (tile %d", e.Tile)
		if e.Component >= 0 {
			msg += fmt.Sprintf(", component %d", e.Component)
		}
		if e.Resolution >= 0 {
			msg += fmt.Sprintf(", resolution %d", e.Resolution)
		}
		msg += ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CodecError) Unwrap() error { return e.Err }

func (e *CodecError) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func newCodecError(kind ErrorKind, op string, format string, args ...any) *CodecError {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &CodecError{Kind: kind, Tile: -1, Component: -1, Resolution: -1, Op: op, Err: cause}
}

func truncatedf(op, format string, args ...any) error {
	return newCodecError(KindTruncated, op, format, args...)
}

func malformedf(op, format string, args ...any) error {
	return newCodecError(KindMalformed, op, format, args...)
}

func paramErrorf(op, format string, args ...any) error {
	return newCodecError(KindParameter, op, format, args...)
}

// scopeError fills in missing scope fields of a CodecError. Other errors
// are returned unchanged.
func scopeError(err error, tile, comp, res int) error {
	var ce *CodecError
	if !errors.As(err, &ce) {
		return err
	}
	if ce.Tile < 0 {
		ce.Tile = tile
	}
	if ce.Component < 0 {
		ce.Component = comp
	}
	if ce.Resolution < 0 {
		ce.Resolution = res
	}
	return err
}
