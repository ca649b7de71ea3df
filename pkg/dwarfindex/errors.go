package dwarfindex

import (
	"errors"
	"fmt"

	"github.com/jeffmahoney/drgn/internal/buf"
	"github.com/jeffmahoney/drgn/internal/safeelf"
)

// ErrStop is returned by Iterator.Next when the iterator is exhausted. It
// is a distinguished sentinel, not a failure.
var ErrStop = errors.New("no more entries")

// Kind classifies index errors.
type Kind int

const (
	// KindInvalidArgument reports invalid caller input.
	KindInvalidArgument Kind = iota + 1
	// KindOverflow reports a value that does not fit its type, such as a
	// ULEB128 exceeding 64 bits.
	KindOverflow
	// KindOS reports an operating system error; the error carries the
	// affected path and wraps the underlying cause.
	KindOS
	// KindNotELF reports a file with no ELF identity.
	KindNotELF
	// KindELFFormat reports a malformed or unsupported ELF file.
	KindELFFormat
	// KindDWARFFormat reports malformed or unsupported DWARF data.
	KindDWARFFormat
	// KindMissingDebug reports an ELF file lacking a required debug
	// section.
	KindMissingDebug
	// KindTruncated reports debug information cut short.
	KindTruncated
	// KindLookup reports a failed lookup.
	KindLookup
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindOverflow:
		return "overflow"
	case KindOS:
		return "os"
	case KindNotELF:
		return "not an ELF file"
	case KindELFFormat:
		return "ELF format"
	case KindDWARFFormat:
		return "DWARF format"
	case KindMissingDebug:
		return "missing debug information"
	case KindTruncated:
		return "truncated debug information"
	case KindLookup:
		return "lookup"
	default:
		return "unknown"
	}
}

// Error is an index error with a Kind. OS errors carry the affected path
// and wrap the underlying cause.
type Error struct {
	Kind Kind
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Path, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// ErrKind returns the Kind of err, or zero if err is not an index error.
func ErrKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func osError(err error, path, op string) error {
	return &Error{Kind: KindOS, Path: path, Msg: op, Err: err}
}

func errTruncated() error {
	return &Error{Kind: KindTruncated, Msg: "debug information is truncated"}
}

// wrapRead maps reader errors onto the index taxonomy. Truncation in the
// middle of debug data and ULEB128 overflow are the only errors the
// reader produces.
func wrapRead(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, buf.ErrOverflow):
		return &Error{Kind: KindOverflow, Msg: "ULEB128 overflowed unsigned 64-bit integer"}
	default:
		return errTruncated()
	}
}

// wrapELF maps safeelf errors onto the index taxonomy.
func wrapELF(err error, path string) error {
	var fe *safeelf.FormatError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, safeelf.ErrNotELF):
		return &Error{Kind: KindNotELF, Path: path, Msg: "not an ELF file"}
	case errors.As(err, &fe):
		return &Error{Kind: KindELFFormat, Path: path, Msg: fe.Msg}
	default:
		return osError(err, path, "open")
	}
}
