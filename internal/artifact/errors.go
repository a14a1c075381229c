package artifact

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies acquisition failures so callers can branch on the
// failure instead of parsing messages.
type Kind string

const (
	KindManifestNotFound    Kind = "manifest_not_found"
	KindManifestMalformed   Kind = "manifest_malformed"
	KindPartNotFound        Kind = "part_not_found"
	KindPartSizeMismatch    Kind = "part_size_mismatch"
	KindTotalSizeMismatch   Kind = "total_size_mismatch"
	KindChecksumMismatch    Kind = "checksum_mismatch"
	KindTransferStartFailed Kind = "transfer_start_failed"
	KindTransferInterrupted Kind = "transfer_interrupted"
	KindIOFailure           Kind = "io_failure"
	KindInProgress          Kind = "in_progress"
	KindNotReady            Kind = "not_ready"
)

// Sentinel errors, one per Kind. Use errors.Is(err, ErrChecksumMismatch).
var (
	ErrManifestNotFound    = &Error{Kind: KindManifestNotFound}
	ErrManifestMalformed   = &Error{Kind: KindManifestMalformed}
	ErrPartNotFound        = &Error{Kind: KindPartNotFound}
	ErrPartSizeMismatch    = &Error{Kind: KindPartSizeMismatch}
	ErrTotalSizeMismatch   = &Error{Kind: KindTotalSizeMismatch}
	ErrChecksumMismatch    = &Error{Kind: KindChecksumMismatch}
	ErrTransferStartFailed = &Error{Kind: KindTransferStartFailed}
	ErrTransferInterrupted = &Error{Kind: KindTransferInterrupted}
	ErrIOFailure           = &Error{Kind: KindIOFailure}
	ErrInProgress          = &Error{Kind: KindInProgress}
	ErrNotReady            = &Error{Kind: KindNotReady}
)

// Error is the single error type returned by this package. The populated
// fields depend on Kind: size mismatches carry Expected/Actual byte counts,
// checksum mismatches carry the hex digests, transfer failures carry URL and
// HTTP status.
type Error struct {
	Kind Kind
	Op   string

	Path   string
	Part   string
	URL    string
	Status int

	Expected string
	Actual   string

	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("artifact")
	if e.Op != "" {
		b.WriteString(" ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.describe())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) describe() string {
	switch e.Kind {
	case KindManifestNotFound:
		return fmt.Sprintf("manifest not found at %s", e.Path)
	case KindManifestMalformed:
		return fmt.Sprintf("malformed manifest %s", e.Path)
	case KindPartNotFound:
		return fmt.Sprintf("part %s not found at %s", e.Part, e.Path)
	case KindPartSizeMismatch:
		return fmt.Sprintf("part %s has wrong size: expected %s, got %s", e.Part, e.Expected, e.Actual)
	case KindTotalSizeMismatch:
		return fmt.Sprintf("total size mismatch: expected %s, got %s", e.Expected, e.Actual)
	case KindChecksumMismatch:
		return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
	case KindTransferStartFailed:
		if e.Status != 0 {
			return fmt.Sprintf("transfer from %s failed with status %d", e.URL, e.Status)
		}
		return fmt.Sprintf("transfer from %s could not start", e.URL)
	case KindTransferInterrupted:
		return fmt.Sprintf("transfer from %s interrupted after %s bytes", e.URL, e.Actual)
	case KindIOFailure:
		return fmt.Sprintf("i/o failure on %s", e.Path)
	case KindInProgress:
		return fmt.Sprintf("acquisition of %s already in progress", e.Path)
	case KindNotReady:
		return fmt.Sprintf("no verified artifact at %s", e.Path)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so the package sentinels work
// with errors.Is regardless of the other fields.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if
// there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func ioFailure(op, path string, err error) *Error {
	return &Error{Kind: KindIOFailure, Op: op, Path: path, Err: err}
}

func sizeMismatch(kind Kind, op, part string, expected, actual int64) *Error {
	return &Error{
		Kind:     kind,
		Op:       op,
		Part:     part,
		Expected: fmt.Sprintf("%d", expected),
		Actual:   fmt.Sprintf("%d", actual),
	}
}
