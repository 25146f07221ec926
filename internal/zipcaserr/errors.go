// Package zipcaserr defines the typed error kinds the ingest core can raise
// (spec §7) and the table the HTTP surface uses to map them onto status
// codes.
package zipcaserr

// Kind is one of the error kinds enumerated in spec §7.
type Kind string

const (
	KindUnsupportedMediaType Kind = "UNSUPPORTED_MEDIA_TYPE"
	KindInputTruncated       Kind = "INPUT_TRUNCATED"
	KindZipTooLarge          Kind = "ZIP_TOO_LARGE"
	KindTooManyEntries       Kind = "TOO_MANY_ENTRIES"
	KindFileTooLarge         Kind = "FILE_TOO_LARGE"
	KindTotalTooLarge        Kind = "TOTAL_TOO_LARGE"
	KindUnsupportedMethod    Kind = "UNSUPPORTED_METHOD"
	KindZip64FieldMissing    Kind = "ZIP64_FIELD_MISSING"
	KindSignatureMismatch    Kind = "SIGNATURE_MISMATCH"
	KindSizeCRCMismatch      Kind = "SIZE_CRC_MISMATCH"
	KindInvalidFilename      Kind = "INVALID_FILENAME"
	KindNotFound             Kind = "NOT_FOUND"
	KindNotAcceptable        Kind = "NOT_ACCEPTABLE"
	KindInternal             Kind = "INTERNAL"
)

// Error is the typed error surfaced by the ingest core and the CAS store.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Op != "" {
			return e.Op + ": " + e.Err.Error()
		}
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err is
// not (or does not wrap) a *Error.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return KindInternal
}

// HTTPStatus maps a Kind to the status code spec §7 assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindUnsupportedMediaType:
		return 415
	case KindNotFound:
		return 404
	case KindNotAcceptable:
		return 406
	case KindInputTruncated, KindZipTooLarge, KindTooManyEntries,
		KindFileTooLarge, KindTotalTooLarge, KindUnsupportedMethod,
		KindZip64FieldMissing, KindSignatureMismatch, KindSizeCRCMismatch,
		KindInvalidFilename, KindInternal:
		return 500
	default:
		return 500
	}
}
