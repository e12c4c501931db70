package document

import (
	"context"
	"errors"
	"fmt"
)

// GeometryError reports corners that cannot be rectified, even after the
// full-frame fallback.
type GeometryError struct {
	Reason string
}

func (e *GeometryError) Error() string { return "geometry: " + e.Reason }

// InvalidImageError reports an image buffer that cannot be decoded or is empty.
type InvalidImageError struct {
	Op  string
	Err error
}

func (e *InvalidImageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid image during %s", e.Op)
	}
	return fmt.Sprintf("invalid image during %s: %v", e.Op, e.Err)
}

func (e *InvalidImageError) Unwrap() error { return e.Err }

// OcrUnavailableError reports a recognition backend that could not be loaded.
type OcrUnavailableError struct {
	Backend string
	Err     error
}

func (e *OcrUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("ocr backend %q unavailable", e.Backend)
	}
	return fmt.Sprintf("ocr backend %q unavailable: %v", e.Backend, e.Err)
}

func (e *OcrUnavailableError) Unwrap() error { return e.Err }

// InvalidQueryError reports bad search parameters.
type InvalidQueryError struct {
	Reason string
}

func (e *InvalidQueryError) Error() string { return "invalid query: " + e.Reason }

// StorageError reports a failed storage or persistence operation. Storage
// errors are transient and retried with backoff.
type StorageError struct {
	Op   string
	Path string
	Err  error
	// Permanent marks failures a retry cannot fix, such as a path outside
	// the storage root.
	Permanent bool
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IndexConsistencyError reports an index built with a different embedding
// model than the one currently configured. The index must be rebuilt.
type IndexConsistencyError struct {
	IndexModel   string
	CurrentModel string
}

func (e *IndexConsistencyError) Error() string {
	return fmt.Sprintf("rebuild index required: index was built with model %q, current model is %q",
		e.IndexModel, e.CurrentModel)
}

// Error kind names used in Failure records.
const (
	KindGeometry         = "GeometryError"
	KindInvalidImage     = "InvalidImageError"
	KindOcrUnavailable   = "OcrUnavailableError"
	KindInvalidQuery     = "InvalidQueryError"
	KindStorage          = "StorageError"
	KindIndexConsistency = "IndexConsistencyError"
	KindCanceled         = "Canceled"
	KindInternal         = "InternalError"
)

// ErrorKind names the taxonomy member err belongs to.
func ErrorKind(err error) string {
	var (
		geo  *GeometryError
		img  *InvalidImageError
		ocr  *OcrUnavailableError
		qry  *InvalidQueryError
		stor *StorageError
		idx  *IndexConsistencyError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &geo):
		return KindGeometry
	case errors.As(err, &img):
		return KindInvalidImage
	case errors.As(err, &ocr):
		return KindOcrUnavailable
	case errors.As(err, &qry):
		return KindInvalidQuery
	case errors.As(err, &idx):
		return KindIndexConsistency
	case errors.As(err, &stor):
		return KindStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// Retryable reports whether err is a transient infrastructure failure.
func Retryable(err error) bool {
	var stor *StorageError
	return errors.As(err, &stor) && !stor.Permanent
}
