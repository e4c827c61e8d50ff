// Package errors provides the error taxonomy of the code index. Every error carries a
// machine-readable code of the form component.operation.reason.
package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeFileNotFound           Code = "index.file.not_found"
	CodeEntryNotFound          Code = "index.entry.not_found"
	CodeEntryCorrupt           Code = "index.entry.corrupt"
	CodeStateTransitionCorrupt Code = "index.state.corrupt"
	CodeModelVersionMismatch   Code = "index.model_version.mismatch"
	CodeIndexPersistFailure    Code = "index.persist.failure"
	CodeIndexFormatInvalid     Code = "index.format.invalid_format"

	CodeEmbeddingComputeFailed Code = "embedding.compute.failed"
	CodeEmbeddingDimension     Code = "embedding.dimension.invalid_input"

	CodeRequestInvalidInput Code = "request.invalid_input"

	CodeStoreDatabaseFailure Code = "storage.database.failure"

	CodeConfigLoadReadFailure      Code = "config.load.read.failure"
	CodeConfigParseInvalidFormat   Code = "config.parse.invalid_format"
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"

	CodeInternalFailure Code = "internal.failure"
)

// Reason codes surfaced to callers when a query degrades to an empty or partial result.
const (
	ReasonNotFound             = "not_found"
	ReasonComputeFailed        = "compute_failed"
	ReasonIndexCorrupt         = "index_corrupt"
	ReasonModelVersionMismatch = "model_version_mismatch"
	ReasonInvalidInput         = "invalid_input"
	ReasonStorageFailure       = "storage_failure"
	ReasonCancelled            = "cancelled"
	ReasonInternal             = "internal"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldKey(value string) Attr {
	return Field("key", value)
}

func FieldModelVersion(value string) Attr {
	return Field("model_version", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the code attached to err, or "" when err carries none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	if oopsErr.Code() == nil {
		return ""
	}
	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalidInput(err error) bool {
	r := reason(CodeOf(err))
	return r == "invalid" || r == "invalid_input" || r == "invalid_value" || r == "invalid_format"
}

func IsComputeFailed(err error) bool {
	return HasCode(err, CodeEmbeddingComputeFailed)
}

func IsCorrupt(err error) bool {
	return reason(CodeOf(err)) == "corrupt"
}

func IsModelVersionMismatch(err error) bool {
	return HasCode(err, CodeModelVersionMismatch)
}

// ReasonOf maps err onto the reason code reported with a degraded query result.
func ReasonOf(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case IsModelVersionMismatch(err):
		return ReasonModelVersionMismatch
	case IsComputeFailed(err):
		return ReasonComputeFailed
	case IsCorrupt(err):
		return ReasonIndexCorrupt
	case IsNotFound(err):
		return ReasonNotFound
	case IsInvalidInput(err):
		return ReasonInvalidInput
	case strings.HasPrefix(string(CodeOf(err)), "storage."):
		return ReasonStorageFailure
	default:
		return ReasonInternal
	}
}

func HTTPStatus(err error) int {
	switch {
	case IsNotFound(err):
		return http.StatusNotFound
	case IsModelVersionMismatch(err):
		return http.StatusConflict
	case IsInvalidInput(err):
		return http.StatusBadRequest
	case IsComputeFailed(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func Join(errs ...error) error {
	joined := stderrors.Join(errs...)
	if joined == nil {
		return nil
	}
	return oops.Code(CodeInternalFailure).Wrap(joined)
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	if code == "" {
		return ""
	}

	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
