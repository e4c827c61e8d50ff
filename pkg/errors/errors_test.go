package errors_test

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	kerr "github.com/hyperjump/kensaku/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIncludesCodeAndFields(t *testing.T) {
	err := kerr.New(kerr.CodeFileNotFound, "file not indexed", kerr.FieldPath("src/a.go"))

	require.Error(t, err)
	assert.Equal(t, kerr.CodeFileNotFound, kerr.CodeOf(err))
	assert.True(t, kerr.IsNotFound(err))
	assert.Equal(t, "src/a.go", kerr.FieldsOf(err)["path"])
}

func TestWrapPreservesCause(t *testing.T) {
	root := stderrors.New("disk full")
	err := kerr.Wrap(root, kerr.CodeStoreDatabaseFailure, "writing spans")

	require.Error(t, err)
	assert.ErrorIs(t, err, root)
	assert.Equal(t, kerr.CodeStoreDatabaseFailure, kerr.CodeOf(err))
	assert.Nil(t, kerr.Wrap(nil, kerr.CodeStoreDatabaseFailure, "noop"))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, kerr.Code(""), kerr.CodeOf(stderrors.New("plain")))
	assert.Equal(t, kerr.Code(""), kerr.CodeOf(nil))
	wrapped := fmt.Errorf("outer: %w", kerr.New(kerr.CodeEntryCorrupt, "dangling"))
	assert.True(t, kerr.IsCorrupt(wrapped))
}

func TestReasonOf(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{kerr.New(kerr.CodeModelVersionMismatch, "x"), kerr.ReasonModelVersionMismatch},
		{kerr.New(kerr.CodeEmbeddingComputeFailed, "x"), kerr.ReasonComputeFailed},
		{kerr.New(kerr.CodeEntryCorrupt, "x"), kerr.ReasonIndexCorrupt},
		{kerr.New(kerr.CodeFileNotFound, "x"), kerr.ReasonNotFound},
		{kerr.New(kerr.CodeRequestInvalidInput, "x"), kerr.ReasonInvalidInput},
		{kerr.New(kerr.CodeStoreDatabaseFailure, "x"), kerr.ReasonStorageFailure},
		{context.Canceled, kerr.ReasonCancelled},
		{stderrors.New("boom"), kerr.ReasonInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, kerr.ReasonOf(tt.err), "err=%v", tt.err)
	}
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, kerr.HTTPStatus(kerr.New(kerr.CodeFileNotFound, "x")))
	assert.Equal(t, http.StatusBadRequest, kerr.HTTPStatus(kerr.New(kerr.CodeRequestInvalidInput, "x")))
	assert.Equal(t, http.StatusConflict, kerr.HTTPStatus(kerr.New(kerr.CodeModelVersionMismatch, "x")))
	assert.Equal(t, http.StatusBadGateway, kerr.HTTPStatus(kerr.New(kerr.CodeEmbeddingComputeFailed, "x")))
	assert.Equal(t, http.StatusInternalServerError, kerr.HTTPStatus(stderrors.New("x")))
}
