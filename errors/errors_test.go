package errors

import (
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnretriableWrapping(t *testing.T) {
	require := require.New(t)

	base := errors.New("boom")
	require.False(IsUnretriable(base))
	require.True(IsUnretriable(Unretriable(base)))
	require.True(IsUnretriable(fmt.Errorf("wrapped: %w", Unretriable(base))))
}

func TestObjectNotFound(t *testing.T) {
	require := require.New(t)

	err := NewObjectNotFoundError("missing key", nil)
	require.True(IsObjectNotFound(err))
	// every not found is unretriable
	require.True(IsUnretriable(err))
	require.Contains(err.Error(), "ObjectNotFoundError")

	require.False(IsObjectNotFound(errors.New("boom")))
}

func TestEncoderError(t *testing.T) {
	require := require.New(t)

	err := NewEncoderError("360p", "x264 [error]: broken header", errors.New("exit status 1"))
	require.True(IsEncoderError(err))
	require.Equal("EncoderError: 360p", err.Error())

	var encErr EncoderError
	require.True(errors.As(err, &encErr))
	require.Equal("360p", encErr.Resolution)
	require.NotEmpty(encErr.StderrTail)
}

func TestHTTPErrorWriters(t *testing.T) {
	require := require.New(t)

	rr := httptest.NewRecorder()
	apiErr := WriteHTTPConflict(rr, "already exists", ErrConflict)
	require.Equal(409, rr.Code)
	require.Equal(409, apiErr.Status)
	require.Contains(rr.Body.String(), `"error":"already exists"`)
	require.Contains(rr.Body.String(), "ConflictError")
	require.Equal("application/json", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	WriteHTTPNotFound(rr, "no such job", nil)
	require.Equal(404, rr.Code)
	require.Contains(rr.Body.String(), `"error_detail":""`)
}
