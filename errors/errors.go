package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/PCThomas7/video-transcoder/log"
)

// APIError is what a handler hands back after writing an HTTP error, mostly
// so tests can look at what went out.
type APIError struct {
	Msg    string `json:"message"`
	Status int    `json:"status"`
	Err    error  `json:"-"`
}

type errorResponse struct {
	Error       string `json:"error"`
	ErrorDetail string `json:"error_detail"`
}

func write(w http.ResponseWriter, status int, msg string, err error) APIError {
	body := errorResponse{Error: msg}
	if err != nil {
		body.ErrorDetail = err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		log.LogNoJobID("error writing HTTP error", "http_error_msg", msg, "error", encodeErr)
	}
	return APIError{msg, status, err}
}

// The HTTP writer family, one per status the API hands out. All of them
// produce the same {error, error_detail} JSON body.
func WriteHTTPBadRequest(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusBadRequest, msg, err)
}

func WriteHTTPUnsupportedMediaType(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusUnsupportedMediaType, msg, err)
}

func WriteHTTPNotFound(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusNotFound, msg, err)
}

func WriteHTTPConflict(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusConflict, msg, err)
}

func WriteHTTPBadGateway(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusBadGateway, msg, err)
}

func WriteHTTPInternalServerError(w http.ResponseWriter, msg string, err error) APIError {
	return write(w, http.StatusInternalServerError, msg, err)
}

// UnretriableError marks failures that neither the object store client nor
// the queue attempt accounting should try again: bad credentials, missing
// objects, malformed input.
type UnretriableError struct{ error }

func Unretriable(err error) error {
	return UnretriableError{err}
}

func (e UnretriableError) Unwrap() error {
	return e.error
}

func IsUnretriable(err error) bool {
	return errors.As(err, &UnretriableError{})
}

// ObjectNotFoundError: the requested key does not exist in the bucket.
// Always unretriable, the object is not going to appear by asking again.
type ObjectNotFoundError struct {
	msg   string
	cause error
}

func (e ObjectNotFoundError) Error() string {
	return e.msg
}

func (e ObjectNotFoundError) Unwrap() error {
	return e.cause
}

func NewObjectNotFoundError(msg string, cause error) error {
	if cause != nil {
		msg = fmt.Sprintf("ObjectNotFoundError: %s: %s", msg, cause)
	} else {
		msg = fmt.Sprintf("ObjectNotFoundError: %s", msg)
	}
	return Unretriable(ObjectNotFoundError{msg: msg, cause: cause})
}

func IsObjectNotFound(err error) bool {
	return errors.As(err, &ObjectNotFoundError{})
}

// EncoderError is a non-zero encoder exit for a single resolution. The
// stderr tail is kept short so it can be stored on the job record.
type EncoderError struct {
	Resolution string
	StderrTail string
	cause      error
}

func NewEncoderError(resolution, stderrTail string, cause error) error {
	return EncoderError{Resolution: resolution, StderrTail: stderrTail, cause: cause}
}

func (e EncoderError) Error() string {
	return fmt.Sprintf("EncoderError: %s", e.Resolution)
}

func (e EncoderError) Unwrap() error {
	return e.cause
}

func IsEncoderError(err error) bool {
	return errors.As(err, &EncoderError{})
}

var (
	ErrNotFound      = errors.New("NotFoundError")
	ErrConflict      = errors.New("ConflictError")
	ErrPrecondition  = errors.New("PreconditionError")
	ErrAlreadyQueued = errors.New("AlreadyQueuedError")
	ErrStalled       = errors.New("StalledError")
)
