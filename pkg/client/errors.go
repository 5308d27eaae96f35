package client

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

var (
	// ErrNoSecondary is returned when a read targets the secondary location
	// and no secondary endpoint is configured. No request is sent.
	ErrNoSecondary = errors.New("client: secondary location requested but no secondary endpoint is configured")

	// ErrIntegrity is returned when downloaded content does not match the
	// MD5 reported by the service.
	ErrIntegrity = errors.New("client: content MD5 mismatch")
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

// StorageError is an error response from the service.
type StorageError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *StorageError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("storage error %d %s (request %s)", e.StatusCode, e.Code, e.RequestID)
	}
	return fmt.Sprintf("storage error %d %s: %s (request %s)", e.StatusCode, e.Code, e.Message, e.RequestID)
}

// Category returns the class of the error code.
func (e *StorageError) Category() fserr.Category { return fserr.CategoryOf(e.Code) }

// IsConflict reports whether the resource already exists or still has
// dependents.
func (e *StorageError) IsConflict() bool { return e.Category() == fserr.CategoryConflict }

// IsNotFound reports whether the resource or its parent does not exist.
func (e *StorageError) IsNotFound() bool { return e.Category() == fserr.CategoryNotFound }

// IsIntegrity reports whether the service rejected content for a checksum
// mismatch.
func (e *StorageError) IsIntegrity() bool { return e.Category() == fserr.CategoryIntegrity }

// newStorageError builds a StorageError from a failed response. HEAD
// responses have no body; the code then comes from x-ms-error-code.
func newStorageError(resp *http.Response) *StorageError {
	se := &StorageError{
		StatusCode: resp.StatusCode,
		Code:       resp.Header.Get("x-ms-error-code"),
		RequestID:  resp.Header.Get(xmlutil.RequestIDHeader),
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body xmlutil.ErrorResponse
	if len(data) > 0 && xml.Unmarshal(data, &body) == nil {
		if body.Code != "" {
			se.Code = body.Code
		}
		se.Message = body.Message
		if se.RequestID == "" {
			se.RequestID = body.RequestID
		}
	}
	if se.Code == "" {
		se.Code = http.StatusText(resp.StatusCode)
	}
	return se
}

// AsStorageError returns the StorageError in err's chain, if any.
func AsStorageError(err error) (*StorageError, bool) {
	var se *StorageError
	ok := errors.As(err, &se)
	return se, ok
}

// IsConflict reports whether err is a conflict StorageError.
func IsConflict(err error) bool {
	se, ok := AsStorageError(err)
	return ok && se.IsConflict()
}

// IsNotFound reports whether err is a not-found StorageError.
func IsNotFound(err error) bool {
	se, ok := AsStorageError(err)
	return ok && se.IsNotFound()
}

// IsIntegrity reports whether err is a checksum failure on either side of
// the wire.
func IsIntegrity(err error) bool {
	if errors.Is(err, ErrIntegrity) {
		return true
	}
	se, ok := AsStorageError(err)
	return ok && se.IsIntegrity()
}
