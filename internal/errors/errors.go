// Package errors defines the file-service error codes used throughout
// BleepFile, on the wire and in the client SDK.
package errors

import (
	"fmt"
	"net/http"
)

// Category groups error codes so callers can react to a class of failure
// without matching individual codes.
type Category string

const (
	CategoryValidation   Category = "validation"
	CategoryConflict     Category = "conflict"
	CategoryNotFound     Category = "not_found"
	CategoryIntegrity    Category = "integrity"
	CategoryPrecondition Category = "precondition"
	CategoryAuth         Category = "auth"
	CategoryQuota        Category = "quota"
	CategoryInternal     Category = "internal"
)

var categories = map[string]Category{
	"ShareAlreadyExists":                    CategoryConflict,
	"ShareBeingDeleted":                     CategoryConflict,
	"ResourceAlreadyExists":                 CategoryConflict,
	"DirectoryNotEmpty":                     CategoryConflict,
	"ResourceTypeMismatch":                  CategoryConflict,
	"ShareNotFound":                         CategoryNotFound,
	"ResourceNotFound":                      CategoryNotFound,
	"ParentNotFound":                        CategoryNotFound,
	"Md5Mismatch":                           CategoryIntegrity,
	"InvalidResourceName":                   CategoryValidation,
	"InvalidMetadata":                       CategoryValidation,
	"InvalidQueryParameterValue":            CategoryValidation,
	"InvalidHeaderValue":                    CategoryValidation,
	"InvalidMarker":                         CategoryValidation,
	"InvalidUri":                            CategoryValidation,
	"InvalidXmlDocument":                    CategoryValidation,
	"MissingRequiredHeader":                 CategoryValidation,
	"OutOfRangeInput":                       CategoryValidation,
	"InvalidRange":                          CategoryValidation,
	"UnsupportedHttpVerb":                   CategoryValidation,
	"ConditionNotMet":                       CategoryPrecondition,
	"AuthenticationFailed":                  CategoryAuth,
	"AuthorizationFailure":                  CategoryAuth,
	"AuthorizationPermissionMismatch":       CategoryAuth,
	"WriteOperationNotSupportedOnSecondary": CategoryAuth,
	"ShareQuotaExceeded":                    CategoryQuota,
	"RequestBodyTooLarge":                   CategoryQuota,
}

// CategoryOf returns the category of an error code. Unknown codes are
// internal.
func CategoryOf(code string) Category {
	if c, ok := categories[code]; ok {
		return c
	}
	return CategoryInternal
}

// FileError is a service error with a machine-readable code, a
// human-readable message, the HTTP status to return, and optional extra
// fields rendered into the XML error body.
type FileError struct {
	Code        string
	Message     string
	HTTPStatus  int
	ExtraFields map[string]string
}

// Error implements the error interface.
func (e *FileError) Error() string {
	return fmt.Sprintf("FileError %s (%d): %s", e.Code, e.HTTPStatus, e.Message)
}

// Category returns the category of the error's code.
func (e *FileError) Category() Category {
	return CategoryOf(e.Code)
}

// WithExtra returns a copy of the error with the given extra field set.
func (e *FileError) WithExtra(key, value string) *FileError {
	cp := *e
	cp.ExtraFields = make(map[string]string, len(e.ExtraFields)+1)
	for k, v := range e.ExtraFields {
		cp.ExtraFields[k] = v
	}
	cp.ExtraFields[key] = value
	return &cp
}

// WithMessage returns a copy of the error with a different message.
func (e *FileError) WithMessage(format string, args ...any) *FileError {
	cp := *e
	cp.Message = fmt.Sprintf(format, args...)
	return &cp
}

// Pre-defined errors.
var (
	ErrShareAlreadyExists = &FileError{
		Code:       "ShareAlreadyExists",
		Message:    "The specified share already exists.",
		HTTPStatus: http.StatusConflict,
	}

	ErrShareBeingDeleted = &FileError{
		Code:       "ShareBeingDeleted",
		Message:    "The specified share is being deleted.",
		HTTPStatus: http.StatusConflict,
	}

	ErrShareNotFound = &FileError{
		Code:       "ShareNotFound",
		Message:    "The specified share does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrResourceAlreadyExists = &FileError{
		Code:       "ResourceAlreadyExists",
		Message:    "The specified resource already exists.",
		HTTPStatus: http.StatusConflict,
	}

	ErrResourceNotFound = &FileError{
		Code:       "ResourceNotFound",
		Message:    "The specified resource does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrParentNotFound = &FileError{
		Code:       "ParentNotFound",
		Message:    "The specified parent path does not exist.",
		HTTPStatus: http.StatusNotFound,
	}

	ErrResourceTypeMismatch = &FileError{
		Code:       "ResourceTypeMismatch",
		Message:    "The specified resource type does not match the type of the existing resource.",
		HTTPStatus: http.StatusConflict,
	}

	ErrDirectoryNotEmpty = &FileError{
		Code:       "DirectoryNotEmpty",
		Message:    "The specified directory is not empty.",
		HTTPStatus: http.StatusConflict,
	}

	ErrMd5Mismatch = &FileError{
		Code:       "Md5Mismatch",
		Message:    "The MD5 value specified in the request did not match the MD5 value calculated by the server.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidResourceName = &FileError{
		Code:       "InvalidResourceName",
		Message:    "The specified resource name contains invalid characters.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidMetadata = &FileError{
		Code:       "InvalidMetadata",
		Message:    "The metadata specified is invalid. It has characters that are not permitted.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidQueryParameterValue = &FileError{
		Code:       "InvalidQueryParameterValue",
		Message:    "Value for one of the query parameters specified in the request URI is invalid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidHeaderValue = &FileError{
		Code:       "InvalidHeaderValue",
		Message:    "The value for one of the HTTP headers is not in the correct format.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidMarker = &FileError{
		Code:       "InvalidMarker",
		Message:    "The specified marker is invalid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidUri = &FileError{
		Code:       "InvalidUri",
		Message:    "The requested URI does not represent any resource on the server.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidXMLDocument = &FileError{
		Code:       "InvalidXmlDocument",
		Message:    "XML specified is not syntactically valid.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrMissingRequiredHeader = &FileError{
		Code:       "MissingRequiredHeader",
		Message:    "An HTTP header that's mandatory for this request is not specified.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrOutOfRangeInput = &FileError{
		Code:       "OutOfRangeInput",
		Message:    "One of the request inputs is out of range.",
		HTTPStatus: http.StatusBadRequest,
	}

	ErrInvalidRange = &FileError{
		Code:       "InvalidRange",
		Message:    "The range specified is invalid for the current size of the resource.",
		HTTPStatus: http.StatusRequestedRangeNotSatisfiable,
	}

	ErrUnsupportedHTTPVerb = &FileError{
		Code:       "UnsupportedHttpVerb",
		Message:    "The resource doesn't support the specified HTTP verb.",
		HTTPStatus: http.StatusMethodNotAllowed,
	}

	ErrConditionNotMet = &FileError{
		Code:       "ConditionNotMet",
		Message:    "The condition specified using HTTP conditional header(s) is not met.",
		HTTPStatus: http.StatusPreconditionFailed,
	}

	ErrAuthenticationFailed = &FileError{
		Code:       "AuthenticationFailed",
		Message:    "Server failed to authenticate the request. Make sure the value of the Authorization header is formed correctly including the signature.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAuthorizationFailure = &FileError{
		Code:       "AuthorizationFailure",
		Message:    "This request is not authorized to perform this operation.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrAuthorizationPermissionMismatch = &FileError{
		Code:       "AuthorizationPermissionMismatch",
		Message:    "This request is not authorized to perform this operation using this permission.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrWriteOperationNotSupportedOnSecondary = &FileError{
		Code:       "WriteOperationNotSupportedOnSecondary",
		Message:    "Write operations are not allowed on the secondary location.",
		HTTPStatus: http.StatusForbidden,
	}

	ErrShareQuotaExceeded = &FileError{
		Code:       "ShareQuotaExceeded",
		Message:    "The specified share has reached its quota.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrRequestBodyTooLarge = &FileError{
		Code:       "RequestBodyTooLarge",
		Message:    "The request body is too large and exceeds the maximum permissible limit.",
		HTTPStatus: http.StatusRequestEntityTooLarge,
	}

	ErrNotImplemented = &FileError{
		Code:       "NotImplemented",
		Message:    "The requested functionality is not implemented.",
		HTTPStatus: http.StatusNotImplemented,
	}

	ErrInternalError = &FileError{
		Code:       "InternalError",
		Message:    "The server encountered an internal error. Please retry the request.",
		HTTPStatus: http.StatusInternalServerError,
	}

	ErrServerBusy = &FileError{
		Code:       "ServerBusy",
		Message:    "The server is currently unable to receive requests. Please retry your request.",
		HTTPStatus: http.StatusServiceUnavailable,
	}
)
