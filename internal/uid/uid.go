// Package uid generates identifiers for temp files and request IDs.
package uid

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 32-character hex identifier, used for temp file names.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// RequestID returns a dashed UUID suitable for the x-ms-request-id header.
func RequestID() string {
	return uuid.NewString()
}
