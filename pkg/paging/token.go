// Package paging implements the segmented-listing protocol shared by every
// listing operation in BleepFile: a continuation token that names where the
// next page starts, a generic page type, and a pager that follows tokens
// until the listing is complete.
package paging

import (
	"encoding/xml"
	"errors"
	"fmt"
)

// LocationMode names the endpoint that served (or should serve) a page.
type LocationMode string

const (
	// LocationUnset means no hint; the caller's default location is used.
	LocationUnset     LocationMode = ""
	LocationPrimary   LocationMode = "Primary"
	LocationSecondary LocationMode = "Secondary"
)

// Valid reports whether m is a known location, including unset.
func (m LocationMode) Valid() bool {
	switch m {
	case LocationUnset, LocationPrimary, LocationSecondary:
		return true
	}
	return false
}

const (
	tokenVersion = "1.0"
	tokenType    = "File"
)

// ErrInvalidToken is returned when a serialized token cannot be parsed.
var ErrInvalidToken = errors.New("paging: invalid continuation token")

// ContinuationToken is an opaque cursor naming the next starting point of a
// listing. A nil *ContinuationToken means the listing is complete.
type ContinuationToken struct {
	// NextMarker is the service marker to send with the next request.
	NextMarker string
	// TargetLocation is the location that produced the token. Clearing it is
	// allowed; the listing then continues against the default location.
	TargetLocation LocationMode
}

// NewContinuationToken returns a token for nextMarker, or nil when the
// marker is empty (no more pages).
func NewContinuationToken(nextMarker string, loc LocationMode) *ContinuationToken {
	if nextMarker == "" {
		return nil
	}
	return &ContinuationToken{NextMarker: nextMarker, TargetLocation: loc}
}

type tokenXML struct {
	XMLName        xml.Name `xml:"ContinuationToken"`
	Version        string   `xml:"Version"`
	Type           string   `xml:"Type"`
	NextMarker     string   `xml:"NextMarker"`
	TargetLocation string   `xml:"TargetLocation,omitempty"`
}

// MarshalXML writes the token as a ContinuationToken element.
func (t ContinuationToken) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	v := tokenXML{
		Version:        tokenVersion,
		Type:           tokenType,
		NextMarker:     t.NextMarker,
		TargetLocation: string(t.TargetLocation),
	}
	start.Name = xml.Name{Local: "ContinuationToken"}
	return e.EncodeElement(v, start)
}

// UnmarshalXML reads a ContinuationToken element.
func (t *ContinuationToken) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	if start.Name.Local != "ContinuationToken" {
		return fmt.Errorf("%w: unexpected element %q", ErrInvalidToken, start.Name.Local)
	}
	var v tokenXML
	if err := d.DecodeElement(&v, &start); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if v.Version != tokenVersion {
		return fmt.Errorf("%w: unsupported version %q", ErrInvalidToken, v.Version)
	}
	if v.Type != tokenType {
		return fmt.Errorf("%w: unsupported type %q", ErrInvalidToken, v.Type)
	}
	loc := LocationMode(v.TargetLocation)
	if !loc.Valid() {
		return fmt.Errorf("%w: unknown target location %q", ErrInvalidToken, v.TargetLocation)
	}
	t.NextMarker = v.NextMarker
	t.TargetLocation = loc
	return nil
}

// ParseContinuationToken decodes a token previously produced by String or
// xml.Marshal. Empty input yields a nil token.
func ParseContinuationToken(data []byte) (*ContinuationToken, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var t ContinuationToken
	if err := xml.Unmarshal(data, &t); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if t.NextMarker == "" {
		return nil, fmt.Errorf("%w: empty NextMarker", ErrInvalidToken)
	}
	return &t, nil
}

// String returns the XML form of the token. A nil token renders as "".
func (t *ContinuationToken) String() string {
	if t == nil {
		return ""
	}
	out, err := xml.Marshal(t)
	if err != nil {
		return ""
	}
	return string(out)
}

// WithoutLocation returns a copy of t with the location hint cleared.
func (t *ContinuationToken) WithoutLocation() *ContinuationToken {
	if t == nil {
		return nil
	}
	return &ContinuationToken{NextMarker: t.NextMarker}
}
