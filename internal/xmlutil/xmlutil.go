// Package xmlutil provides the XML documents of the BleepFile wire protocol
// and helpers for rendering them. The same types are decoded by the client
// SDK.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"time"

	fserr "github.com/bleepstore/bleepfile/internal/errors"
)

// xmlHeader is the standard XML declaration prepended to all responses.
const xmlHeader = `<?xml version="1.0" encoding="utf-8"?>` + "\n"

// RequestIDHeader carries the per-request UUID on every response.
const RequestIDHeader = "x-ms-request-id"

// ErrorDetail is an additional element inside an error body.
type ErrorDetail struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// ErrorResponse is the XML body of every error response.
type ErrorResponse struct {
	XMLName   xml.Name      `xml:"Error"`
	Code      string        `xml:"Code"`
	Message   string        `xml:"Message"`
	RequestID string        `xml:"RequestId,omitempty"`
	Details   []ErrorDetail `xml:",any"`
}

// Metadata is a set of user-defined name/value pairs. It encodes as one
// element per name, in name order.
type Metadata map[string]string

// MarshalXML writes each pair as <name>value</name>.
func (m Metadata) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, k := range slices.Sorted(maps.Keys(m)) {
		if err := e.EncodeElement(m[k], xml.StartElement{Name: xml.Name{Local: k}}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML reads child elements as name/value pairs.
func (m *Metadata) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	if *m == nil {
		*m = make(Metadata)
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var v string
			if err := d.DecodeElement(&v, &t); err != nil {
				return err
			}
			(*m)[t.Name.Local] = v
		case xml.EndElement:
			return nil
		}
	}
}

// ShareProperties are the properties returned for each listed share.
type ShareProperties struct {
	LastModified string `xml:"Last-Modified"`
	Etag         string `xml:"Etag"`
	Quota        int    `xml:"Quota"`
}

// ShareItem is one share in a share listing.
type ShareItem struct {
	Name       string          `xml:"Name"`
	Properties ShareProperties `xml:"Properties"`
	Metadata   Metadata        `xml:"Metadata,omitempty"`
}

// ShareEnumerationResults is the response of the List Shares operation.
type ShareEnumerationResults struct {
	XMLName         xml.Name    `xml:"EnumerationResults"`
	ServiceEndpoint string      `xml:"ServiceEndpoint,attr"`
	Prefix          string      `xml:"Prefix,omitempty"`
	Marker          string      `xml:"Marker,omitempty"`
	MaxResults      int         `xml:"MaxResults,omitempty"`
	Shares          []ShareItem `xml:"Shares>Share"`
	NextMarker      string      `xml:"NextMarker"`
}

// Element names of the two kinds of directory entries.
const (
	ElementFile      = "File"
	ElementDirectory = "Directory"
)

// EntryProperties are the properties returned for a listed file.
type EntryProperties struct {
	ContentLength int64  `xml:"Content-Length"`
	LastModified  string `xml:"Last-Modified,omitempty"`
	Etag          string `xml:"Etag,omitempty"`
}

// EntryItem is one file or directory in a directory listing. The element
// name (File or Directory) carries the kind.
type EntryItem struct {
	XMLName    xml.Name
	Name       string           `xml:"Name"`
	Properties *EntryProperties `xml:"Properties,omitempty"`
	Metadata   Metadata         `xml:"Metadata,omitempty"`
}

// NewFileItem returns a listing item for a file of the given size.
func NewFileItem(name string, size int64) EntryItem {
	return EntryItem{
		XMLName:    xml.Name{Local: ElementFile},
		Name:       name,
		Properties: &EntryProperties{ContentLength: size},
	}
}

// NewDirectoryItem returns a listing item for a directory.
func NewDirectoryItem(name string) EntryItem {
	return EntryItem{XMLName: xml.Name{Local: ElementDirectory}, Name: name}
}

// IsDir reports whether the item is a directory.
func (e EntryItem) IsDir() bool { return e.XMLName.Local == ElementDirectory }

// EntryList keeps files and directories in one ordered sequence of mixed
// File and Directory elements.
type EntryList []EntryItem

// MarshalXML writes the entries in order, each under its own element name.
func (l EntryList) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	for _, item := range l {
		if err := e.EncodeElement(item, xml.StartElement{Name: item.XMLName}); err != nil {
			return err
		}
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML reads File and Directory elements in document order.
func (l *EntryList) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local != ElementFile && t.Name.Local != ElementDirectory {
				if err := d.Skip(); err != nil {
					return err
				}
				continue
			}
			var item EntryItem
			if err := d.DecodeElement(&item, &t); err != nil {
				return err
			}
			*l = append(*l, item)
		case xml.EndElement:
			return nil
		}
	}
}

// EntryEnumerationResults is the response of the List Directories and Files
// operation.
type EntryEnumerationResults struct {
	XMLName         xml.Name  `xml:"EnumerationResults"`
	ServiceEndpoint string    `xml:"ServiceEndpoint,attr"`
	ShareName       string    `xml:"ShareName,attr"`
	DirectoryPath   string    `xml:"DirectoryPath,attr"`
	Prefix          string    `xml:"Prefix,omitempty"`
	Marker          string    `xml:"Marker,omitempty"`
	MaxResults      int       `xml:"MaxResults,omitempty"`
	Entries         EntryList `xml:"Entries"`
	NextMarker      string    `xml:"NextMarker"`
}

// AccessPolicy is the policy of a stored access identifier.
type AccessPolicy struct {
	Start      string `xml:"Start,omitempty"`
	Expiry     string `xml:"Expiry,omitempty"`
	Permission string `xml:"Permission,omitempty"`
}

// SignedIdentifier is one stored access policy of a share.
type SignedIdentifier struct {
	ID           string       `xml:"Id"`
	AccessPolicy AccessPolicy `xml:"AccessPolicy"`
}

// SignedIdentifiers is the body of Get/Set Share ACL.
type SignedIdentifiers struct {
	XMLName xml.Name           `xml:"SignedIdentifiers"`
	Items   []SignedIdentifier `xml:"SignedIdentifier"`
}

// ShareStats is the response of Get Share Stats.
type ShareStats struct {
	XMLName         xml.Name `xml:"ShareStats"`
	ShareUsageBytes int64    `xml:"ShareUsageBytes"`
	FileCount       int64    `xml:"FileCount"`
	DirectoryCount  int64    `xml:"DirectoryCount"`
}

// ListingProperties describes how the service pages listings.
type ListingProperties struct {
	DefaultMaxResults int `xml:"DefaultMaxResults"`
	MaxResults        int `xml:"MaxResults"`
}

// StorageServiceProperties is the response of Get File Service Properties.
type StorageServiceProperties struct {
	XMLName xml.Name          `xml:"StorageServiceProperties"`
	Listing ListingProperties `xml:"Listing"`
	// ReadOnly is true on a secondary endpoint.
	ReadOnly bool `xml:"ReadOnly"`
}

// RenderError writes an error XML response. Extra fields of the error are
// rendered as additional elements.
func RenderError(w http.ResponseWriter, fErr *fserr.FileError) {
	resp := ErrorResponse{
		Code:      fErr.Code,
		Message:   fErr.Message,
		RequestID: w.Header().Get(RequestIDHeader),
	}
	for _, k := range slices.Sorted(maps.Keys(fErr.ExtraFields)) {
		resp.Details = append(resp.Details, ErrorDetail{
			XMLName: xml.Name{Local: k},
			Value:   fErr.ExtraFields[k],
		})
	}
	w.Header().Set("x-ms-error-code", fErr.Code)
	writeXML(w, fErr.HTTPStatus, resp)
}

// WriteErrorResponse renders fErr for r. HEAD responses carry the status and
// error code header without a body.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, fErr *fserr.FileError) {
	if r.Method == http.MethodHead {
		w.Header().Set("x-ms-error-code", fErr.Code)
		w.WriteHeader(fErr.HTTPStatus)
		return
	}
	RenderError(w, fErr)
}

// RenderXML writes v as an XML document with the given status.
func RenderXML(w http.ResponseWriter, status int, v any) {
	writeXML(w, status, v)
}

// FormatTimeHTTP formats a time as an HTTP date per RFC 7231
// (e.g., "Mon, 02 Jan 2006 15:04:05 GMT").
func FormatTimeHTTP(t time.Time) string {
	return t.UTC().Format(http.TimeFormat)
}

// FormatTimeISO formats a time for access policies.
func FormatTimeISO(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.0000000Z")
}

// ParseTimeISO parses an access policy time. Empty input is the zero time.
func ParseTimeISO(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid ISO 8601 time %q", s)
}

// Decode reads one XML document into v.
func Decode(r io.Reader, v any) error {
	return xml.NewDecoder(r).Decode(v)
}

// writeXML marshals v as XML and writes it to w with the given HTTP status code.
func writeXML(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)

	io.WriteString(w, xmlHeader)
	enc := xml.NewEncoder(w)
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(w, "<!-- XML encoding error: %v -->", err)
	}
}
