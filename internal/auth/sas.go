package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bleepstore/bleepfile/internal/xmlutil"
)

// SAS resource kinds (the sr parameter).
const (
	SASResourceShare     = "s"
	SASResourceDirectory = "d"
	SASResourceFile      = "f"
)

// sasPermissionOrder is the set and canonical order of SAS permissions:
// read, create, write, delete, list.
const sasPermissionOrder = "rcwdl"

// SASTimeFormat formats start and expiry times in generated tokens.
const SASTimeFormat = "2006-01-02T15:04:05Z"

// SASValues are the fields of a service shared access signature. Start and
// Expiry hold the text exactly as it appears in the query so the signature
// covers the same bytes on both sides.
type SASValues struct {
	Version     string // sv
	Resource    string // sr
	Permissions string // sp
	Start       string // st
	Expiry      string // se
	Identifier  string // si
	Signature   string // sig

	// Share and Path name the signed resource. Path is empty for a share
	// SAS and is the directory or file path otherwise.
	Share string
	Path  string
}

// canonicalResource is the resource string covered by the signature.
func (v *SASValues) canonicalResource(accountName string) string {
	res := "/file/" + accountName + "/" + v.Share
	if v.Resource != SASResourceShare && v.Path != "" {
		res += "/" + v.Path
	}
	return res
}

func (v *SASValues) stringToSign(accountName string) string {
	return strings.Join([]string{
		v.Permissions,
		v.Start,
		v.Expiry,
		v.canonicalResource(accountName),
		v.Identifier,
		v.Version,
		v.Resource,
	}, "\n")
}

// Sign computes the signature with the account key and returns the SAS
// query parameters.
func (v SASValues) Sign(accountName string, key []byte) (url.Values, error) {
	switch v.Resource {
	case SASResourceShare, SASResourceDirectory, SASResourceFile:
	default:
		return nil, fmt.Errorf("invalid SAS resource %q", v.Resource)
	}
	perms, err := normalizePermissions(v.Permissions)
	if err != nil {
		return nil, err
	}
	v.Permissions = perms
	if v.Version == "" {
		v.Version = DefaultVersion
	}

	q := url.Values{}
	q.Set("sv", v.Version)
	q.Set("sr", v.Resource)
	setIf(q, "sp", v.Permissions)
	setIf(q, "st", v.Start)
	setIf(q, "se", v.Expiry)
	setIf(q, "si", v.Identifier)
	if v.Resource == SASResourceDirectory {
		q.Set("sdd", strconv.Itoa(pathDepth(v.Path)))
	}
	q.Set("sig", computeHMAC(key, v.stringToSign(accountName)))
	return q, nil
}

func setIf(q url.Values, k, v string) {
	if v != "" {
		q.Set(k, v)
	}
}

// normalizePermissions validates a permission string and returns it in
// canonical order.
func normalizePermissions(p string) (string, error) {
	var sb strings.Builder
	for _, c := range sasPermissionOrder {
		if strings.ContainsRune(p, c) {
			sb.WriteRune(c)
		}
	}
	for _, c := range p {
		if !strings.ContainsRune(sasPermissionOrder, c) {
			return "", fmt.Errorf("invalid SAS permission %q", c)
		}
	}
	return sb.String(), nil
}

func pathDepth(p string) int {
	if p == "" {
		return 0
	}
	return strings.Count(p, "/") + 1
}

// splitRequestPath splits a request path into share and entry path.
func splitRequestPath(p string) (share, rest string) {
	p = strings.TrimPrefix(p, "/")
	share, rest, _ = strings.Cut(p, "/")
	return share, strings.Trim(rest, "/")
}

// VerifySAS validates the shared access signature in r's query. Missing
// permission, start or expiry fields are taken from the share's stored
// access policy named by si.
func (v *Verifier) VerifySAS(r *http.Request) (*SASValues, error) {
	q := r.URL.Query()
	share, reqPath := splitRequestPath(r.URL.Path)
	if share == "" {
		return nil, authFailed("A service SAS cannot be used on the service endpoint.")
	}

	sas := &SASValues{
		Version:     q.Get("sv"),
		Resource:    q.Get("sr"),
		Permissions: q.Get("sp"),
		Start:       q.Get("st"),
		Expiry:      q.Get("se"),
		Identifier:  q.Get("si"),
		Signature:   q.Get("sig"),
		Share:       share,
	}

	switch sas.Resource {
	case SASResourceShare:
	case SASResourceFile:
		sas.Path = reqPath
	case SASResourceDirectory:
		depth, err := strconv.Atoi(q.Get("sdd"))
		if err != nil || depth < 0 {
			return nil, authFailed("Signed directory depth is missing or invalid.")
		}
		parts := []string{}
		if reqPath != "" {
			parts = strings.Split(reqPath, "/")
		}
		if depth > len(parts) {
			return nil, authFailed("Signed directory depth exceeds the request path.")
		}
		sas.Path = strings.Join(parts[:depth], "/")
	default:
		return nil, authFailed("Signed resource %q is not valid.", sas.Resource)
	}

	key, err := v.accountKeyFor(r.Context(), v.AccountName)
	if err != nil {
		return nil, err
	}
	expected := computeHMAC(key, sas.stringToSign(v.AccountName))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sas.Signature)) != 1 {
		return nil, authFailed("Signature did not match.")
	}

	effective := *sas
	if sas.Identifier != "" {
		if err := v.applyStoredPolicy(r, &effective); err != nil {
			return nil, err
		}
	}

	now := v.now()
	if effective.Expiry == "" {
		return nil, authFailed("Signed expiry time is missing.")
	}
	expiry, err := xmlutil.ParseTimeISO(effective.Expiry)
	if err != nil {
		return nil, authFailed("Signed expiry time is invalid.")
	}
	if !now.Before(expiry) {
		return nil, authFailed("Signed expiry time [%s] has to be after the current time.", effective.Expiry)
	}
	if effective.Start != "" {
		start, err := xmlutil.ParseTimeISO(effective.Start)
		if err != nil {
			return nil, authFailed("Signed start time is invalid.")
		}
		if now.Before(start) {
			return nil, authFailed("Signed start time [%s] is in the future.", effective.Start)
		}
	}

	perms, err := normalizePermissions(effective.Permissions)
	if err != nil {
		return nil, authFailed("%v", err)
	}
	effective.Permissions = perms
	if err := checkSASPermission(r, &effective, reqPath); err != nil {
		return nil, err
	}
	return &effective, nil
}

// applyStoredPolicy fills empty SAS fields from the share's access policy.
func (v *Verifier) applyStoredPolicy(r *http.Request, sas *SASValues) error {
	rec, err := v.Meta.GetShare(r.Context(), sas.Share)
	if err != nil {
		return &AuthError{Code: "InternalError", Message: "Failed to look up share access policy"}
	}
	if rec == nil {
		return authFailed("The share of the signed identifier does not exist.")
	}
	for _, id := range rec.ACL {
		if id.ID != sas.Identifier {
			continue
		}
		if sas.Permissions == "" {
			sas.Permissions = id.Permission
		}
		if sas.Start == "" {
			sas.Start = xmlutil.FormatTimeISO(id.Start)
		}
		if sas.Expiry == "" {
			sas.Expiry = xmlutil.FormatTimeISO(id.Expiry)
		}
		return nil
	}
	return authFailed("Signed identifier %q is not a stored access policy of the share.", sas.Identifier)
}

// checkSASPermission verifies that the request targets the signed resource
// and that the granted permissions cover the operation.
func checkSASPermission(r *http.Request, sas *SASValues, reqPath string) error {
	q := r.URL.Query()
	restype, comp := q.Get("restype"), q.Get("comp")

	mismatch := &AuthError{
		Code:    "AuthorizationPermissionMismatch",
		Message: "This request is not authorized to perform this operation using this permission.",
	}

	switch sas.Resource {
	case SASResourceFile:
		if reqPath != sas.Path {
			return &AuthError{Code: "AuthorizationFailure", Message: "The SAS does not grant access to this resource."}
		}
	case SASResourceDirectory:
		if sas.Path != "" && reqPath != sas.Path && !strings.HasPrefix(reqPath, sas.Path+"/") {
			return &AuthError{Code: "AuthorizationFailure", Message: "The SAS does not grant access to this resource."}
		}
	}

	if restype == "share" && (r.Method != http.MethodGet && r.Method != http.MethodHead || comp == "acl") {
		return mismatch
	}

	var accepted string
	switch r.Method {
	case http.MethodGet, http.MethodHead:
		accepted = "r"
		if comp == "list" {
			accepted = "l"
		}
	case http.MethodPut:
		accepted = "cw"
		if comp == "metadata" || comp == "properties" {
			accepted = "w"
		} else if restype == "directory" {
			accepted = "c"
		}
	case http.MethodDelete:
		accepted = "d"
	default:
		return mismatch
	}
	if !strings.ContainsAny(sas.Permissions, accepted) {
		return mismatch
	}
	return nil
}

// NewSASExpiry returns an expiry string d from now.
func NewSASExpiry(now time.Time, d time.Duration) string {
	return now.Add(d).UTC().Format(SASTimeFormat)
}
