// Package auth implements SharedKey and shared access signature (SAS)
// request authentication for the file service, on both sides of the wire.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bleepstore/bleepfile/internal/metadata"
)

const (
	// sharedKeyScheme prefixes the Authorization header value.
	sharedKeyScheme = "SharedKey"

	// DefaultCredentialCacheTTL is used when the verifier is given no TTL.
	DefaultCredentialCacheTTL = 60 * time.Second

	// maxCacheEntries is the maximum number of cached credential lookups.
	maxCacheEntries = 1000

	// clockSkewTolerance is the default maximum clock skew for SharedKey requests.
	clockSkewTolerance = 15 * time.Minute

	// DefaultVersion is the protocol version sent in x-ms-version.
	DefaultVersion = "2023-11-03"
)

// credCacheEntry holds a cached credential record with its expiration.
type credCacheEntry struct {
	cred      *metadata.CredentialRecord
	expiresAt time.Time
}

// contextKey is an unexported type used for context keys to avoid collisions.
type contextKey int

const (
	accountKey contextKey = iota
	sasKey
)

// AccountFromContext returns the authenticated account name, if any.
func AccountFromContext(ctx context.Context) string {
	v, _ := ctx.Value(accountKey).(string)
	return v
}

// SASFromContext returns the verified SAS of the request, if it used one.
func SASFromContext(ctx context.Context) *SASValues {
	v, _ := ctx.Value(sasKey).(*SASValues)
	return v
}

// AuthError is an authentication failure with a service error code.
type AuthError struct {
	Code    string // AuthenticationFailed, AuthorizationPermissionMismatch, ...
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func authFailed(format string, args ...any) *AuthError {
	return &AuthError{Code: "AuthenticationFailed", Message: fmt.Sprintf(format, args...)}
}

// DecodeAccountKey decodes a base64 account key.
func DecodeAccountKey(key string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("account key is not valid base64: %w", err)
	}
	return b, nil
}

// Signer signs outgoing requests with an account's shared key. It is used
// by the client SDK and the CLI.
type Signer struct {
	AccountName string
	key         []byte
}

// NewSigner returns a Signer for the account and its base64 key.
func NewSigner(accountName, accountKey string) (*Signer, error) {
	key, err := DecodeAccountKey(accountKey)
	if err != nil {
		return nil, err
	}
	return &Signer{AccountName: accountName, key: key}, nil
}

// SignRequest sets x-ms-date (when absent) and the Authorization header.
func (s *Signer) SignRequest(r *http.Request, now time.Time) {
	if r.Header.Get("x-ms-date") == "" {
		r.Header.Set("x-ms-date", now.UTC().Format(http.TimeFormat))
	}
	sig := computeHMAC(s.key, StringToSign(r, s.AccountName))
	r.Header.Set("Authorization", sharedKeyScheme+" "+s.AccountName+":"+sig)
}

// Key returns the decoded account key.
func (s *Signer) Key() []byte { return s.key }

// StringToSign builds the SharedKey string to sign for r.
func StringToSign(r *http.Request, accountName string) string {
	h := r.Header
	contentLength := ""
	if r.ContentLength > 0 {
		contentLength = strconv.FormatInt(r.ContentLength, 10)
	}
	date := h.Get("Date")
	if h.Get("x-ms-date") != "" {
		date = ""
	}

	parts := []string{
		r.Method,
		h.Get("Content-Encoding"),
		h.Get("Content-Language"),
		contentLength,
		h.Get("Content-MD5"),
		h.Get("Content-Type"),
		date,
		h.Get("If-Modified-Since"),
		h.Get("If-Match"),
		h.Get("If-None-Match"),
		h.Get("If-Unmodified-Since"),
		h.Get("Range"),
	}
	return strings.Join(parts, "\n") + "\n" +
		canonicalizedHeaders(h) +
		canonicalizedResource(r.URL, accountName)
}

// canonicalizedHeaders lists x-ms-* headers, lowercased and sorted, one
// "name:value" per line.
func canonicalizedHeaders(h http.Header) string {
	var names []string
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-ms-") {
			names = append(names, lower)
		}
	}
	slices.Sort(names)

	var sb strings.Builder
	for _, name := range names {
		values := slices.Clone(h.Values(name))
		for i, v := range values {
			values[i] = strings.TrimSpace(v)
		}
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(values, ","))
		sb.WriteByte('\n')
	}
	return sb.String()
}

// canonicalizedResource is "/account/escaped-path" followed by one
// "name:v1,v2" line per query parameter, names lowercased and sorted.
func canonicalizedResource(u *url.URL, accountName string) string {
	var sb strings.Builder
	sb.WriteByte('/')
	sb.WriteString(accountName)
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	sb.WriteString(path)

	query := u.Query()
	names := make([]string, 0, len(query))
	lowered := make(map[string][]string, len(query))
	for name, values := range query {
		lower := strings.ToLower(name)
		if _, seen := lowered[lower]; !seen {
			names = append(names, lower)
		}
		lowered[lower] = append(lowered[lower], values...)
	}
	slices.Sort(names)
	for _, name := range names {
		values := lowered[name]
		slices.Sort(values)
		sb.WriteByte('\n')
		sb.WriteString(name)
		sb.WriteByte(':')
		sb.WriteString(strings.Join(values, ","))
	}
	return sb.String()
}

// computeHMAC returns the base64 HMAC-SHA256 of data.
func computeHMAC(key []byte, data string) string {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Verifier authenticates incoming requests against credentials held in the
// metadata store.
type Verifier struct {
	// Meta is the metadata store used to look up credentials and share
	// access policies.
	Meta metadata.MetadataStore
	// AccountName is the service account that SAS tokens are issued for.
	AccountName string
	// CacheTTL bounds how long a credential lookup is reused.
	CacheTTL time.Duration
	// ClockSkew is the accepted difference between the request date and now.
	ClockSkew time.Duration

	now func() time.Time

	credCacheMu sync.RWMutex
	credCache   map[string]credCacheEntry
}

// NewVerifier creates a Verifier. A non-positive ttl uses
// DefaultCredentialCacheTTL.
func NewVerifier(meta metadata.MetadataStore, accountName string, ttl time.Duration) *Verifier {
	if ttl <= 0 {
		ttl = DefaultCredentialCacheTTL
	}
	return &Verifier{
		Meta:        meta,
		AccountName: accountName,
		CacheTTL:    ttl,
		ClockSkew:   clockSkewTolerance,
		now:         time.Now,
		credCache:   make(map[string]credCacheEntry),
	}
}

// cachedGetCredential returns a cached credential or fetches and caches from the store.
func (v *Verifier) cachedGetCredential(ctx context.Context, accountName string) (*metadata.CredentialRecord, error) {
	now := v.now()

	v.credCacheMu.RLock()
	if entry, ok := v.credCache[accountName]; ok && now.Before(entry.expiresAt) {
		v.credCacheMu.RUnlock()
		return entry.cred, nil
	}
	v.credCacheMu.RUnlock()

	cred, err := v.Meta.GetCredential(ctx, accountName)
	if err != nil {
		return nil, err
	}

	v.credCacheMu.Lock()
	if len(v.credCache) >= maxCacheEntries {
		v.credCache = make(map[string]credCacheEntry)
	}
	v.credCache[accountName] = credCacheEntry{
		cred:      cred,
		expiresAt: now.Add(v.CacheTTL),
	}
	v.credCacheMu.Unlock()

	return cred, nil
}

// accountKeyFor returns the decoded key of an active account.
func (v *Verifier) accountKeyFor(ctx context.Context, accountName string) ([]byte, error) {
	cred, err := v.cachedGetCredential(ctx, accountName)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "Failed to look up credentials"}
	}
	if cred == nil || !cred.Active {
		return nil, authFailed("The account %q is not known to this service.", accountName)
	}
	key, err := DecodeAccountKey(cred.AccountKey)
	if err != nil {
		return nil, &AuthError{Code: "InternalError", Message: "Stored account key is invalid"}
	}
	return key, nil
}

// VerifySharedKey validates the SharedKey Authorization header of r and
// returns the authenticated account name.
func (v *Verifier) VerifySharedKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || scheme != sharedKeyScheme {
		return "", authFailed("Authorization header is not a SharedKey header.")
	}
	account, signature, ok := strings.Cut(rest, ":")
	if !ok || account == "" || signature == "" {
		return "", authFailed("Authorization header is malformed.")
	}

	date := r.Header.Get("x-ms-date")
	if date == "" {
		date = r.Header.Get("Date")
	}
	if date == "" {
		return "", &AuthError{Code: "MissingRequiredHeader", Message: "An x-ms-date or Date header is required."}
	}
	requestTime, err := http.ParseTime(date)
	if err != nil {
		return "", authFailed("The date header %q is not a valid HTTP date.", date)
	}
	diff := v.now().Sub(requestTime)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.ClockSkew {
		return "", authFailed("Request date header too old or too far in the future.")
	}

	key, err := v.accountKeyFor(r.Context(), account)
	if err != nil {
		return "", err
	}

	expected := computeHMAC(key, StringToSign(r, account))
	if subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) != 1 {
		return "", authFailed("The MAC signature found in the HTTP request is not the same as any computed signature.")
	}
	return account, nil
}

// DetectAuthMethod returns "sharedkey", "sas", "ambiguous" or "none".
func DetectAuthMethod(r *http.Request) string {
	hasHeader := strings.HasPrefix(r.Header.Get("Authorization"), sharedKeyScheme+" ")
	hasQuery := r.URL.Query().Get("sig") != ""

	switch {
	case hasHeader && hasQuery:
		return "ambiguous"
	case hasHeader:
		return "sharedkey"
	case hasQuery:
		return "sas"
	}
	return "none"
}
