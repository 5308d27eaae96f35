// Package naming validates share, directory, file and metadata names. The
// same rules run in the client SDK, before any request is sent, and in the
// server handlers.
package naming

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Limits.
const (
	MinShareNameLength = 3
	MaxShareNameLength = 63
	MaxComponentLength = 255
	MaxPathLength      = 2048
	MaxPathDepth       = 250
)

// Kind identifies what was being validated.
type Kind string

const (
	KindShare     Kind = "share"
	KindDirectory Kind = "directory"
	KindFile      Kind = "file"
	KindPath      Kind = "path"
	KindMetadata  Kind = "metadata"
)

// ErrInvalidName is wrapped by every validation failure.
var ErrInvalidName = errors.New("invalid resource name")

// Error describes why a name was rejected.
type Error struct {
	Kind   Kind
	Name   string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s name %q: %s", e.Kind, e.Name, e.Reason)
}

// Unwrap lets errors.Is match ErrInvalidName.
func (e *Error) Unwrap() error { return ErrInvalidName }

var (
	shareNameRe    = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`)
	metadataNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// ReservedShareNames are the first path segments of the server's
// operational endpoints. A share with one of these names could never be
// addressed.
var ReservedShareNames = []string{"docs", "health", "metrics", "openapi", "ready"}

const invalidComponentChars = "\"\\/:|<>*?"

// ValidateShareName checks share naming rules.
func ValidateShareName(name string) error {
	fail := func(reason string) error { return &Error{Kind: KindShare, Name: name, Reason: reason} }
	switch {
	case name == "":
		return fail("name is empty")
	case len(name) < MinShareNameLength:
		return fail(fmt.Sprintf("must be at least %d characters", MinShareNameLength))
	case len(name) > MaxShareNameLength:
		return fail(fmt.Sprintf("must be at most %d characters", MaxShareNameLength))
	case strings.Contains(name, "--"):
		return fail("consecutive hyphens are not permitted")
	case !shareNameRe.MatchString(name):
		return fail("only lowercase letters, digits and hyphens are allowed, starting and ending with a letter or digit")
	case slices.Contains(ReservedShareNames, name):
		return fail("name is reserved")
	}
	return nil
}

// ValidateDirectoryName checks a single directory path component.
func ValidateDirectoryName(name string) error {
	return validateComponent(KindDirectory, name)
}

// ValidateFileName checks a single file path component.
func ValidateFileName(name string) error {
	return validateComponent(KindFile, name)
}

func validateComponent(kind Kind, name string) error {
	fail := func(reason string) error { return &Error{Kind: kind, Name: name, Reason: reason} }
	if name == "" {
		return fail("name is empty")
	}
	if !utf8.ValidString(name) {
		return fail("name is not valid UTF-8")
	}
	if utf8.RuneCountInString(name) > MaxComponentLength {
		return fail(fmt.Sprintf("must be at most %d characters", MaxComponentLength))
	}
	if name == "." || name == ".." {
		return fail("reserved name")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fail("control characters are not permitted")
		}
		if strings.ContainsRune(invalidComponentChars, r) {
			return fail(fmt.Sprintf("character %q is not permitted", r))
		}
	}
	if strings.HasSuffix(name, ".") || strings.HasSuffix(name, " ") {
		return fail("name must not end with a dot or a space")
	}
	return nil
}

// SplitPath splits a slash-separated path into components, ignoring a
// leading or trailing slash. The empty path yields no components.
func SplitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// CleanPath returns p without leading or trailing slashes.
func CleanPath(p string) string {
	return strings.Trim(p, "/")
}

// ValidateDirectoryPath checks a directory path. The empty path (share
// root) is valid.
func ValidateDirectoryPath(p string) error {
	return validatePath(p, KindDirectory, true)
}

// ValidateFilePath checks a file path. The final component must be a valid
// file name.
func ValidateFilePath(p string) error {
	return validatePath(p, KindFile, false)
}

func validatePath(p string, last Kind, allowRoot bool) error {
	clean := CleanPath(p)
	if clean == "" {
		if allowRoot {
			return nil
		}
		return &Error{Kind: last, Name: p, Reason: "name is empty"}
	}
	if len(clean) > MaxPathLength {
		return &Error{Kind: KindPath, Name: p, Reason: fmt.Sprintf("must be at most %d characters", MaxPathLength)}
	}
	parts := strings.Split(clean, "/")
	if len(parts) > MaxPathDepth {
		return &Error{Kind: KindPath, Name: p, Reason: fmt.Sprintf("must have at most %d components", MaxPathDepth)}
	}
	for i, part := range parts {
		kind := KindDirectory
		if i == len(parts)-1 {
			kind = last
		}
		if err := validateComponent(kind, part); err != nil {
			return err
		}
	}
	return nil
}

// ValidateMetadata checks metadata names. Names are case-insensitive, so
// two keys that differ only in case are rejected.
func ValidateMetadata(md map[string]string) error {
	seen := make(map[string]struct{}, len(md))
	for k := range md {
		if !metadataNameRe.MatchString(k) {
			return &Error{Kind: KindMetadata, Name: k, Reason: "must be a valid identifier"}
		}
		lk := strings.ToLower(k)
		if _, dup := seen[lk]; dup {
			return &Error{Kind: KindMetadata, Name: k, Reason: "duplicate name"}
		}
		seen[lk] = struct{}{}
	}
	return nil
}

// Parent returns the parent directory of p ("" for the share root) and the
// final component.
func Parent(p string) (dir, name string) {
	clean := CleanPath(p)
	i := strings.LastIndexByte(clean, '/')
	if i < 0 {
		return "", clean
	}
	return clean[:i], clean[i+1:]
}

// Join joins a directory path and a name.
func Join(dir, name string) string {
	dir = CleanPath(dir)
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
