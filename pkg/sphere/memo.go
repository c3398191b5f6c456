// Package sphere implements the sphere data model and the Sphere Context
// public contract: revisioned, content-addressed slug -> content mappings
// guarded by an authority chain, with HAMT-backed indices for content,
// address book, and authority.
package sphere

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/noosphere/sphereengine/pkg/codec"
	"github.com/noosphere/sphereengine/pkg/errutil"
)

// Well-known Content-Type values the engine recognizes for transformation
// purposes; unknown types pass through opaquely.
const (
	ContentTypeSubtext     = "text/subtext"
	ContentTypePlain       = "text/plain"
	ContentTypeMarkdown    = "text/markdown"
	ContentTypeOctetStream = "application/octet-stream"
)

// maxSlugBytes bounds a slug's length.
const maxSlugBytes = 128

// Header is one name/value pair in a Memo's ordered, multi-valued header
// list. Names are matched case-insensitively by HeaderValue; NormalizeSlug
// does not apply here, and names are stored exactly as given.
type Header struct {
	_     struct{} `cbor:",toarray"`
	Name  string
	Value string
}

// Memo is the universal envelope for any piece of versioned content
//: an ordered header list plus a pointer to the payload block.
type Memo struct {
	Headers []Header  `cbor:"headers"`
	Body    codec.CID `cbor:"body"`
}

// HeaderValue returns the first value of the named header, case-insensitive,
// and whether it was present.
func (m Memo) HeaderValue(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, h := range m.Headers {
		if strings.ToLower(h.Name) == name {
			return h.Value, true
		}
	}
	return "", false
}

// ContentType is shorthand for HeaderValue("Content-Type").
func (m Memo) ContentType() string {
	v, _ := m.HeaderValue("Content-Type")
	return v
}

// NewMemo builds a Memo from a content type, a set of extra headers, and the
// CID of the already-stored body block.
func NewMemo(contentType string, extra []Header, body codec.CID) Memo {
	headers := make([]Header, 0, len(extra)+1)
	headers = append(headers, Header{Name: "Content-Type", Value: contentType})
	headers = append(headers, extra...)
	return Memo{Headers: headers, Body: body}
}

// NormalizeSlug validates and canonicalizes a slug: lowercase,
// UTF-8, non-empty, no path separators, no leading/trailing whitespace,
// length-bounded.
func NormalizeSlug(slug string) (string, error) {
	trimmed := strings.TrimSpace(slug)
	if trimmed == "" {
		return "", errutil.New(errutil.Malformed, "slug is empty")
	}
	if trimmed != slug {
		return "", errutil.New(errutil.Malformed, "slug has leading or trailing whitespace")
	}
	if strings.ContainsRune(slug, '/') || strings.ContainsRune(slug, '\\') {
		return "", errutil.New(errutil.Malformed, "slug contains a path separator")
	}
	if len(slug) > maxSlugBytes {
		return "", errutil.New(errutil.Malformed, fmt.Sprintf("slug exceeds %d bytes", maxSlugBytes))
	}
	for _, r := range slug {
		if unicode.IsControl(r) {
			return "", errutil.New(errutil.Malformed, "slug contains a control character")
		}
	}
	return strings.ToLower(slug), nil
}

// NormalizePetname validates a single (non-dotted) petname path segment.
// Dotted paths are split and each segment validated independently by callers
//.
func NormalizePetname(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" || trimmed != name {
		return "", errutil.New(errutil.Malformed, "petname is empty or has surrounding whitespace")
	}
	if strings.ContainsRune(name, '.') || strings.ContainsRune(name, '/') {
		return "", errutil.New(errutil.Malformed, "petname contains a reserved separator")
	}
	return strings.ToLower(name), nil
}
