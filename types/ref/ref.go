// Package ref parses image references into their registry, repository, and
// tag or digest components.
package ref

import (
	"fmt"

	"github.com/distribution/reference"

	"github.com/dierbei/imagesync/types"
)

// Ref is a parsed reference to a registry/repository.
// The tag or digest is included when present in the reference, a bare
// reference defaults to the "latest" tag.
type Ref struct {
	Reference  string // unparsed string
	Registry   string // server, host:port
	Repository string // path on server
	Tag        string
	Digest     string
}

// New parses a reference string, normalizing Docker Hub conventions.
func New(r string) (Ref, error) {
	parsed, err := reference.ParseNormalizedNamed(r)
	if err != nil {
		return Ref{}, fmt.Errorf("failed to parse reference \"%s\": %w", r, types.ErrParsingFailed)
	}
	ret := Ref{
		Reference:  r,
		Registry:   reference.Domain(parsed),
		Repository: reference.Path(parsed),
	}
	if canonical, ok := parsed.(reference.Canonical); ok {
		ret.Digest = canonical.Digest().String()
	}
	if tagged, ok := parsed.(reference.Tagged); ok {
		ret.Tag = tagged.Tag()
	}
	if ret.Tag == "" && ret.Digest == "" {
		ret.Tag = "latest"
	}
	// a digest pins the content, the tag on a canonical reference is only a hint
	if ret.Digest != "" {
		ret.Tag = ""
	}
	return ret, nil
}

// CommonName outputs a parsable name from a reference
func (r Ref) CommonName() string {
	cn := ""
	if r.Registry != "" {
		cn = r.Registry + "/"
	}
	if r.Repository == "" {
		return ""
	}
	cn = cn + r.Repository
	if r.Digest != "" {
		cn = cn + "@" + r.Digest
	} else if r.Tag != "" {
		cn = cn + ":" + r.Tag
	}
	return cn
}

// IsZero returns true on an unset reference
func (r Ref) IsZero() bool {
	return r.Registry == "" && r.Repository == ""
}
