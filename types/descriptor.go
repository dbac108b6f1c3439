package types

import (
	// crypto libraries included for go-digest
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Descriptor is used in manifests to refer to content by media type, size, and digest.
type Descriptor struct {
	// MediaType describe the type of the content.
	MediaType string `json:"mediaType,omitempty"`

	// Size in bytes of content.
	Size int64 `json:"size,omitempty"`

	// Digest uniquely identifies the content.
	Digest digest.Digest `json:"digest,omitempty"`

	// Annotations contains arbitrary metadata relating to the targeted content.
	Annotations map[string]string `json:"annotations,omitempty"`

	// Platform describes the platform which the image in the manifest runs on.
	// This should only be used when referring to a manifest.
	Platform *ociv1.Platform `json:"platform,omitempty"`
}

// Equal indicates the two descriptors are identical, effectively a DeepEqual.
func (d Descriptor) Equal(d2 Descriptor) bool {
	if !d.Same(d2) {
		return false
	}
	if d.MediaType != d2.MediaType {
		return false
	}
	if d.Platform == nil && d2.Platform != nil || d.Platform != nil && d2.Platform == nil {
		return false
	}
	if d.Platform != nil && d2.Platform != nil && platformStr(d.Platform) != platformStr(d2.Platform) {
		return false
	}
	return true
}

// Same indicates two descriptors point to the same content, two descriptors
// with equal digests are interchangeable even if other fields differ.
func (d Descriptor) Same(d2 Descriptor) bool {
	if d.Digest != d2.Digest {
		return false
	}
	if d.Size != 0 && d2.Size != 0 && d.Size != d2.Size {
		return false
	}
	return true
}

func platformStr(p *ociv1.Platform) string {
	s := p.OS + "/" + p.Architecture
	if p.Variant != "" {
		s += "/" + p.Variant
	}
	if p.OSVersion != "" {
		s += ":" + p.OSVersion
	}
	return s
}
