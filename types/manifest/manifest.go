// Package manifest abstracts the various types of supported manifests.
// Supported types include OCI index and image, and Docker manifest list and manifest.
package manifest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/containerd/containerd/platforms"
	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

// Manifest interface is implemented by all supported manifests but
// many calls are only supported by certain underlying media types.
type Manifest interface {
	GetConfig() (types.Descriptor, error)
	GetDescriptor() types.Descriptor
	GetLayers() ([]types.Descriptor, error)
	GetManifestList() ([]types.Descriptor, error)
	GetRef() ref.Ref
	IsList() bool
	IsSet() bool
	MarshalJSON() ([]byte, error)
	RawBody() ([]byte, error)
	RawHeaders() (http.Header, error)
}

type manifestConfig struct {
	r      ref.Ref
	desc   types.Descriptor
	raw    []byte
	header http.Header
}

// Opts is used to set options when creating a new manifest
type Opts func(*manifestConfig)

// New creates a new manifest based on provided options.
// The descriptor digest is always recomputed from the raw body when one is
// provided, a digest claimed by a header or descriptor is only cross-checked.
func New(opts ...Opts) (Manifest, error) {
	mc := manifestConfig{}
	for _, opt := range opts {
		opt(&mc)
	}
	c := common{
		r:         mc.r,
		desc:      mc.desc,
		rawBody:   mc.raw,
		rawHeader: mc.header,
	}
	// extract fields from header where available
	if mc.header != nil {
		if c.desc.MediaType == "" {
			c.desc.MediaType = mc.header.Get("Content-Type")
		}
		if c.desc.Size == 0 {
			cl, _ := strconv.Atoi(mc.header.Get("Content-Length"))
			c.desc.Size = int64(cl)
		}
		if c.desc.Digest == "" {
			c.desc.Digest, _ = digest.Parse(mc.header.Get("Docker-Content-Digest"))
		}
	}
	if len(mc.raw) > 0 {
		computed := digest.FromBytes(mc.raw)
		if c.desc.Digest != "" && c.desc.Digest != computed {
			return nil, fmt.Errorf("manifest digest from %s, expected %s, computed %s: %w",
				mc.r.CommonName(), c.desc.Digest, computed, types.ErrDigestMismatch)
		}
		c.desc.Digest = computed
		c.desc.Size = int64(len(mc.raw))
		c.manifSet = true
		return fromRaw(c)
	}
	if c.desc.MediaType == "" || c.desc.Digest == "" {
		return nil, fmt.Errorf("manifest metadata from %s is incomplete: %w", mc.r.CommonName(), types.ErrParsingFailed)
	}
	// headers only, describes the manifest without the body (HEAD request)
	return &head{common: c}, nil
}

// WithDesc specifies the descriptor for the manifest
func WithDesc(desc types.Descriptor) Opts {
	return func(mc *manifestConfig) {
		mc.desc = desc
	}
}

// WithHeader provides the headers from the response when pulling the manifest
func WithHeader(header http.Header) Opts {
	return func(mc *manifestConfig) {
		mc.header = header
	}
}

// WithRaw provides the manifest bytes or HTTP response body
func WithRaw(raw []byte) Opts {
	return func(mc *manifestConfig) {
		mc.raw = raw
	}
}

// WithRef provides the reference used to get the manifest
func WithRef(r ref.Ref) Opts {
	return func(mc *manifestConfig) {
		mc.r = r
	}
}

// GetPlatformDesc returns the descriptor for a specific platform from a list
func GetPlatformDesc(m Manifest, p *ociv1.Platform) (*types.Descriptor, error) {
	dl, err := m.GetManifestList()
	if err != nil {
		return nil, err
	}
	platformCmp := platforms.NewMatcher(platforms.Normalize(*p))
	for _, d := range dl {
		d := d
		if d.Platform != nil && platformCmp.Match(*d.Platform) {
			return &d, nil
		}
	}
	return nil, fmt.Errorf("platform not found in manifest list: %s: %w", platforms.Format(*p), types.ErrNotFound)
}

// common is embedded by all manifest implementations
type common struct {
	r         ref.Ref
	desc      types.Descriptor
	manifSet  bool
	rawHeader http.Header
	rawBody   []byte
}

func (m *common) GetDescriptor() types.Descriptor {
	return m.desc
}

func (m *common) GetRef() ref.Ref {
	return m.r
}

func (m *common) IsSet() bool {
	return m.manifSet
}

func (m *common) RawBody() ([]byte, error) {
	if !m.manifSet {
		return nil, fmt.Errorf("manifest body not available%.0w", types.ErrUnsupported)
	}
	return m.rawBody, nil
}

func (m *common) RawHeaders() (http.Header, error) {
	if m.rawHeader == nil {
		return nil, fmt.Errorf("manifest headers not available%.0w", types.ErrUnsupported)
	}
	return m.rawHeader, nil
}

// head describes a manifest from a HEAD request, no body available
type head struct {
	common
}

func (m *head) GetConfig() (types.Descriptor, error) {
	return types.Descriptor{}, fmt.Errorf("config not available on a manifest head%.0w", types.ErrUnsupported)
}

func (m *head) GetLayers() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("layers not available on a manifest head%.0w", types.ErrUnsupported)
}

func (m *head) GetManifestList() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("manifest list not available on a manifest head%.0w", types.ErrUnsupported)
}

func (m *head) IsList() bool {
	switch m.desc.MediaType {
	case types.MediaTypeDocker2ManifestList, types.MediaTypeOCI1ManifestList:
		return true
	}
	return false
}

func (m *head) MarshalJSON() ([]byte, error) {
	return nil, fmt.Errorf("manifest body not available%.0w", types.ErrUnsupported)
}

// fromRaw unmarshals the raw body according to the media type
func fromRaw(c common) (Manifest, error) {
	var m Manifest
	mt := struct {
		MediaType string `json:"mediaType,omitempty"`
		Manifests []any  `json:"manifests,omitempty"`
	}{}
	if err := json.Unmarshal(c.rawBody, &mt); err != nil {
		return nil, fmt.Errorf("failed to parse manifest from %s: %w", c.r.CommonName(), types.ErrParsingFailed)
	}
	// trust the embedded media type over the response header
	if mt.MediaType != "" {
		c.desc.MediaType = mt.MediaType
	} else if c.desc.MediaType == "" {
		// fall back to a structure sniff for registries that omit both
		if mt.Manifests != nil {
			c.desc.MediaType = types.MediaTypeDocker2ManifestList
		} else {
			c.desc.MediaType = types.MediaTypeDocker2Manifest
		}
	}
	switch c.desc.MediaType {
	case types.MediaTypeDocker2Manifest:
		m = &docker2{common: c}
	case types.MediaTypeDocker2ManifestList:
		m = &docker2List{common: c}
	case types.MediaTypeOCI1Manifest:
		m = &oci1{common: c}
	case types.MediaTypeOCI1ManifestList:
		m = &oci1Index{common: c}
	default:
		return nil, fmt.Errorf("media type \"%s\" from %s: %w", c.desc.MediaType, c.r.CommonName(), types.ErrUnsupportedMediaType)
	}
	if err := json.Unmarshal(c.rawBody, m); err != nil {
		return nil, fmt.Errorf("failed to parse %s manifest from %s: %w", c.desc.MediaType, c.r.CommonName(), types.ErrParsingFailed)
	}
	return m, nil
}
