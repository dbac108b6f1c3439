package manifest

import (
	"fmt"

	"github.com/dierbei/imagesync/types"
)

// oci1 is an OCI v1 image manifest
type oci1 struct {
	common
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType,omitempty"`
	Config        types.Descriptor   `json:"config"`
	Layers        []types.Descriptor `json:"layers"`
	Annotations   map[string]string  `json:"annotations,omitempty"`
}

// oci1Index is an OCI v1 image index
type oci1Index struct {
	common
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType,omitempty"`
	Manifests     []types.Descriptor `json:"manifests"`
	Annotations   map[string]string  `json:"annotations,omitempty"`
}

func (m *oci1) GetConfig() (types.Descriptor, error) {
	return m.Config, nil
}

func (m *oci1) GetLayers() ([]types.Descriptor, error) {
	return m.Layers, nil
}

func (m *oci1) GetManifestList() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("platform descriptor list not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *oci1) IsList() bool {
	return false
}

func (m *oci1) MarshalJSON() ([]byte, error) {
	return m.RawBody()
}

func (m *oci1Index) GetConfig() (types.Descriptor, error) {
	return types.Descriptor{}, fmt.Errorf("config not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *oci1Index) GetLayers() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("layers not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *oci1Index) GetManifestList() ([]types.Descriptor, error) {
	return m.Manifests, nil
}

func (m *oci1Index) IsList() bool {
	return true
}

func (m *oci1Index) MarshalJSON() ([]byte, error) {
	return m.RawBody()
}
