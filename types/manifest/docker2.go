package manifest

import (
	"fmt"

	"github.com/dierbei/imagesync/types"
)

// docker2 is a Docker schema2 manifest
type docker2 struct {
	common
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType,omitempty"`
	Config        types.Descriptor   `json:"config"`
	Layers        []types.Descriptor `json:"layers"`
}

// docker2List is a Docker schema2 manifest list
type docker2List struct {
	common
	SchemaVersion int                `json:"schemaVersion"`
	MediaType     string             `json:"mediaType,omitempty"`
	Manifests     []types.Descriptor `json:"manifests"`
}

func (m *docker2) GetConfig() (types.Descriptor, error) {
	return m.Config, nil
}

func (m *docker2) GetLayers() ([]types.Descriptor, error) {
	return m.Layers, nil
}

func (m *docker2) GetManifestList() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("platform descriptor list not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *docker2) IsList() bool {
	return false
}

func (m *docker2) MarshalJSON() ([]byte, error) {
	return m.RawBody()
}

func (m *docker2List) GetConfig() (types.Descriptor, error) {
	return types.Descriptor{}, fmt.Errorf("config not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *docker2List) GetLayers() ([]types.Descriptor, error) {
	return nil, fmt.Errorf("layers not available for media type %s%.0w", m.desc.MediaType, types.ErrUnsupportedMediaType)
}

func (m *docker2List) GetManifestList() ([]types.Descriptor, error) {
	return m.Manifests, nil
}

func (m *docker2List) IsList() bool {
	return true
}

func (m *docker2List) MarshalJSON() ([]byte, error) {
	return m.RawBody()
}
