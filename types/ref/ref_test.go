package ref

import (
	"errors"
	"testing"

	"github.com/dierbei/imagesync/types"
)

func TestRef(t *testing.T) {
	t.Parallel()
	var tests = []struct {
		name       string
		ref        string
		registry   string
		repository string
		tag        string
		digest     string
		wantE      error
	}{
		{
			name:       "Docker Hub short name",
			ref:        "alpine",
			registry:   "docker.io",
			repository: "library/alpine",
			tag:        "latest",
		},
		{
			name:       "Docker Hub tagged",
			ref:        "docker.io/library/alpine:3.19",
			registry:   "docker.io",
			repository: "library/alpine",
			tag:        "3.19",
		},
		{
			name:       "registry with port",
			ref:        "localhost:5000/group/project:edge",
			registry:   "localhost:5000",
			repository: "group/project",
			tag:        "edge",
		},
		{
			name:       "digest reference",
			ref:        "myregistry.example.com/mirror/alpine@sha256:15b79a6654def7d1e61be9d0a2ea94ccb53bd95a898f5a44b7c50c6ba89c1f87",
			registry:   "myregistry.example.com",
			repository: "mirror/alpine",
			digest:     "sha256:15b79a6654def7d1e61be9d0a2ea94ccb53bd95a898f5a44b7c50c6ba89c1f87",
		},
		{
			name:       "nested repository",
			ref:        "registry.example.org:443/a/b/c/d:v1.2.3",
			registry:   "registry.example.org:443",
			repository: "a/b/c/d",
			tag:        "v1.2.3",
		},
		{
			name:  "invalid uppercase repository",
			ref:   "registry.example.org/UPPER/project:1",
			wantE: types.ErrParsingFailed,
		},
		{
			name:  "invalid empty repository",
			ref:   "registry.example.org/",
			wantE: types.ErrParsingFailed,
		},
		{
			name:  "invalid characters",
			ref:   "registry.example.org/pro ject:1",
			wantE: types.ErrParsingFailed,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.ref)
			if tt.wantE != nil {
				if err == nil || !errors.Is(err, tt.wantE) {
					t.Errorf("parse %s expected error %v, received %v", tt.ref, tt.wantE, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to parse %s: %v", tt.ref, err)
			}
			if r.Registry != tt.registry {
				t.Errorf("registry mismatch, expected %s, received %s", tt.registry, r.Registry)
			}
			if r.Repository != tt.repository {
				t.Errorf("repository mismatch, expected %s, received %s", tt.repository, r.Repository)
			}
			if r.Tag != tt.tag {
				t.Errorf("tag mismatch, expected %s, received %s", tt.tag, r.Tag)
			}
			if r.Digest != tt.digest {
				t.Errorf("digest mismatch, expected %s, received %s", tt.digest, r.Digest)
			}
		})
	}
}

func TestCommonNameRoundTrip(t *testing.T) {
	t.Parallel()
	refs := []string{
		"alpine",
		"alpine:3.19",
		"docker.io/library/alpine:3.19",
		"localhost:5000/group/project:edge",
		"registry.example.org/mirror/alpine@sha256:15b79a6654def7d1e61be9d0a2ea94ccb53bd95a898f5a44b7c50c6ba89c1f87",
	}
	for _, s := range refs {
		r, err := New(s)
		if err != nil {
			t.Fatalf("failed to parse %s: %v", s, err)
		}
		cn := r.CommonName()
		r2, err := New(cn)
		if err != nil {
			t.Fatalf("failed to parse common name %s: %v", cn, err)
		}
		if r2.CommonName() != cn {
			t.Errorf("common name did not round trip, first %s, second %s", cn, r2.CommonName())
		}
	}
}
