package reg

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/internal/reghttp"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/manifest"
	"github.com/dierbei/imagesync/types/ref"
)

var manifestAccept = []string{
	types.MediaTypeDocker2Manifest,
	types.MediaTypeDocker2ManifestList,
	types.MediaTypeOCI1Manifest,
	types.MediaTypeOCI1ManifestList,
}

// ManifestGet retrieves a manifest from the registry
func (reg *Reg) ManifestGet(ctx context.Context, r ref.Ref) (manifest.Manifest, error) {
	tagOrDigest, err := tagOrDigest(r)
	if err != nil {
		return nil, err
	}

	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "GET",
		Repository: r.Repository,
		Path:       "manifests/" + tagOrDigest,
		Headers: http.Header{
			"Accept": manifestAccept,
		},
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()

	rawBody, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("error reading manifest for %s: %w", r.CommonName(), err)
	}

	return manifest.New(
		manifest.WithRef(r),
		manifest.WithHeader(resp.HTTPResponse().Header),
		manifest.WithRaw(rawBody),
	)
}

// ManifestHead returns metadata on the manifest from the registry
func (reg *Reg) ManifestHead(ctx context.Context, r ref.Ref) (manifest.Manifest, error) {
	tagOrDigest, err := tagOrDigest(r)
	if err != nil {
		return nil, err
	}

	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "HEAD",
		Repository: r.Repository,
		Path:       "manifests/" + tagOrDigest,
		Headers: http.Header{
			"Accept": manifestAccept,
		},
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to request manifest head %s: %w", r.CommonName(), err)
	}
	defer resp.Close()

	return manifest.New(
		manifest.WithRef(r),
		manifest.WithHeader(resp.HTTPResponse().Header),
	)
}

// ManifestPut uploads a manifest to a registry, returning the digest the
// target should reference it by. The raw body is pushed byte for byte so
// the digest does not change between registries.
func (reg *Reg) ManifestPut(ctx context.Context, r ref.Ref, m manifest.Manifest) (digest.Digest, error) {
	var tagOrDigest string
	if r.Digest != "" {
		tagOrDigest = r.Digest
	} else if r.Tag != "" {
		tagOrDigest = r.Tag
	} else {
		reg.log.WithFields(logrus.Fields{
			"ref": r.Reference,
		}).Warn("Manifest put requires a tag")
		return "", fmt.Errorf("manifest put for %s%.0w", r.CommonName(), types.ErrMissingTag)
	}

	mj, err := m.RawBody()
	if err != nil {
		return "", fmt.Errorf("error marshaling manifest for %s: %w", r.CommonName(), err)
	}

	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "PUT",
		Repository: r.Repository,
		Path:       "manifests/" + tagOrDigest,
		Headers: http.Header{
			"Content-Type": []string{m.GetDescriptor().MediaType},
		},
		BodyLen:   int64(len(mj)),
		BodyBytes: mj,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to put manifest %s: %w", r.CommonName(), err)
	}
	defer resp.Close()

	return m.GetDescriptor().Digest, nil
}

func tagOrDigest(r ref.Ref) (string, error) {
	if r.Digest != "" {
		return r.Digest, nil
	}
	if r.Tag != "" {
		return r.Tag, nil
	}
	return "", fmt.Errorf("reference missing tag and digest: %s%.0w", r.CommonName(), types.ErrMissingTagOrDigest)
}
