package reg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/opencontainers/go-digest"

	"github.com/dierbei/imagesync/config"
	"github.com/dierbei/imagesync/internal/reqresp"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/manifest"
	"github.com/dierbei/imagesync/types/ref"
)

func TestReg(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobLen := 1024
	d1, blob1 := reqresp.NewRandomBlob(blobLen, 1)
	d2, _ := reqresp.NewRandomBlob(blobLen, 2)
	d3, _ := reqresp.NewRandomBlob(blobLen, 3)
	d4, _ := reqresp.NewRandomBlob(blobLen, 4)
	confBody := []byte(`{"architecture":"amd64","os":"linux"}`)
	confDigest := digest.FromBytes(confBody)
	mBody, _ := json.Marshal(map[string]interface{}{
		"schemaVersion": 2,
		"mediaType":     types.MediaTypeDocker2Manifest,
		"config": map[string]interface{}{
			"mediaType": types.MediaTypeDocker2ImageConfig,
			"size":      len(confBody),
			"digest":    confDigest,
		},
		"layers": []map[string]interface{}{
			{
				"mediaType": types.MediaTypeDocker2LayerGzip,
				"size":      blobLen,
				"digest":    d1,
			},
		},
	})
	mDigest := digest.FromBytes(mBody)
	tagListBody := []byte(`{"name":"project","tags":["latest","v1","v2"]}`)

	rrs := []reqresp.ReqResp{
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "get manifest",
				Method: "GET",
				Path:   "/v2/project/manifests/latest",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   mBody,
				Headers: http.Header{
					"Content-Length":        {fmt.Sprintf("%d", len(mBody))},
					"Content-Type":          {types.MediaTypeDocker2Manifest},
					"Docker-Content-Digest": {mDigest.String()},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "head manifest",
				Method: "HEAD",
				Path:   "/v2/project/manifests/latest",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Headers: http.Header{
					"Content-Length":        {fmt.Sprintf("%d", len(mBody))},
					"Content-Type":          {types.MediaTypeDocker2Manifest},
					"Docker-Content-Digest": {mDigest.String()},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "missing manifest",
				Method: "HEAD",
				Path:   "/v2/project/manifests/missing",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "put manifest",
				Method: "PUT",
				Path:   "/v2/project/manifests/latest",
				Body:   mBody,
				Headers: http.Header{
					"Content-Type": {types.MediaTypeDocker2Manifest},
				},
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
				Headers: http.Header{
					"Docker-Content-Digest": {mDigest.String()},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "get blob",
				Method: "GET",
				Path:   "/v2/project/blobs/" + d1.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   blob1,
				Headers: http.Header{
					"Content-Length": {fmt.Sprintf("%d", blobLen)},
					"Content-Type":   {"application/octet-stream"},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:     "head missing blob",
				Method:   "HEAD",
				Path:     "/v2/project/blobs/" + d1.String(),
				DelOnUse: true,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusNotFound,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "post blob upload",
				Method: "POST",
				Path:   "/v2/project/blobs/uploads/",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusAccepted,
				Headers: http.Header{
					"Location": {"/v2/project/blobs/uploads/uuid1"},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "put blob",
				Method: "PUT",
				Path:   "/v2/project/blobs/uploads/uuid1",
				Query: map[string][]string{
					"digest": {d1.String()},
				},
				Body: blob1,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
				Headers: http.Header{
					"Docker-Content-Digest": {d1.String()},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "head existing blob",
				Method: "HEAD",
				Path:   "/v2/project/blobs/" + d2.String(),
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Headers: http.Header{
					"Content-Length": {fmt.Sprintf("%d", blobLen)},
					"Content-Type":   {"application/octet-stream"},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "mount blob",
				Method: "POST",
				Path:   "/v2/project2/blobs/uploads/",
				Query: map[string][]string{
					"mount": {d3.String()},
					"from":  {"project"},
				},
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusCreated,
				Headers: http.Header{
					"Location": {"/v2/project2/blobs/" + d3.String()},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "mount blob fallback",
				Method: "POST",
				Path:   "/v2/project2/blobs/uploads/",
				Query: map[string][]string{
					"mount": {d4.String()},
					"from":  {"project"},
				},
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusAccepted,
				Headers: http.Header{
					"Location":           {"/v2/project2/blobs/uploads/uuid2"},
					"Docker-Upload-UUID": {"uuid2"},
				},
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "cancel blob upload",
				Method: "DELETE",
				Path:   "/v2/project2/blobs/uploads/uuid2",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusAccepted,
			},
		},
		{
			ReqEntry: reqresp.ReqEntry{
				Name:   "tag list",
				Method: "GET",
				Path:   "/v2/project/tags/list",
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Body:   tagListBody,
				Headers: http.Header{
					"Content-Type": {"application/json"},
				},
			},
		},
	}
	rrs = append(rrs, reqresp.BaseEntries...)
	ts := httptest.NewServer(reqresp.NewHandler(t, rrs))
	defer ts.Close()
	tsURL, _ := url.Parse(ts.URL)
	tsHost := tsURL.Host

	rc := New(
		WithConfigHosts([]*config.Host{
			{
				Name:     tsHost,
				Hostname: tsHost,
				TLS:      config.TLSDisabled,
			},
		}),
		WithUserAgent("imagesync/test"),
	)

	refTag, err := ref.New(tsHost + "/project:latest")
	if err != nil {
		t.Fatalf("failed to parse ref: %v", err)
	}

	t.Run("Ping", func(t *testing.T) {
		err := rc.Ping(ctx, tsHost)
		if err != nil {
			t.Errorf("failed to ping registry: %v", err)
		}
	})
	t.Run("ManifestGet", func(t *testing.T) {
		m, err := rc.ManifestGet(ctx, refTag)
		if err != nil {
			t.Fatalf("failed to get manifest: %v", err)
		}
		if m.GetDescriptor().Digest != mDigest {
			t.Errorf("digest mismatch, expected %s, received %s", mDigest, m.GetDescriptor().Digest)
		}
		if m.IsList() {
			t.Errorf("manifest reported as a list")
		}
		layers, err := m.GetLayers()
		if err != nil {
			t.Fatalf("failed to get layers: %v", err)
		}
		if len(layers) != 1 || layers[0].Digest != d1 {
			t.Errorf("unexpected layers: %v", layers)
		}
	})
	t.Run("ManifestHead", func(t *testing.T) {
		m, err := rc.ManifestHead(ctx, refTag)
		if err != nil {
			t.Fatalf("failed to head manifest: %v", err)
		}
		if m.GetDescriptor().Digest != mDigest {
			t.Errorf("digest mismatch, expected %s, received %s", mDigest, m.GetDescriptor().Digest)
		}
		if m.IsSet() {
			t.Errorf("head manifest reported a body")
		}
	})
	t.Run("ManifestHead missing", func(t *testing.T) {
		refMissing, _ := ref.New(tsHost + "/project:missing")
		_, err := rc.ManifestHead(ctx, refMissing)
		if err == nil {
			t.Fatalf("head unexpectedly succeeded for missing manifest")
		} else if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrNotFound, err)
		}
	})
	t.Run("ManifestPut", func(t *testing.T) {
		m, err := manifest.New(
			manifest.WithRef(refTag),
			manifest.WithRaw(mBody),
		)
		if err != nil {
			t.Fatalf("failed to build manifest: %v", err)
		}
		d, err := rc.ManifestPut(ctx, refTag, m)
		if err != nil {
			t.Fatalf("failed to put manifest: %v", err)
		}
		if d != mDigest {
			t.Errorf("digest mismatch, expected %s, received %s", mDigest, d)
		}
	})
	t.Run("BlobGet", func(t *testing.T) {
		br, err := rc.BlobGet(ctx, refTag, d1)
		if err != nil {
			t.Fatalf("failed to get blob: %v", err)
		}
		body, err := io.ReadAll(br)
		if err != nil {
			t.Fatalf("failed to read blob: %v", err)
		}
		_ = br.Close()
		if !bytes.Equal(body, blob1) {
			t.Errorf("content mismatch on blob get")
		}
	})
	t.Run("BlobPut", func(t *testing.T) {
		err := rc.BlobPut(ctx, refTag, d1, bytes.NewReader(blob1), int64(blobLen))
		if err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
	})
	t.Run("BlobPut exists", func(t *testing.T) {
		err := rc.BlobPut(ctx, refTag, d2, bytes.NewReader(blob1), int64(blobLen))
		if err != nil {
			t.Fatalf("failed to put existing blob: %v", err)
		}
	})
	t.Run("BlobMount", func(t *testing.T) {
		refTgt, _ := ref.New(tsHost + "/project2:latest")
		err := rc.BlobMount(ctx, refTag, refTgt, d3)
		if err != nil {
			t.Fatalf("failed to mount blob: %v", err)
		}
	})
	t.Run("BlobMount fallback", func(t *testing.T) {
		refTgt, _ := ref.New(tsHost + "/project2:latest")
		err := rc.BlobMount(ctx, refTag, refTgt, d4)
		if err == nil {
			t.Fatalf("mount unexpectedly succeeded")
		} else if !errors.Is(err, types.ErrMountReturnedLocation) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrMountReturnedLocation, err)
		}
	})
	t.Run("BlobMount cross registry", func(t *testing.T) {
		refSrc, _ := ref.New("other.example.com/project:latest")
		refTgt, _ := ref.New(tsHost + "/project2:latest")
		err := rc.BlobMount(ctx, refSrc, refTgt, d3)
		if err == nil {
			t.Errorf("mount unexpectedly succeeded across registries")
		}
	})
	t.Run("TagList", func(t *testing.T) {
		tl, err := rc.TagList(ctx, refTag)
		if err != nil {
			t.Fatalf("failed to list tags: %v", err)
		}
		if tl.Name != "project" {
			t.Errorf("name mismatch, expected project, received %s", tl.Name)
		}
		if len(tl.Tags) != 3 || tl.Tags[0] != "latest" {
			t.Errorf("unexpected tags: %v", tl.Tags)
		}
	})
}
