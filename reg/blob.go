package reg

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/internal/reghttp"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/blob"
	"github.com/dierbei/imagesync/types/ref"
)

// BlobGet retrieves a blob from the repository, returning a blob reader.
// The reader verifies the digest and size as the content is consumed.
func (reg *Reg) BlobGet(ctx context.Context, r ref.Ref, d digest.Digest) (blob.Reader, error) {
	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "GET",
		Repository: r.Repository,
		Path:       "blobs/" + d.String(),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get blob, digest %s, ref %s: %w", d, r.CommonName(), err)
	}

	return blob.NewReader(
		blob.WithRef(r),
		blob.WithReadCloser(resp),
		blob.WithDesc(types.Descriptor{
			Digest: d,
		}),
		blob.WithHeader(resp.HTTPResponse().Header),
	), nil
}

// BlobHead is used to verify if a blob exists and is accessible
func (reg *Reg) BlobHead(ctx context.Context, r ref.Ref, d digest.Digest) (blob.Reader, error) {
	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "HEAD",
		Repository: r.Repository,
		Path:       "blobs/" + d.String(),
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to request blob head, digest %s, ref %s: %w", d, r.CommonName(), err)
	}
	defer resp.Close()

	return blob.NewReader(
		blob.WithRef(r),
		blob.WithDesc(types.Descriptor{
			Digest: d,
		}),
		blob.WithHeader(resp.HTTPResponse().Header),
	), nil
}

// BlobMount attempts a server side copy of the blob between repositories
// on the same registry. On failure the pending upload is canceled and the
// caller falls back to a full blob put.
func (reg *Reg) BlobMount(ctx context.Context, rSrc ref.Ref, rTgt ref.Ref, d digest.Digest) error {
	if rSrc.Registry != rTgt.Registry || rSrc.Repository == "" {
		return fmt.Errorf("mount requires a source repository on the same registry%.0w", types.ErrUnsupported)
	}
	putURL, uuid, err := reg.blobMount(ctx, rTgt, d, rSrc)
	// if mount fails and returns an upload location, cancel that upload
	if err != nil && putURL != nil {
		_ = reg.blobUploadCancel(ctx, rTgt, uuid)
	}
	return err
}

// BlobPut uploads a blob to a repository with a single monolithic upload,
// requesting the upload location with a POST and sending the content with
// a PUT. The upload is skipped when the blob already exists in the target.
func (reg *Reg) BlobPut(ctx context.Context, r ref.Ref, d digest.Digest, rdr io.Reader, cl int64) error {
	if _, err := reg.BlobHead(ctx, r, d); err == nil {
		reg.log.WithFields(logrus.Fields{
			"target": r.CommonName(),
			"digest": d.String(),
		}).Debug("Blob put skipped, already exists")
		return nil
	}

	putURL, err := reg.blobGetUploadURL(ctx, r)
	if err != nil {
		return err
	}

	// append digest to request to use the monolithic upload option
	if putURL.RawQuery != "" {
		putURL.RawQuery = putURL.RawQuery + "&digest=" + url.QueryEscape(d.String())
	} else {
		putURL.RawQuery = "digest=" + url.QueryEscape(d.String())
	}

	// a reader function so an auth retry can resend the content
	readOnce := false
	bodyFunc := func() (io.ReadCloser, error) {
		if readOnce {
			rdrSeek, ok := rdr.(io.ReadSeeker)
			if !ok {
				return nil, fmt.Errorf("unable to reuse reader")
			}
			_, err := rdrSeek.Seek(0, io.SeekStart)
			if err != nil {
				return nil, fmt.Errorf("unable to reuse reader")
			}
		}
		readOnce = true
		return io.NopCloser(rdr), nil
	}

	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "PUT",
		Repository: r.Repository,
		DirectURL:  putURL,
		Headers: http.Header{
			"Content-Type": {"application/octet-stream"},
		},
		BodyFunc: bodyFunc,
		BodyLen:  cl,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to send blob (put), digest %s, ref %s: %w", d, r.CommonName(), err)
	}
	defer resp.Close()
	return nil
}

func (reg *Reg) blobGetUploadURL(ctx context.Context, r ref.Ref) (*url.URL, error) {
	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "POST",
		Repository: r.Repository,
		Path:       "blobs/uploads/",
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("failed to send blob post, ref %s: %w", r.CommonName(), err)
	}
	defer resp.Close()

	location := resp.HTTPResponse().Header.Get("Location")
	if location == "" {
		return nil, fmt.Errorf("failed to send blob post, ref %s%.0w", r.CommonName(), types.ErrMissingLocation)
	}
	reg.log.WithFields(logrus.Fields{
		"location": location,
	}).Debug("Upload location received")
	// put url may be relative to the above post URL, so parse in that context
	postURL := resp.HTTPResponse().Request.URL
	putURL, err := postURL.Parse(location)
	if err != nil {
		reg.log.WithFields(logrus.Fields{
			"location": location,
			"err":      err,
		}).Warn("Location url failed to parse")
		return nil, fmt.Errorf("blob upload url invalid, ref %s: %w", r.CommonName(), err)
	}
	return putURL, nil
}

func (reg *Reg) blobMount(ctx context.Context, rTgt ref.Ref, d digest.Digest, rSrc ref.Ref) (*url.URL, string, error) {
	query := url.Values{}
	query.Set("mount", d.String())
	query.Set("from", rSrc.Repository)

	req := &reghttp.Req{
		Host:       rTgt.Registry,
		Method:     "POST",
		Repository: rTgt.Repository,
		Path:       "blobs/uploads/",
		Query:      query,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to mount blob, digest %s, ref %s: %w", d, rTgt.CommonName(), err)
	}
	defer resp.Close()
	// 201 indicates the blob mount succeeded
	if resp.HTTPResponse().StatusCode == 201 {
		return nil, "", nil
	}
	// 202 indicates blob mount failed but server ready to receive an upload at location
	location := resp.HTTPResponse().Header.Get("Location")
	uuid := resp.HTTPResponse().Header.Get("Docker-Upload-UUID")
	if resp.HTTPResponse().StatusCode == 202 && location != "" {
		postURL := resp.HTTPResponse().Request.URL
		putURL, err := postURL.Parse(location)
		if err != nil {
			reg.log.WithFields(logrus.Fields{
				"digest":   d,
				"target":   rTgt.CommonName(),
				"location": location,
				"err":      err,
			}).Warn("Mount location header failed to parse")
		} else {
			return putURL, uuid, fmt.Errorf("mount of digest %s to %s%.0w", d, rTgt.CommonName(), types.ErrMountReturnedLocation)
		}
	}
	return nil, "", fmt.Errorf("failed to mount blob, digest %s, ref %s, status %d%.0w", d, rTgt.CommonName(), resp.HTTPResponse().StatusCode, types.ErrHTTPStatus)
}

func (reg *Reg) blobUploadCancel(ctx context.Context, r ref.Ref, uuid string) error {
	if uuid == "" {
		return fmt.Errorf("failed to cancel upload %s: uuid undefined", r.CommonName())
	}
	req := &reghttp.Req{
		Host:       r.Registry,
		Method:     "DELETE",
		Repository: r.Repository,
		Path:       "blobs/uploads/" + uuid,
	}
	resp, err := reg.reghttp.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to cancel upload %s: %w", r.CommonName(), err)
	}
	defer resp.Close()
	return nil
}
