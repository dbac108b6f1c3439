// Package blob provides a streaming reader for registry blobs that verifies
// the content digest and length as the stream is consumed.
package blob

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/opencontainers/go-digest"

	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

// Reader is an unprocessed blob with an available ReadCloser for reading the blob
type Reader interface {
	io.ReadCloser
	GetDescriptor() types.Descriptor
	GetRef() ref.Ref
}

type reader struct {
	r         ref.Ref
	desc      types.Descriptor
	origRdr   io.ReadCloser
	rdr       io.Reader
	digester  digest.Digester
	readBytes int64
}

type readerConfig struct {
	r       ref.Ref
	desc    types.Descriptor
	header  http.Header
	rdr     io.ReadCloser
}

// Opts is used to set options on the blob reader
type Opts func(*readerConfig)

// NewReader creates a reader that computes the digest while the content is
// consumed, and reports a mismatch against the descriptor at EOF.
func NewReader(opts ...Opts) Reader {
	rc := readerConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.header != nil {
		if rc.desc.MediaType == "" {
			rc.desc.MediaType = rc.header.Get("Content-Type")
		}
		if rc.desc.Size == 0 {
			cl, _ := strconv.ParseInt(rc.header.Get("Content-Length"), 10, 64)
			rc.desc.Size = cl
		}
		if rc.desc.Digest == "" {
			rc.desc.Digest, _ = digest.Parse(rc.header.Get("Docker-Content-Digest"))
		}
	}
	br := reader{
		r:       rc.r,
		desc:    rc.desc,
		origRdr: rc.rdr,
	}
	if rc.rdr != nil {
		br.digester = digest.Canonical.Digester()
		br.rdr = io.TeeReader(rc.rdr, br.digester.Hash())
	}
	return &br
}

// WithDesc provides the expected descriptor
func WithDesc(desc types.Descriptor) Opts {
	return func(rc *readerConfig) {
		rc.desc = desc
	}
}

// WithHeader extracts the descriptor from response headers
func WithHeader(header http.Header) Opts {
	return func(rc *readerConfig) {
		rc.header = header
	}
}

// WithReadCloser provides the blob content
func WithReadCloser(rdr io.ReadCloser) Opts {
	return func(rc *readerConfig) {
		rc.rdr = rdr
	}
}

// WithRef provides the reference the blob was pulled from
func WithRef(r ref.Ref) Opts {
	return func(rc *readerConfig) {
		rc.r = r
	}
}

func (b *reader) GetDescriptor() types.Descriptor {
	return b.desc
}

func (b *reader) GetRef() ref.Ref {
	return b.r
}

// Read passes through the read while computing the digest and tracking the size
func (b *reader) Read(p []byte) (int, error) {
	if b.rdr == nil {
		return 0, fmt.Errorf("blob has no content%.0w", types.ErrNotFound)
	}
	size, err := b.rdr.Read(p)
	b.readBytes += int64(size)
	if err == io.EOF {
		if b.desc.Size == 0 {
			b.desc.Size = b.readBytes
		} else if b.readBytes != b.desc.Size {
			err = fmt.Errorf("expected size %d, received %d: %w", b.desc.Size, b.readBytes, types.ErrSizeMismatch)
		}
		if b.desc.Digest == "" {
			b.desc.Digest = b.digester.Digest()
		} else if b.desc.Digest != b.digester.Digest() {
			err = fmt.Errorf("expected digest %s, computed %s: %w", b.desc.Digest, b.digester.Digest(), types.ErrDigestMismatch)
		}
	}
	return size, err
}

func (b *reader) Close() error {
	if b.origRdr == nil {
		return nil
	}
	return b.origRdr.Close()
}
