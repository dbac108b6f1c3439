package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dierbei/imagesync/internal/reqresp"
	"github.com/dierbei/imagesync/types"
)

func TestStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	blobLen := 1024
	d1, blob1 := reqresp.NewRandomBlob(blobLen, 1)
	d2, blob2 := reqresp.NewRandomBlob(blobLen, 2)

	t.Run("Put Get Release", func(t *testing.T) {
		s := New()
		size, err := s.Put(ctx, d1, bytes.NewReader(blob1))
		if err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		if size != int64(blobLen) {
			t.Errorf("size mismatch, expected %d, received %d", blobLen, size)
		}
		rdr, err := s.Get(d1)
		if err != nil {
			t.Fatalf("failed to get blob: %v", err)
		}
		body, err := io.ReadAll(rdr)
		if err != nil {
			t.Fatalf("failed to read blob: %v", err)
		}
		_ = rdr.Close()
		if !bytes.Equal(body, blob1) {
			t.Errorf("content mismatch on get")
		}
		err = s.Release(d1)
		if err != nil {
			t.Errorf("failed to release blob: %v", err)
		}
		_, err = s.Get(d1)
		if err == nil {
			t.Errorf("get unexpectedly succeeded after release")
		} else if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrNotFound, err)
		}
	})
	t.Run("Seekable", func(t *testing.T) {
		s := New()
		if _, err := s.Put(ctx, d1, bytes.NewReader(blob1)); err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		rdr, err := s.Get(d1)
		if err != nil {
			t.Fatalf("failed to get blob: %v", err)
		}
		defer rdr.Close()
		// uploads rewind the reader when auth must be refreshed mid-request
		rs, ok := rdr.(io.ReadSeeker)
		if !ok {
			t.Fatalf("staged reader is not seekable")
		}
		body, err := io.ReadAll(rs)
		if err != nil {
			t.Fatalf("failed to read blob: %v", err)
		}
		if !bytes.Equal(body, blob1) {
			t.Errorf("content mismatch on first read")
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			t.Fatalf("failed to seek: %v", err)
		}
		body, err = io.ReadAll(rs)
		if err != nil {
			t.Fatalf("failed to read blob after seek: %v", err)
		}
		if !bytes.Equal(body, blob1) {
			t.Errorf("content mismatch after seek")
		}
	})
	t.Run("Digest mismatch", func(t *testing.T) {
		s := New()
		_, err := s.Put(ctx, d1, bytes.NewReader(blob2))
		if err == nil {
			t.Fatalf("put unexpectedly succeeded with wrong digest")
		} else if !errors.Is(err, types.ErrDigestMismatch) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrDigestMismatch, err)
		}
		_, err = s.Get(d1)
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("content stored after mismatched put: %v", err)
		}
	})
	t.Run("Missing", func(t *testing.T) {
		s := New()
		_, err := s.Get(d1)
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrNotFound, err)
		}
		_, err = s.Size(d1)
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrNotFound, err)
		}
		err = s.Release(d1)
		if !errors.Is(err, types.ErrNotFound) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrNotFound, err)
		}
	})
	t.Run("Concurrent put", func(t *testing.T) {
		s := New()
		count := 5
		wg := sync.WaitGroup{}
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Put(ctx, d1, bytes.NewReader(blob1))
				if err != nil {
					t.Errorf("failed to put blob: %v", err)
				}
			}()
		}
		wg.Wait()
		// one release per put, content remains until the last
		for i := 0; i < count; i++ {
			if _, err := s.Get(d1); err != nil {
				t.Errorf("failed to get blob before release %d: %v", i, err)
			}
			if err := s.Release(d1); err != nil {
				t.Errorf("failed to release blob %d: %v", i, err)
			}
		}
		if _, err := s.Get(d1); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("content remains after all releases: %v", err)
		}
		if err := s.Release(d1); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("release succeeded beyond reference count: %v", err)
		}
	})
	t.Run("Dir", func(t *testing.T) {
		dir := t.TempDir()
		s := New(WithDir(dir))
		_, err := s.Put(ctx, d2, bytes.NewReader(blob2))
		if err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		filename := filepath.Join(dir, d2.Algorithm().String()+"-"+d2.Encoded())
		if _, err := os.Stat(filename); err != nil {
			t.Errorf("staged file not found: %v", err)
		}
		rdr, err := s.Get(d2)
		if err != nil {
			t.Fatalf("failed to get blob: %v", err)
		}
		if _, ok := rdr.(io.ReadSeeker); !ok {
			t.Errorf("staged file reader is not seekable")
		}
		body, err := io.ReadAll(rdr)
		if err != nil {
			t.Fatalf("failed to read blob: %v", err)
		}
		_ = rdr.Close()
		if !bytes.Equal(body, blob2) {
			t.Errorf("content mismatch on get")
		}
		err = s.Release(d2)
		if err != nil {
			t.Errorf("failed to release blob: %v", err)
		}
		if _, err := os.Stat(filename); err == nil {
			t.Errorf("staged file remains after release")
		}
		// mismatched put leaves no staging files behind
		_, err = s.Put(ctx, d1, bytes.NewReader(blob2))
		if !errors.Is(err, types.ErrDigestMismatch) {
			t.Errorf("unexpected error, expected %v, received %v", types.ErrDigestMismatch, err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to read dir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("staging files remain after mismatched put: %d", len(entries))
		}
	})
	t.Run("Retention", func(t *testing.T) {
		retention := time.Millisecond * 100
		s := New(WithRetention(retention))
		_, err := s.Put(ctx, d1, bytes.NewReader(blob1))
		if err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		err = s.Release(d1)
		if err != nil {
			t.Errorf("failed to release blob: %v", err)
		}
		// retained content remains available and can be re-referenced
		if _, err := s.Get(d1); err != nil {
			t.Errorf("failed to get retained blob: %v", err)
		}
		size, err := s.Put(ctx, d1, bytes.NewReader(blob1))
		if err != nil {
			t.Fatalf("failed to re-put retained blob: %v", err)
		}
		if size != int64(blobLen) {
			t.Errorf("size mismatch, expected %d, received %d", blobLen, size)
		}
		err = s.Release(d1)
		if err != nil {
			t.Errorf("failed to release blob: %v", err)
		}
		time.Sleep(retention * 2)
		if _, err := s.Get(d1); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("content remains after retention: %v", err)
		}
	})
	t.Run("Canceled context", func(t *testing.T) {
		s := New()
		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.Put(cancelCtx, d1, bytes.NewReader(blob1))
		if err == nil {
			t.Errorf("put unexpectedly succeeded with canceled context")
		}
	})
	t.Run("Close", func(t *testing.T) {
		dir := t.TempDir()
		s := New(WithDir(dir))
		if _, err := s.Put(ctx, d1, bytes.NewReader(blob1)); err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		if _, err := s.Put(ctx, d2, bytes.NewReader(blob2)); err != nil {
			t.Fatalf("failed to put blob: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("failed to close store: %v", err)
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			t.Fatalf("failed to read dir: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("staging files remain after close: %d", len(entries))
		}
	})
}
