// Package store stages blob content between a pull and a push.
// Content is addressed by digest, verified as it is written, and
// reference counted so concurrent jobs can share a single staged copy.
package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	// crypto libraries required for digest support
	_ "crypto/sha256"
	_ "crypto/sha512"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/types"
)

type entry struct {
	size     int64
	refs     int
	data     []byte
	filename string
	released time.Time
}

// Store is a digest addressed staging area with reference counting.
// Entries are evicted when their count reaches zero, optionally after
// a retention delay to allow reuse across jobs.
type Store struct {
	mu        sync.Mutex
	entries   map[digest.Digest]*entry
	dir       string
	retention time.Duration
	log       *logrus.Logger
}

// Opts is used for setting store options.
type Opts func(*Store)

// New returns a Store.
func New(opts ...Opts) *Store {
	s := &Store{
		entries: map[digest.Digest]*entry{},
		log:     &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WithDir stages content as files in dir instead of in memory.
func WithDir(dir string) Opts {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithRetention delays eviction after the reference count reaches zero.
func WithRetention(d time.Duration) Opts {
	return func(s *Store) {
		s.retention = d
	}
}

// WithLog injects a logrus Logger.
func WithLog(log *logrus.Logger) Opts {
	return func(s *Store) {
		s.log = log
	}
}

// Put streams rdr into the store, verifying the content against expect.
// A mismatched digest stores nothing and returns ErrDigestMismatch.
// Putting a digest that is already staged increments the reference count
// and discards the duplicate bytes.
func (s *Store) Put(ctx context.Context, expect digest.Digest, rdr io.Reader) (int64, error) {
	if err := expect.Validate(); err != nil {
		return 0, fmt.Errorf("invalid digest %s: %w", expect.String(), err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	// fast path, already staged, drain the reader
	s.mu.Lock()
	if e, ok := s.entries[expect]; ok {
		e.refs++
		e.released = time.Time{}
		size := e.size
		s.mu.Unlock()
		_, err := io.Copy(io.Discard, rdr)
		if err != nil {
			s.release(expect)
			return 0, fmt.Errorf("failed draining duplicate content: %w", err)
		}
		return size, nil
	}
	s.mu.Unlock()

	verifier := expect.Verifier()
	var size int64
	var data []byte
	filename := ""
	if s.dir != "" {
		tmp, err := os.CreateTemp(s.dir, "staging-*")
		if err != nil {
			return 0, fmt.Errorf("failed creating staging file: %w", err)
		}
		size, err = io.Copy(io.MultiWriter(tmp, verifier), rdr)
		errC := tmp.Close()
		if err == nil {
			err = errC
		}
		if err != nil {
			_ = os.Remove(tmp.Name())
			return 0, fmt.Errorf("failed staging content: %w", err)
		}
		if !verifier.Verified() {
			_ = os.Remove(tmp.Name())
			return 0, fmt.Errorf("expected digest %s%.0w", expect.String(), types.ErrDigestMismatch)
		}
		filename = tmp.Name()
	} else {
		buf := &bytes.Buffer{}
		var err error
		size, err = io.Copy(io.MultiWriter(buf, verifier), rdr)
		if err != nil {
			return 0, fmt.Errorf("failed staging content: %w", err)
		}
		if !verifier.Verified() {
			return 0, fmt.Errorf("expected digest %s%.0w", expect.String(), types.ErrDigestMismatch)
		}
		data = buf.Bytes()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[expect]; ok {
		// concurrent put staged the same digest first
		e.refs++
		e.released = time.Time{}
		if filename != "" {
			_ = os.Remove(filename)
		}
		return e.size, nil
	}
	if filename != "" {
		named := filepath.Join(s.dir, expect.Algorithm().String()+"-"+expect.Encoded())
		if err := os.Rename(filename, named); err != nil {
			_ = os.Remove(filename)
			return 0, fmt.Errorf("failed moving staging file: %w", err)
		}
		filename = named
	}
	s.entries[expect] = &entry{
		size:     size,
		refs:     1,
		data:     data,
		filename: filename,
	}
	s.log.WithFields(logrus.Fields{
		"digest": expect.String(),
		"size":   size,
	}).Debug("Staged content")
	return size, nil
}

// memReader keeps in-memory content seekable so an upload can be
// replayed after an auth refresh.
type memReader struct {
	*bytes.Reader
}

func (memReader) Close() error { return nil }

// Get returns a reader over staged content, or ErrNotFound.
// The reader is seekable for both memory and file backed entries.
func (s *Store) Get(d digest.Digest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return nil, fmt.Errorf("digest not staged %s%.0w", d.String(), types.ErrNotFound)
	}
	if e.filename != "" {
		fh, err := os.Open(e.filename)
		if err != nil {
			return nil, fmt.Errorf("failed opening staged content: %w", err)
		}
		return fh, nil
	}
	return memReader{bytes.NewReader(e.data)}, nil
}

// Size returns the size of staged content, or ErrNotFound.
func (s *Store) Size(d digest.Digest) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok {
		return 0, fmt.Errorf("digest not staged %s%.0w", d.String(), types.ErrNotFound)
	}
	return e.size, nil
}

// Release decrements the reference count. Content is evicted when the
// count reaches zero, after the retention delay when one is configured.
func (s *Store) Release(d digest.Digest) error {
	return s.release(d)
}

func (s *Store) release(d digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[d]
	if !ok || e.refs <= 0 {
		return fmt.Errorf("digest not staged %s%.0w", d.String(), types.ErrNotFound)
	}
	e.refs--
	if e.refs > 0 {
		return nil
	}
	if s.retention > 0 {
		e.released = time.Now()
		time.AfterFunc(s.retention, s.prune)
		return nil
	}
	s.evict(d, e)
	return nil
}

// prune evicts unreferenced entries past the retention delay.
func (s *Store) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.retention)
	for d, e := range s.entries {
		if e.refs <= 0 && !e.released.IsZero() && !e.released.After(cutoff) {
			s.evict(d, e)
		}
	}
}

// evict must be called with the mutex held.
func (s *Store) evict(d digest.Digest, e *entry) {
	delete(s.entries, d)
	if e.filename != "" {
		if err := os.Remove(e.filename); err != nil {
			s.log.WithFields(logrus.Fields{
				"digest": d.String(),
				"file":   e.filename,
				"err":    err,
			}).Warn("Failed removing staged file")
		}
	}
	s.log.WithFields(logrus.Fields{
		"digest": d.String(),
	}).Debug("Evicted content")
}

// Close evicts all staged content regardless of reference counts.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for d, e := range s.entries {
		s.evict(d, e)
	}
	return nil
}
