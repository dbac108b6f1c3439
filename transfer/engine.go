package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dierbei/imagesync/internal/throttle"
	"github.com/dierbei/imagesync/reg"
	"github.com/dierbei/imagesync/store"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/manifest"
	"github.com/dierbei/imagesync/types/ref"
)

const (
	defaultAttempts  = 5
	defaultBlobLimit = 3
	defaultDelayInit = time.Second * 2
	defaultDelayMax  = time.Minute * 2
	// manifest lists nest at most one level of image manifests
	maxManifestDepth = 2
)

// Engine copies a single image per job and owns all retrying. Transport
// and registry calls below the engine fail fast so the backoff policy
// lives in one place.
type Engine struct {
	rc        *reg.Reg
	store     *store.Store
	platform  *ociv1.Platform
	blobLimit int
	delayInit time.Duration
	delayMax  time.Duration
	attempts  int
	log       *logrus.Logger
}

// EngineOpts is used to set options on the engine.
type EngineOpts func(*Engine)

// NewEngine returns an engine for the registry client.
func NewEngine(rc *reg.Reg, opts ...EngineOpts) *Engine {
	e := &Engine{
		rc:        rc,
		blobLimit: defaultBlobLimit,
		delayInit: defaultDelayInit,
		delayMax:  defaultDelayMax,
		attempts:  defaultAttempts,
		log:       &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.store == nil {
		e.store = store.New()
	}
	return e
}

// WithStore sets the content store used to stage blobs.
func WithStore(s *store.Store) EngineOpts {
	return func(e *Engine) {
		e.store = s
	}
}

// WithPlatform restricts manifest lists to the first matching platform.
func WithPlatform(p ociv1.Platform) EngineOpts {
	return func(e *Engine) {
		e.platform = &p
	}
}

// WithBlobLimit caps concurrent blob copies within a job.
func WithBlobLimit(limit int) EngineOpts {
	return func(e *Engine) {
		if limit > 0 {
			e.blobLimit = limit
		}
	}
}

// WithRetryDelays sets the initial and maximum backoff delay.
func WithRetryDelays(init, max time.Duration) EngineOpts {
	return func(e *Engine) {
		if init > 0 {
			e.delayInit = init
		}
		if max > 0 {
			e.delayMax = max
		}
	}
}

// WithAttempts caps attempts per job.
func WithAttempts(attempts int) EngineOpts {
	return func(e *Engine) {
		if attempts > 0 {
			e.attempts = attempts
		}
	}
}

// WithEngineLog injects a logrus Logger.
func WithEngineLog(log *logrus.Logger) EngineOpts {
	return func(e *Engine) {
		e.log = log
	}
}

// Run drives a job to a terminal state, retrying transient failures with
// exponential backoff. Every job produces exactly one result.
func (e *Engine) Run(ctx context.Context, j *Job) Result {
	for {
		j.Attempts++
		d, err := e.copyImage(ctx, j)
		if err == nil {
			j.State = StateSucceeded
			return Result{Job: j, Digest: d}
		}
		if !retryable(err) || j.Attempts >= e.attempts || ctx.Err() != nil {
			j.State = StateFailed
			e.log.WithFields(logrus.Fields{
				"source":   j.Source.CommonName(),
				"target":   j.Target.CommonName(),
				"attempts": j.Attempts,
				"err":      err,
			}).Warn("Job failed")
			return Result{Job: j, Err: err, Kind: Classify(err)}
		}
		if err := e.backoff(ctx, j.Attempts, err); err != nil {
			j.State = StateFailed
			return Result{Job: j, Err: err, Kind: KindCanceled}
		}
	}
}

// Check reports whether the target is missing or behind the source,
// without copying anything.
func (e *Engine) Check(ctx context.Context, j *Job) (bool, error) {
	tgtM, err := e.rc.ManifestHead(ctx, j.Target)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return true, nil
		}
		return false, err
	}
	srcM, err := e.rc.ManifestHead(ctx, j.Source)
	if err != nil {
		return false, err
	}
	return srcM.GetDescriptor().Digest != tgtM.GetDescriptor().Digest, nil
}

func (e *Engine) copyImage(ctx context.Context, j *Job) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("job canceled before start%.0w", types.ErrCanceled)
	}
	j.State = StatePulling
	// idempotent short-circuit, nothing to copy when digests match
	if tgtM, err := e.rc.ManifestHead(ctx, j.Target); err == nil {
		srcM, err := e.rc.ManifestHead(ctx, j.Source)
		if err == nil && srcM.GetDescriptor().Digest == tgtM.GetDescriptor().Digest {
			e.log.WithFields(logrus.Fields{
				"source": j.Source.CommonName(),
				"target": j.Target.CommonName(),
				"digest": srcM.GetDescriptor().Digest.String(),
			}).Debug("Copy skipped, already in sync")
			return tgtM.GetDescriptor().Digest, nil
		}
	}
	return e.copyManifest(ctx, j, j.Source, j.Target, 1)
}

func (e *Engine) copyManifest(ctx context.Context, j *Job, src, tgt ref.Ref, depth int) (digest.Digest, error) {
	if depth > maxManifestDepth {
		return "", fmt.Errorf("manifest list nesting too deep at %s%.0w", src.CommonName(), types.ErrParsingFailed)
	}
	m, err := e.rc.ManifestGet(ctx, src)
	if err != nil {
		return "", err
	}

	if m.IsList() {
		if e.platform != nil {
			desc, err := manifest.GetPlatformDesc(m, e.platform)
			if err != nil {
				return "", err
			}
			childSrc := src
			childSrc.Digest = desc.Digest.String()
			childSrc.Tag = ""
			return e.copyManifest(ctx, j, childSrc, tgt, depth+1)
		}
		// passthrough, copy every child then the list itself
		dl, err := m.GetManifestList()
		if err != nil {
			return "", err
		}
		for _, desc := range dl {
			childSrc := src
			childSrc.Digest = desc.Digest.String()
			childSrc.Tag = ""
			childTgt := tgt
			childTgt.Digest = desc.Digest.String()
			childTgt.Tag = ""
			if _, err := e.copyManifest(ctx, j, childSrc, childTgt, depth+1); err != nil {
				return "", err
			}
		}
		j.State = StatePushing
		return e.rc.ManifestPut(ctx, tgt, m)
	}

	j.State = StateVerifying
	if err := e.copyBlobs(ctx, src, tgt, m); err != nil {
		return "", err
	}

	// manifest last so a partial push never leaves a dangling reference
	j.State = StatePushing
	return e.rc.ManifestPut(ctx, tgt, m)
}

func (e *Engine) copyBlobs(ctx context.Context, src, tgt ref.Ref, m manifest.Manifest) error {
	conf, err := m.GetConfig()
	if err != nil {
		return err
	}
	layers, err := m.GetLayers()
	if err != nil {
		return err
	}
	descs := make([]types.Descriptor, 0, len(layers)+1)
	seen := map[digest.Digest]bool{}
	for _, d := range append([]types.Descriptor{conf}, layers...) {
		if seen[d.Digest] {
			continue
		}
		seen[d.Digest] = true
		descs = append(descs, d)
	}

	thr := throttle.New(e.blobLimit)
	g, gCtx := errgroup.WithContext(ctx)
	for _, d := range descs {
		d := d
		g.Go(func() error {
			if err := thr.Acquire(gCtx); err != nil {
				return err
			}
			defer func() {
				_ = thr.Release(gCtx)
			}()
			return e.copyBlob(gCtx, src, tgt, d)
		})
	}
	return g.Wait()
}

func (e *Engine) copyBlob(ctx context.Context, src, tgt ref.Ref, d types.Descriptor) error {
	// skip blobs the target already has
	if _, err := e.rc.BlobHead(ctx, tgt, d.Digest); err == nil {
		e.log.WithFields(logrus.Fields{
			"target": tgt.CommonName(),
			"digest": d.Digest.String(),
		}).Debug("Blob copy skipped, already exists")
		return nil
	}
	// a server side mount avoids the transfer entirely
	if src.Registry == tgt.Registry {
		if err := e.rc.BlobMount(ctx, src, tgt, d.Digest); err == nil {
			e.log.WithFields(logrus.Fields{
				"target": tgt.CommonName(),
				"digest": d.Digest.String(),
			}).Debug("Blob mounted")
			return nil
		}
	}

	br, err := e.rc.BlobGet(ctx, src, d.Digest)
	if err != nil {
		return err
	}
	size, err := e.store.Put(ctx, d.Digest, br)
	errC := br.Close()
	if err != nil {
		return err
	}
	// the artifact is staged, release it even if the close failed
	defer func() {
		_ = e.store.Release(d.Digest)
	}()
	if errC != nil {
		return errC
	}
	rdr, err := e.store.Get(d.Digest)
	if err != nil {
		return err
	}
	defer rdr.Close()
	return e.rc.BlobPut(ctx, tgt, d.Digest, rdr, size)
}

// backoff sleeps between attempts, doubling the delay each time up to the
// max. A rate limited response extends the delay to the server's ask.
func (e *Engine) backoff(ctx context.Context, attempt int, cause error) error {
	delay := e.delayInit
	for i := 1; i < attempt && delay < e.delayMax; i++ {
		delay *= 2
	}
	if delay > e.delayMax {
		delay = e.delayMax
	}
	rlErr := &types.RateLimitError{}
	if errors.As(cause, &rlErr) && rlErr.RetryAfter > delay {
		delay = rlErr.RetryAfter
	}
	e.log.WithFields(logrus.Fields{
		"attempt": attempt,
		"delay":   delay.String(),
		"err":     cause,
	}).Debug("Backing off before retry")
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff interrupted: %v%.0w", ctx.Err(), types.ErrCanceled)
	case <-timer.C:
		return nil
	}
}
