// Package transfer copies images between registries. The engine runs a
// single job through pull, verify, and push with retries, and the
// coordinator fans jobs out over a bounded worker pool.
package transfer

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"

	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

// State tracks the progress of a job. Every job ends in Succeeded or
// Failed exactly once.
type State int

const (
	StatePending State = iota
	StatePulling
	StateVerifying
	StatePushing
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePulling:
		return "pulling"
	case StateVerifying:
		return "verifying"
	case StatePushing:
		return "pushing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Job is a single image copy from Source to Target.
type Job struct {
	Source   ref.Ref
	Target   ref.Ref
	State    State
	Attempts int
}

// NewJob builds a job in the pending state.
func NewJob(src, tgt ref.Ref) *Job {
	return &Job{
		Source: src,
		Target: tgt,
		State:  StatePending,
	}
}

// Result reports the outcome of a job.
type Result struct {
	Job    *Job
	Digest digest.Digest
	Err    error
	Kind   Kind
}

// Kind classifies a job failure so callers never inspect error internals.
type Kind int

const (
	KindNone Kind = iota
	KindParse
	KindAuth
	KindNotFound
	KindNetwork
	KindIntegrity
	KindRateLimit
	KindCanceled
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindParse:
		return "parse"
	case KindAuth:
		return "auth"
	case KindNotFound:
		return "not found"
	case KindNetwork:
		return "network"
	case KindIntegrity:
		return "integrity"
	case KindRateLimit:
		return "rate limit"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify derives the failure kind from the sentinel errors wrapped in err.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, types.ErrCanceled):
		return KindCanceled
	case errors.Is(err, types.ErrParsingFailed), errors.Is(err, types.ErrUnsupportedMediaType):
		return KindParse
	case errors.Is(err, types.ErrUnauthorized), errors.Is(err, types.ErrEmptyChallenge):
		return KindAuth
	case errors.Is(err, types.ErrNotFound):
		return KindNotFound
	case errors.Is(err, types.ErrRateLimit):
		return KindRateLimit
	case errors.Is(err, types.ErrDigestMismatch), errors.Is(err, types.ErrSizeMismatch):
		return KindIntegrity
	case errors.Is(err, types.ErrRetryNeeded):
		return KindNetwork
	}
	return KindUnknown
}

// retryable reports whether a failure is worth another attempt.
// Integrity failures are retried, a corrupted transfer may succeed on a
// clean connection.
func retryable(err error) bool {
	switch Classify(err) {
	case KindNetwork, KindRateLimit, KindIntegrity:
		return true
	}
	return false
}
