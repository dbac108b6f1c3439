// Package throttle is used to limit the number of concurrent actions
package throttle

import (
	"context"
	"fmt"
)

type token struct{}

// Throttle is used to limit concurrent activities
type Throttle struct {
	ch chan token
}

type key int

var valKey key

type valMulti struct {
	tList []*Throttle
}

// New creates a throttle that allows count concurrent users
func New(count int) *Throttle {
	ch := make(chan token, count)
	return &Throttle{ch: ch}
}

// checkContext returns true when a multi acquire owns the context, along with
// an error when this throttle is not part of that acquire
func (t *Throttle) checkContext(ctx context.Context) (bool, error) {
	v, ok := ctx.Value(valKey).(*valMulti)
	if !ok || len(v.tList) == 0 {
		return false, nil
	}
	for _, cur := range v.tList {
		if cur == t {
			return true, nil
		}
	}
	return true, fmt.Errorf("throttle was not acquired with this context")
}

// Acquire blocks until the throttle has capacity or the context is canceled.
// Within a multi acquire this is a noop for throttles in that acquire.
func (t *Throttle) Acquire(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if held, err := t.checkContext(ctx); held {
		return err
	}
	select {
	case t.ch <- token{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees one entry in the throttle
func (t *Throttle) Release(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if held, err := t.checkContext(ctx); held {
		return err
	}
	select {
	case <-t.ch:
		return nil
	default:
		return fmt.Errorf("failed to release throttle")
	}
}

// TryAcquire returns true when the throttle was successfully acquired without blocking
func (t *Throttle) TryAcquire(ctx context.Context) (bool, error) {
	if t == nil {
		return true, nil
	}
	if held, err := t.checkContext(ctx); held {
		return err == nil, err
	}
	select {
	case t.ch <- token{}:
		return true, nil
	default:
		return false, nil
	}
}

// AcquireMulti acquires a list of throttles, returning a context that tracks
// the acquired list. Partial acquires are released before blocking on a busy
// throttle so that concurrent multi acquires cannot deadlock each other.
func AcquireMulti(ctx context.Context, tList []*Throttle) (context.Context, error) {
	if v, ok := ctx.Value(valKey).(*valMulti); ok && len(v.tList) > 0 {
		return ctx, fmt.Errorf("cannot nest multiple throttle acquires")
	}
	tList = dedup(tList)
	if len(tList) == 0 {
		return ctx, nil
	}
	i := 0
	for {
		// block on the throttle that was busy in the previous pass
		err := tList[i].Acquire(ctx)
		if err != nil {
			return ctx, err
		}
		acquired := true
		for j, t := range tList {
			if j == i {
				continue
			}
			ok, err := t.TryAcquire(ctx)
			if err != nil || !ok {
				// undo the partial acquire and block on the busy throttle next
				for j2, t2 := range tList {
					if j2 == j {
						break
					}
					_ = t2.Release(ctx)
				}
				if j < i {
					_ = tList[i].Release(ctx)
				}
				if err != nil {
					return ctx, err
				}
				acquired = false
				i = j
				break
			}
		}
		if acquired {
			break
		}
	}
	newCtx := context.WithValue(ctx, valKey, &valMulti{tList: tList})
	return newCtx, nil
}

// ReleaseMulti releases every throttle acquired by AcquireMulti, the context
// from that acquire is required
func ReleaseMulti(ctx context.Context, tList []*Throttle) error {
	v, ok := ctx.Value(valKey).(*valMulti)
	if !ok || len(v.tList) == 0 {
		return fmt.Errorf("context was not used to acquire the throttles")
	}
	for _, t := range v.tList {
		select {
		case <-t.ch:
		default:
			return fmt.Errorf("failed to release throttle")
		}
	}
	v.tList = nil
	return nil
}

func dedup(tList []*Throttle) []*Throttle {
	out := make([]*Throttle, 0, len(tList))
	for _, t := range tList {
		if t == nil {
			continue
		}
		found := false
		for _, cur := range out {
			if cur == t {
				found = true
				break
			}
		}
		if !found {
			out = append(out, t)
		}
	}
	return out
}
