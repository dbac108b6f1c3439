package throttle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func sleepMS(ms int64) {
	time.Sleep(time.Millisecond * time.Duration(ms))
}

func TestNil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var tNil *Throttle
	if err := tNil.Acquire(ctx); err != nil {
		t.Errorf("acquire failed: %v", err)
	}
	if err := tNil.Release(ctx); err != nil {
		t.Errorf("release failed: %v", err)
	}
	a, err := tNil.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire failed: %v", err)
	}
	if !a {
		t.Errorf("try acquire did not succeed")
	}
}

func TestSingleThrottle(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wg := sync.WaitGroup{}
	t1 := New(1)
	err := t1.Acquire(ctx)
	if err != nil {
		t.Fatalf("failed to acquire: %v", err)
	}
	// acquire in a goroutine, blocked until the release below
	acquired := false
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := t1.Acquire(ctx)
		if err != nil {
			t.Errorf("failed to acquire: %v", err)
			return
		}
		acquired = true
	}()
	sleepMS(1)
	if acquired {
		t.Errorf("throttle acquired before previous released")
	}
	a, err := t1.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire errored: %v", err)
	}
	if a {
		t.Errorf("try acquire succeeded on a full throttle")
	}
	err = t1.Release(ctx)
	if err != nil {
		t.Errorf("release failed: %v", err)
	}
	wg.Wait()
	if !acquired {
		t.Errorf("throttle was not acquired by goroutine")
	}
	// a canceled context interrupts a blocked acquire
	wg.Add(1)
	acquired = false
	go func() {
		defer wg.Done()
		err := t1.Acquire(ctx)
		if err == nil {
			acquired = true
			return
		}
		if !errors.Is(err, context.Canceled) {
			t.Errorf("acquire on cancel returned: %v", err)
		}
	}()
	sleepMS(1)
	cancel()
	wg.Wait()
	if acquired {
		t.Errorf("canceled acquire succeeded")
	}
	ctx = context.Background()
	// release, and verify a second release fails
	err = t1.Release(ctx)
	if err != nil {
		t.Errorf("release failed: %v", err)
	}
	err = t1.Release(ctx)
	if err == nil {
		t.Errorf("second release succeeded")
	}
	a, err = t1.TryAcquire(ctx)
	if err != nil {
		t.Errorf("try acquire errored: %v", err)
	}
	if !a {
		t.Errorf("try acquire failed on an empty throttle")
	}
}

func TestCapacity(t *testing.T) {
	t.Parallel()
	t3 := New(3)
	wg := sync.WaitGroup{}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := t3.Acquire(ctx); err != nil {
			t.Errorf("failed to acquire %d: %v", i, err)
		}
	}
	a, err := t3.TryAcquire(ctx)
	if err != nil {
		t.Errorf("failed to try acquire: %v", err)
	}
	if a {
		t.Errorf("try acquire succeeded on full throttle")
	}
	// queue two more acquires in the background
	wg.Add(1)
	a = false
	go func() {
		defer wg.Done()
		if err := t3.Acquire(ctx); err != nil {
			t.Errorf("failed to acquire: %v", err)
		}
		a = true
		if err := t3.Acquire(ctx); err != nil {
			t.Errorf("failed to acquire: %v", err)
		}
	}()
	sleepMS(1)
	if a {
		t.Errorf("acquire ran while throttle was full")
	}
	if err := t3.Release(ctx); err != nil {
		t.Errorf("failed to release: %v", err)
	}
	if err := t3.Release(ctx); err != nil {
		t.Errorf("failed to release: %v", err)
	}
	wg.Wait()
	if !a {
		t.Errorf("acquire did not run in background")
	}
}

func TestMulti(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tList := make([]*Throttle, 3)
	for i := range tList {
		tList[i] = New(1)
	}
	wg := sync.WaitGroup{}

	// duplicate entries in the list acquire each throttle once
	tListDup := []*Throttle{tList[0], tList[0], tList[1], tList[0], tList[1]}
	ctxDup, err := AcquireMulti(ctx, tListDup)
	if err != nil {
		t.Errorf("failed to acquire list with duplicates: %v", err)
	}
	ok, err := tList[0].TryAcquire(ctx)
	if err != nil || ok {
		t.Errorf("try acquire on 0 did not fail, ok=%t, err=%v", ok, err)
	}
	err = ReleaseMulti(ctxDup, tListDup)
	if err != nil {
		t.Errorf("failed to release duplicates: %v", err)
	}

	// empty list is a noop
	_, err = AcquireMulti(ctx, tList[:0])
	if err != nil {
		t.Errorf("empty list acquire multi failed: %v", err)
	}

	// acquire the first two, nested multi acquires are rejected
	ctxMulti, err := AcquireMulti(ctx, tList[:2])
	if err != nil {
		t.Fatalf("failed to acquire multi: %v", err)
	}
	_, err = AcquireMulti(ctxMulti, tList[2:])
	if err == nil {
		t.Errorf("nested acquire multi did not fail")
	}
	// individual actions with the multi context are noops for members
	a, err := tList[0].TryAcquire(ctxMulti)
	if err != nil {
		t.Errorf("failed to try acquire on 0: %v", err)
	}
	if !a {
		t.Errorf("try acquire on 0 did not return true")
	}
	// and errors for non-members
	if err := tList[2].Acquire(ctxMulti); err == nil {
		t.Errorf("acquire on 2 did not error")
	}
	if err := tList[2].Release(ctxMulti); err == nil {
		t.Errorf("release on 2 did not error")
	}
	a, err = tList[2].TryAcquire(ctxMulti)
	if err == nil || a {
		t.Errorf("try acquire on 2 did not error, ok=%t, err=%v", a, err)
	}
	// other contexts see the first two as held
	a, err = tList[0].TryAcquire(ctx)
	if err != nil {
		t.Errorf("failed to try acquire on 0: %v", err)
	}
	if a {
		t.Errorf("try acquire on 0 returned true")
	}
	// queue an acquire of the first two in the background
	wg.Add(1)
	finished := false
	go func() {
		defer wg.Done()
		if err := tList[0].Acquire(ctx); err != nil {
			t.Errorf("failed to acquire 0: %v", err)
		}
		if err := tList[1].Acquire(ctx); err != nil {
			t.Errorf("failed to acquire 1: %v", err)
		}
		finished = true
	}()
	sleepMS(1)
	if finished {
		t.Errorf("background job finished before release")
	}
	err = ReleaseMulti(ctxMulti, tList[:2])
	if err != nil {
		t.Errorf("failed to release multi: %v", err)
	}
	wg.Wait()
	if !finished {
		t.Errorf("background job did not finish")
	}
	// after the release the multi context behaves like a plain context
	if err := tList[2].Acquire(ctxMulti); err != nil {
		t.Errorf("acquire on stale context failed: %v", err)
	}
	if err := tList[2].Release(ctxMulti); err != nil {
		t.Errorf("release on stale context failed: %v", err)
	}
	// a second release multi fails
	err = ReleaseMulti(ctxMulti, tList[:2])
	if err == nil {
		t.Errorf("release multi again succeeded")
	}
	// release multi with a plain context fails
	for i := 0; i < 2; i++ {
		if err := tList[i].Release(ctx); err != nil {
			t.Errorf("failed to release %d: %v", i, err)
		}
	}
	ctxMulti, err = AcquireMulti(ctx, tList)
	if err != nil {
		t.Errorf("failed to acquire multi: %v", err)
	}
	err = ReleaseMulti(ctx, tList)
	if err == nil {
		t.Errorf("release multi on wrong context succeeded")
	}
	err = ReleaseMulti(ctxMulti, tList)
	if err != nil {
		t.Errorf("failed to release multi: %v", err)
	}

	// a blocked acquire multi releases partial locks and honors cancellation
	if err := tList[1].Acquire(ctx); err != nil {
		t.Errorf("failed to acquire 1: %v", err)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := AcquireMulti(ctx, tList)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("acquire multi did not fail on canceled context: %v", err)
		}
	}()
	sleepMS(1)
	// while the multi waits on 1, throttles 0 and 2 must be free
	a, err = tList[0].TryAcquire(ctx)
	if err != nil {
		t.Errorf("failed to try acquire on 0: %v", err)
	}
	if !a {
		t.Errorf("blocked acquire multi kept holding 0")
	}
	if err := tList[0].Release(ctx); err != nil {
		t.Errorf("failed to release 0: %v", err)
	}
	cancel()
	wg.Wait()
	if err := tList[1].Release(context.Background()); err != nil {
		t.Errorf("failed to release 1: %v", err)
	}
}
