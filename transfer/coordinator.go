package transfer

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dierbei/imagesync/types"
)

const defaultWorkers = 4

// Coordinator fans jobs out over a fixed worker pool. Failures never
// stop other jobs, results come back in the order jobs were given.
type Coordinator struct {
	engine  *Engine
	workers int
	log     *logrus.Logger
}

// CoordinatorOpts is used to set options on the coordinator.
type CoordinatorOpts func(*Coordinator)

// NewCoordinator returns a coordinator driving the provided engine.
func NewCoordinator(engine *Engine, opts ...CoordinatorOpts) *Coordinator {
	c := &Coordinator{
		engine:  engine,
		workers: defaultWorkers,
		log:     &logrus.Logger{Out: io.Discard},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithWorkers sets the worker pool size.
func WithWorkers(workers int) CoordinatorOpts {
	return func(c *Coordinator) {
		if workers > 0 {
			c.workers = workers
		}
	}
}

// WithCoordinatorLog injects a logrus Logger.
func WithCoordinatorLog(log *logrus.Logger) CoordinatorOpts {
	return func(c *Coordinator) {
		c.log = log
	}
}

// Run processes all jobs and returns one result per job in input order.
// Cancellation fails the remaining jobs rather than dropping them.
func (c *Coordinator) Run(ctx context.Context, jobs []*Job) []Result {
	results := make([]Result, len(jobs))
	idxCh := make(chan int)
	wg := sync.WaitGroup{}
	for w := 0; w < c.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idxCh {
				if ctx.Err() != nil {
					jobs[i].State = StateFailed
					results[i] = Result{
						Job:  jobs[i],
						Err:  fmt.Errorf("job canceled: %v%.0w", ctx.Err(), types.ErrCanceled),
						Kind: KindCanceled,
					}
					continue
				}
				c.log.WithFields(logrus.Fields{
					"source": jobs[i].Source.CommonName(),
					"target": jobs[i].Target.CommonName(),
				}).Debug("Job started")
				results[i] = c.engine.Run(ctx, jobs[i])
				c.log.WithFields(logrus.Fields{
					"source": jobs[i].Source.CommonName(),
					"target": jobs[i].Target.CommonName(),
					"state":  jobs[i].State.String(),
				}).Debug("Job finished")
			}
		}()
	}
	for i := range jobs {
		idxCh <- i
	}
	close(idxCh)
	wg.Wait()
	return results
}
