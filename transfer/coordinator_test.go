package transfer

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/dierbei/imagesync/internal/reqresp"
	"github.com/dierbei/imagesync/types"
	"github.com/dierbei/imagesync/types/ref"
)

func TestCoordinator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	ti := newTestImage(10)

	headEntry := func(repo, tag string) reqresp.ReqResp {
		return reqresp.ReqResp{
			ReqEntry: reqresp.ReqEntry{
				Method: "HEAD",
				Path:   "/v2/" + repo + "/manifests/" + tag,
			},
			RespEntry: reqresp.RespEntry{
				Status: http.StatusOK,
				Headers: http.Header{
					"Content-Length":        {fmt.Sprintf("%d", len(ti.mBody))},
					"Content-Type":          {types.MediaTypeDocker2Manifest},
					"Docker-Content-Digest": {ti.mDigest.String()},
				},
			},
		}
	}
	rrs := []reqresp.ReqResp{
		// jobs 0 and 2 are already in sync, job 1 is missing at the source
		headEntry("app1", "v1"),
		headEntry("mirror/app1", "v1"),
		headEntry("app3", "v1"),
		headEntry("mirror/app3", "v1"),
		headMissingEntry("HEAD", "/v2/mirror/app2/manifests/v1"),
		headMissingEntry("GET", "/v2/app2/manifests/v1"),
	}
	host, _ := newTestServer(t, rrs)

	e := NewEngine(newTestReg(host),
		WithRetryDelays(time.Millisecond, time.Millisecond*10))
	c := NewCoordinator(e, WithWorkers(2))

	jobs := make([]*Job, 0, 3)
	for _, name := range []string{"app1", "app2", "app3"} {
		src, _ := ref.New(host + "/" + name + ":v1")
		tgt, _ := ref.New(host + "/mirror/" + name + ":v1")
		jobs = append(jobs, NewJob(src, tgt))
	}
	results := c.Run(ctx, jobs)
	if len(results) != len(jobs) {
		t.Fatalf("result count mismatch, expected %d, received %d", len(jobs), len(results))
	}
	// results stay in input order, a failed job never stops the others
	for i, res := range results {
		if res.Job != jobs[i] {
			t.Errorf("result %d out of order", i)
		}
	}
	if results[0].Err != nil {
		t.Errorf("job 0 failed: %v", results[0].Err)
	}
	if results[1].Err == nil {
		t.Errorf("job 1 unexpectedly succeeded")
	} else if results[1].Kind != KindNotFound {
		t.Errorf("job 1 kind mismatch, expected %s, received %s", KindNotFound, results[1].Kind)
	}
	if results[2].Err != nil {
		t.Errorf("job 2 failed: %v", results[2].Err)
	}
}

func TestCoordinatorCanceled(t *testing.T) {
	t.Parallel()
	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine(newTestReg())
	c := NewCoordinator(e)

	jobs := make([]*Job, 0, 4)
	for i := 0; i < 4; i++ {
		src, _ := ref.New(fmt.Sprintf("src.example.com/app%d:v1", i))
		tgt, _ := ref.New(fmt.Sprintf("tgt.example.com/app%d:v1", i))
		jobs = append(jobs, NewJob(src, tgt))
	}
	results := c.Run(cancelCtx, jobs)
	for i, res := range results {
		if res.Err == nil {
			t.Errorf("job %d unexpectedly succeeded", i)
		} else if res.Kind != KindCanceled {
			t.Errorf("job %d kind mismatch, expected %s, received %s", i, KindCanceled, res.Kind)
		}
		if jobs[i].State != StateFailed {
			t.Errorf("job %d state mismatch, expected %s, received %s", i, StateFailed, jobs[i].State)
		}
	}
}
