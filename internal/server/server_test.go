package server

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/batch"
	"github.com/pagesnap/engine/internal/orchestrator"
	"github.com/pagesnap/engine/internal/redisstore"
	"github.com/pagesnap/engine/pkg/types"
)

type fakeProcessor struct {
	resp    *orchestrator.Response
	err     error
	lastURL string
	lastSrc string
}

func (p *fakeProcessor) Process(_ context.Context, rawURL, _, source string) (*orchestrator.Response, error) {
	p.lastURL = rawURL
	p.lastSrc = source
	if p.err != nil {
		return nil, p.err
	}
	return p.resp, nil
}

type fakeJobs struct {
	job       *batch.Job
	submitErr error
	statusErr error
	lastURLs  []string
	lastSrc   string
}

func (j *fakeJobs) Submit(_ context.Context, urls []string, source string) (*batch.Job, error) {
	j.lastURLs = urls
	j.lastSrc = source
	if j.submitErr != nil {
		return nil, j.submitErr
	}
	if len(urls) == 0 {
		return nil, batch.ErrEmptySource
	}
	job := *j.job
	job.Total = len(urls)
	return &job, nil
}

func (j *fakeJobs) Status(_ context.Context, jobID string) (*batch.Job, error) {
	if j.statusErr != nil {
		return nil, j.statusErr
	}
	if j.job == nil || j.job.ID != jobID {
		return nil, batch.ErrJobNotFound
	}
	return j.job, nil
}

type fakeSitemaps struct {
	urls []string
	err  error
}

func (f *fakeSitemaps) Fetch(_ context.Context, _ string) ([]string, error) {
	return f.urls, f.err
}

func newTestServer(t *testing.T, proc *fakeProcessor, jobs *fakeJobs, sitemaps *fakeSitemaps) *Server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	redisClient := redisstore.NewClientFromRedis(rdb, zap.NewNop())
	return NewServer(proc, jobs, sitemaps, redisClient, 30*time.Second, zap.NewNop())
}

func doRequest(s *Server, method, uri string, body []byte) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != nil {
		ctx.Request.SetBody(body)
	}
	s.HandleRequest(ctx)
	return ctx
}

func TestHandleRender_ServesHTML(t *testing.T) {
	proc := &fakeProcessor{resp: &orchestrator.Response{
		Outcome: types.OutcomeSuccess,
		HTML:    []byte("<html><body>hi</body></html>"),
		Source:  orchestrator.ServedFromCache,
		URL:     "https://example.com/",
	}}
	s := newTestServer(t, proc, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/render?url=https%3A%2F%2Fexample.com%2F", nil)

	assert.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())
	assert.Equal(t, "text/html; charset=utf-8", string(ctx.Response.Header.ContentType()))
	assert.Equal(t, "<html><body>hi</body></html>", string(ctx.Response.Body()))
	assert.Equal(t, "https://example.com/", string(ctx.Response.Header.Peek("X-Processed-URL")))
	assert.Equal(t, "cache", string(ctx.Response.Header.Peek("X-Render-Source")))
	assert.Equal(t, "https://example.com/", proc.lastURL)
	assert.Equal(t, orchestrator.SourceInteractive, proc.lastSrc)
	assert.NotEmpty(t, string(ctx.Response.Header.Peek("X-Request-ID")))
}

func TestHandleRender_MissingURL(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/render", nil)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
	assert.Contains(t, string(ctx.Response.Body()), "url")
}

func TestHandleRender_InvalidTarget(t *testing.T) {
	proc := &fakeProcessor{err: fmt.Errorf("%w: no dot in host", orchestrator.ErrInvalidTarget)}
	s := newTestServer(t, proc, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/render?url=nonsense", nil)

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleRender_RejectedTargetRedirects(t *testing.T) {
	proc := &fakeProcessor{err: fmt.Errorf("%w: private address", orchestrator.ErrRejectedTarget)}
	s := newTestServer(t, proc, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/render?url=https%3A%2F%2Finternal.corp%2F", nil)

	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	assert.Equal(t, "https://internal.corp/", string(ctx.Response.Header.Peek("Location")))
}

func TestHandleRender_FailedOutcomeRedirects(t *testing.T) {
	proc := &fakeProcessor{resp: &orchestrator.Response{
		Outcome:  types.OutcomeFailed,
		Redirect: true,
		Source:   orchestrator.ServedFromCache,
		URL:      "https://example.com/broken",
	}}
	s := newTestServer(t, proc, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/render?url=example.com%2Fbroken", nil)

	assert.Equal(t, fasthttp.StatusFound, ctx.Response.StatusCode())
	// Scheme is prepended when the client omitted it
	assert.Equal(t, "https://example.com/broken", string(ctx.Response.Header.Peek("Location")))
}

func TestHandleRender_MethodNotAllowed(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "POST", "/render?url=https%3A%2F%2Fexample.com", nil)

	assert.Equal(t, fasthttp.StatusMethodNotAllowed, ctx.Response.StatusCode())
}

func TestHandleBatchSitemap(t *testing.T) {
	jobs := &fakeJobs{job: &batch.Job{ID: "abc12345", Status: batch.StatusRunning}}
	sitemaps := &fakeSitemaps{urls: []string{
		"https://example.com/1",
		"https://example.com/2",
		"https://example.com/3",
	}}
	s := newTestServer(t, &fakeProcessor{}, jobs, sitemaps)

	body := []byte(`{"sitemap_url": "https://example.com/sitemap.xml"}`)
	ctx := doRequest(s, "POST", "/batch/sitemap", body)

	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())

	var resp jobStartedResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "started", resp.Status)
	assert.Equal(t, "abc12345", resp.JobID)
	assert.Equal(t, 3, resp.TotalURLs)
	assert.Equal(t, "sitemap", jobs.lastSrc)
}

func TestHandleBatchSitemap_BadJSON(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "POST", "/batch/sitemap", []byte("not json"))

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleBatchSitemap_FetchFailure(t *testing.T) {
	sitemaps := &fakeSitemaps{err: fmt.Errorf("sitemap fetch returned status 500")}
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, sitemaps)

	body := []byte(`{"sitemap_url": "https://example.com/sitemap.xml"}`)
	ctx := doRequest(s, "POST", "/batch/sitemap", body)

	assert.Equal(t, fasthttp.StatusBadGateway, ctx.Response.StatusCode())
}

func TestHandleBatchFile(t *testing.T) {
	jobs := &fakeJobs{job: &batch.Job{ID: "def67890", Status: batch.StatusRunning}}
	s := newTestServer(t, &fakeProcessor{}, jobs, &fakeSitemaps{})

	body := []byte("https://example.com/a\nhttps://example.com/b\n\nnot-a-url\n")
	ctx := doRequest(s, "POST", "/batch/file", body)

	require.Equal(t, fasthttp.StatusAccepted, ctx.Response.StatusCode())
	assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, jobs.lastURLs)
	assert.Equal(t, "file", jobs.lastSrc)
}

func TestHandleBatchFile_EmptyBody(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "POST", "/batch/file", []byte("\n\n"))

	assert.Equal(t, fasthttp.StatusBadRequest, ctx.Response.StatusCode())
}

func TestHandleBatchStatus(t *testing.T) {
	completedAt := time.Now().UTC()
	jobs := &fakeJobs{job: &batch.Job{
		ID:          "abc12345",
		Status:      batch.StatusCompleted,
		Total:       10,
		Completed:   10,
		Failed:      2,
		StartedAt:   completedAt.Add(-time.Minute),
		CompletedAt: &completedAt,
	}}
	s := newTestServer(t, &fakeProcessor{}, jobs, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/batch/status/abc12345", nil)

	require.Equal(t, fasthttp.StatusOK, ctx.Response.StatusCode())

	var resp jobStatusResponse
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &resp))
	assert.Equal(t, "abc12345", resp.JobID)
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, 10, resp.Total)
	assert.Equal(t, 2, resp.Failed)
	assert.Equal(t, "10/10", resp.Progress)
	require.NotNil(t, resp.CompletedAt)
}

func TestHandleBatchStatus_NotFound(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/batch/status/missing1", nil)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	health := doRequest(s, "GET", "/health", nil)
	assert.Equal(t, fasthttp.StatusOK, health.Response.StatusCode())
	assert.Equal(t, "OK", string(health.Response.Body()))

	ready := doRequest(s, "GET", "/ready", nil)
	assert.Equal(t, fasthttp.StatusOK, ready.Response.StatusCode())
}

func TestUnknownPath(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := doRequest(s, "GET", "/nope", nil)

	assert.Equal(t, fasthttp.StatusNotFound, ctx.Response.StatusCode())
}

func TestCustomRequestIDEchoed(t *testing.T) {
	s := newTestServer(t, &fakeProcessor{}, &fakeJobs{}, &fakeSitemaps{})

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("GET")
	ctx.Request.SetRequestURI("/health")
	ctx.Request.Header.Set("X-Request-ID", "trace-42")
	s.HandleRequest(ctx)

	got := string(ctx.Response.Header.Peek("X-Request-ID"))
	assert.Contains(t, got, "trace-42")
}
