// Package server exposes the engine over HTTP: the interactive render
// endpoint, batch job submission and status, and the health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/batch"
	"github.com/pagesnap/engine/internal/orchestrator"
	"github.com/pagesnap/engine/internal/redisstore"
	"github.com/pagesnap/engine/internal/requestid"
)

// RenderProcessor is the render entry point. Implemented by
// *orchestrator.Orchestrator.
type RenderProcessor interface {
	Process(ctx context.Context, rawURL, requestID, source string) (*orchestrator.Response, error)
}

// JobManager runs batch jobs. Implemented by *batch.Manager.
type JobManager interface {
	Submit(ctx context.Context, urls []string, source string) (*batch.Job, error)
	Status(ctx context.Context, jobID string) (*batch.Job, error)
}

// SitemapSource expands a sitemap URL into page URLs. Implemented by
// *batch.SitemapFetcher.
type SitemapSource interface {
	Fetch(ctx context.Context, sitemapURL string) ([]string, error)
}

type Server struct {
	processor      RenderProcessor
	jobs           JobManager
	sitemaps       SitemapSource
	redis          *redisstore.Client
	requestTimeout time.Duration
	logger         *zap.Logger
}

func NewServer(
	processor RenderProcessor,
	jobs JobManager,
	sitemaps SitemapSource,
	redisClient *redisstore.Client,
	requestTimeout time.Duration,
	logger *zap.Logger,
) *Server {
	return &Server{
		processor:      processor,
		jobs:           jobs,
		sitemaps:       sitemaps,
		redis:          redisClient,
		requestTimeout: requestTimeout,
		logger:         logger,
	}
}

func (s *Server) HandleRequest(ctx *fasthttp.RequestCtx) {
	customRequestID := string(ctx.Request.Header.Peek("X-Request-ID"))
	requestID := requestid.Generate(customRequestID)
	ctx.Response.Header.Set("X-Request-ID", requestID)

	logger := s.logger.With(zap.String("request_id", requestID))
	path := string(ctx.Path())

	switch {
	case path == "/health":
		s.handleHealth(ctx)

	case path == "/ready":
		s.handleReady(ctx)

	case path == "/render":
		if !ctx.IsGet() && !ctx.IsHead() {
			logger.Warn("Method not allowed", zap.String("method", string(ctx.Method())))
			s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleRender(ctx, requestID, logger)

	case path == "/batch/sitemap":
		if !ctx.IsPost() {
			s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleBatchSitemap(ctx, logger)

	case path == "/batch/file":
		if !ctx.IsPost() {
			s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleBatchFile(ctx, logger)

	case strings.HasPrefix(path, "/batch/status/"):
		if !ctx.IsGet() {
			s.writeError(ctx, fasthttp.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		s.handleBatchStatus(ctx, strings.TrimPrefix(path, "/batch/status/"), logger)

	default:
		logger.Warn("Not found", zap.String("path", path))
		s.writeError(ctx, fasthttp.StatusNotFound, "Endpoint not found")
	}
}

// handleRender serves one interactive render request. Cache hits and fresh
// renders come back as HTML; unrenderable targets are redirected to the
// original URL so the client still reaches the page.
func (s *Server) handleRender(ctx *fasthttp.RequestCtx, requestID string, logger *zap.Logger) {
	rawURL := string(ctx.QueryArgs().Peek("url"))
	if rawURL == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "Missing required parameter: url")
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	resp, err := s.processor.Process(reqCtx, rawURL, requestID, orchestrator.SourceInteractive)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrInvalidTarget):
			s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("Invalid URL: %v", err))
		case errors.Is(err, orchestrator.ErrRejectedTarget):
			// Never render or cache these, but the client can still go
			// to the page directly.
			s.redirectToTarget(ctx, rawURL)
		default:
			logger.Error("Render request failed", zap.Error(err))
			s.writeError(ctx, fasthttp.StatusInternalServerError, "Internal server error")
		}
		return
	}

	ctx.Response.Header.Set("X-Processed-URL", resp.URL)
	ctx.Response.Header.Set("X-Render-Source", string(resp.Source))
	ctx.Response.Header.Set("X-Render-Outcome", string(resp.Outcome))

	if resp.Redirect {
		s.redirectToTarget(ctx, rawURL)
		return
	}

	ctx.Response.Header.Set("Content-Type", "text/html; charset=utf-8")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBody(resp.HTML)
}

type sitemapRequest struct {
	SitemapURL string `json:"sitemap_url"`
}

type jobStartedResponse struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id"`
	TotalURLs int    `json:"total_urls"`
}

func (s *Server) handleBatchSitemap(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	var req sitemapRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		s.writeError(ctx, fasthttp.StatusBadRequest, fmt.Sprintf("Invalid JSON body: %v", err))
		return
	}
	if req.SitemapURL == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "Missing required field: sitemap_url")
		return
	}

	reqCtx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	urls, err := s.sitemaps.Fetch(reqCtx, req.SitemapURL)
	if err != nil {
		logger.Warn("Sitemap fetch failed",
			zap.String("sitemap_url", req.SitemapURL),
			zap.Error(err))
		s.writeError(ctx, fasthttp.StatusBadGateway, fmt.Sprintf("Failed to fetch sitemap: %v", err))
		return
	}

	s.startJob(ctx, urls, "sitemap", logger)
}

func (s *Server) handleBatchFile(ctx *fasthttp.RequestCtx, logger *zap.Logger) {
	urls := batch.ParseURLList(string(ctx.PostBody()))
	s.startJob(ctx, urls, "file", logger)
}

func (s *Server) startJob(ctx *fasthttp.RequestCtx, urls []string, source string, logger *zap.Logger) {
	job, err := s.jobs.Submit(context.Background(), urls, source)
	if err != nil {
		if errors.Is(err, batch.ErrEmptySource) {
			s.writeError(ctx, fasthttp.StatusBadRequest, "Source contains no URLs")
			return
		}
		logger.Error("Batch submission failed", zap.Error(err))
		s.writeError(ctx, fasthttp.StatusInternalServerError, "Failed to start batch job")
		return
	}

	logger.Info("Batch job started",
		zap.String("job_id", job.ID),
		zap.String("batch_source", source),
		zap.Int("total_urls", job.Total))

	s.writeJSON(ctx, fasthttp.StatusAccepted, jobStartedResponse{
		Status:    "started",
		JobID:     job.ID,
		TotalURLs: job.Total,
	})
}

type jobStatusResponse struct {
	JobID       string     `json:"job_id"`
	Status      string     `json:"status"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	Progress    string     `json:"progress"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
}

func (s *Server) handleBatchStatus(ctx *fasthttp.RequestCtx, jobID string, logger *zap.Logger) {
	if jobID == "" {
		s.writeError(ctx, fasthttp.StatusBadRequest, "Missing job id")
		return
	}

	job, err := s.jobs.Status(context.Background(), jobID)
	if err != nil {
		if errors.Is(err, batch.ErrJobNotFound) {
			s.writeError(ctx, fasthttp.StatusNotFound, "Job not found")
			return
		}
		logger.Error("Job status lookup failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(ctx, fasthttp.StatusInternalServerError, "Failed to load job status")
		return
	}

	s.writeJSON(ctx, fasthttp.StatusOK, jobStatusResponse{
		JobID:       job.ID,
		Status:      string(job.Status),
		Total:       job.Total,
		Completed:   job.Completed,
		Failed:      job.Failed,
		Progress:    job.Progress(),
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
	})
}

func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString("OK")
}

func (s *Server) handleReady(ctx *fasthttp.RequestCtx) {
	if err := s.redis.HealthCheck(context.Background()); err != nil {
		s.writeError(ctx, fasthttp.StatusServiceUnavailable, "Redis not available")
		return
	}

	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(fasthttp.StatusOK)
	ctx.Response.SetBodyString("OK")
}

func (s *Server) redirectToTarget(ctx *fasthttp.RequestCtx, rawURL string) {
	target := rawURL
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = "https://" + target
	}
	ctx.Redirect(target, fasthttp.StatusFound)
}

func (s *Server) writeError(ctx *fasthttp.RequestCtx, statusCode int, message string) {
	ctx.Response.Header.Set("Content-Type", "text/plain")
	ctx.Response.SetStatusCode(statusCode)
	ctx.Response.SetBodyString(message)
}

func (s *Server) writeJSON(ctx *fasthttp.RequestCtx, statusCode int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		s.writeError(ctx, fasthttp.StatusInternalServerError, "Failed to serialize response")
		return
	}
	ctx.Response.Header.Set("Content-Type", "application/json")
	ctx.Response.SetStatusCode(statusCode)
	ctx.Response.SetBody(data)
}
