package renderer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/engine/pkg/types"
)

const (
	// Budget for salvaging partial HTML after readiness timed out.
	partialCaptureTimeout = 2 * time.Second

	// Maximum HTML size in bytes (20MB). Larger documents are discarded.
	maxHTMLSize = 20971520
)

// Result is the outcome of one render pipeline run.
type Result struct {
	Outcome    types.RenderOutcome
	HTML       []byte
	Reason     string // failure detail, empty on SUCCESS
	RenderTime time.Duration
}

// Pipeline runs the two-stage render: page load under the load timeout, then
// readiness wait under the readiness timeout. The stage that fails decides
// the outcome:
//
//	load fails      -> FAILED, nothing captured
//	readiness fails -> PARTIAL if the loaded DOM could be captured, else FAILED
//	both succeed    -> SUCCESS
type Pipeline struct {
	renderer         Renderer
	loadTimeout      time.Duration
	readinessTimeout time.Duration
	logger           *zap.Logger
}

func NewPipeline(
	renderer Renderer,
	loadTimeout, readinessTimeout time.Duration,
	logger *zap.Logger,
) *Pipeline {
	return &Pipeline{
		renderer:         renderer,
		loadTimeout:      loadTimeout,
		readinessTimeout: readinessTimeout,
		logger:           logger,
	}
}

// Render runs the pipeline for url. The returned Result always has a valid
// outcome; the error return is reserved for context cancellation from the
// caller, in which case no outcome was reached.
func (p *Pipeline) Render(ctx context.Context, url, requestID string) (*Result, error) {
	start := time.Now()
	log := p.logger.With(
		zap.String("request_id", requestID),
		zap.String("url", url))

	loadCtx, cancelLoad := context.WithTimeout(ctx, p.loadTimeout)
	page, err := p.renderer.Load(loadCtx, url)
	cancelLoad()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("Page load failed", zap.Error(err), zap.Duration("load_timeout", p.loadTimeout))
		return &Result{
			Outcome:    types.OutcomeFailed,
			Reason:     "page load failed: " + err.Error(),
			RenderTime: time.Since(start),
		}, nil
	}
	defer page.Close()

	readyCtx, cancelReady := context.WithTimeout(ctx, p.readinessTimeout)
	readyErr := page.WaitReady(readyCtx)
	cancelReady()

	if readyErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.capturePartial(page, log, readyErr, start), nil
	}

	html, err := page.HTML(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("HTML capture failed after readiness", zap.Error(err))
		return &Result{
			Outcome:    types.OutcomeFailed,
			Reason:     "capture failed: " + err.Error(),
			RenderTime: time.Since(start),
		}, nil
	}

	if reason, ok := validateHTML(html); !ok {
		log.Warn("Rendered document rejected", zap.String("reason", reason), zap.Int("bytes", len(html)))
		return &Result{
			Outcome:    types.OutcomeFailed,
			Reason:     reason,
			RenderTime: time.Since(start),
		}, nil
	}

	log.Debug("Render succeeded",
		zap.Int("bytes", len(html)),
		zap.Duration("render_time", time.Since(start)))
	return &Result{
		Outcome:    types.OutcomeSuccess,
		HTML:       html,
		RenderTime: time.Since(start),
	}, nil
}

// capturePartial salvages whatever the page holds after the readiness wait
// expired. The capture gets its own small budget, detached from the caller's
// (already consumed) readiness window.
func (p *Pipeline) capturePartial(page Page, log *zap.Logger, readyErr error, start time.Time) *Result {
	captureCtx, cancel := context.WithTimeout(context.Background(), partialCaptureTimeout)
	defer cancel()

	html, err := page.HTML(captureCtx)
	if err != nil {
		log.Warn("Readiness timed out and partial capture failed",
			zap.NamedError("readiness_error", readyErr),
			zap.Error(err))
		return &Result{
			Outcome:    types.OutcomeFailed,
			Reason:     "readiness timeout, no content captured: " + readyErr.Error(),
			RenderTime: time.Since(start),
		}
	}

	if reason, ok := validateHTML(html); !ok {
		return &Result{
			Outcome:    types.OutcomeFailed,
			Reason:     "readiness timeout, " + reason,
			RenderTime: time.Since(start),
		}
	}

	log.Info("Readiness timed out, serving partial content",
		zap.Int("bytes", len(html)),
		zap.Duration("render_time", time.Since(start)))
	return &Result{
		Outcome:    types.OutcomePartial,
		HTML:       html,
		Reason:     "readiness marker not found: " + readyErr.Error(),
		RenderTime: time.Since(start),
	}
}

func validateHTML(html []byte) (reason string, ok bool) {
	if len(html) == 0 {
		return "empty document", false
	}
	if len(html) > maxHTMLSize {
		return "document exceeds size limit", false
	}
	return "", true
}
