// Package orchestrator coordinates a render request end to end: target
// validation, cache lookup, render-lock dedup, the render itself, and cache
// writes. It is transport-agnostic; the HTTP server and the batch manager
// both drive it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagesnap/engine/internal/cache"
	"github.com/pagesnap/engine/internal/gate"
	"github.com/pagesnap/engine/internal/hash"
	"github.com/pagesnap/engine/internal/metrics"
	"github.com/pagesnap/engine/internal/renderer"
	"github.com/pagesnap/engine/internal/urlutil"
	"github.com/pagesnap/engine/pkg/types"
)

// Request source labels for logging and metrics.
const (
	SourceInteractive = "interactive"
	SourceBatch       = "batch"
)

// ResponseSource indicates where the response content came from.
type ResponseSource string

const (
	ServedFromCache      ResponseSource = "cache"
	ServedFromRender     ResponseSource = "render"
	ServedFromConcurrent ResponseSource = "concurrent_render"
	ServedFromFallback   ResponseSource = "fallback_render"
)

var (
	// ErrInvalidTarget means the URL could not be normalized at all.
	ErrInvalidTarget = errors.New("invalid render target")

	// ErrRejectedTarget means the URL was valid but refused by the SSRF
	// guard. Callers redirect the client to the original URL.
	ErrRejectedTarget = errors.New("render target rejected")
)

// Response is the outcome of processing one render request.
type Response struct {
	Outcome  types.RenderOutcome
	HTML     []byte         // nil when Redirect is set
	Redirect bool           // send the client back to the original URL
	Source   ResponseSource // where the content came from
	URL      string         // normalized target URL
	Duration time.Duration
}

// Orchestrator wires the render path together. All dependencies are
// request-scoped safe; one Orchestrator serves the whole process.
type Orchestrator struct {
	normalizer *hash.URLNormalizer
	guard      *urlutil.Guard
	cacheMgr   *cache.Manager
	lock       *cache.RenderLock
	gate       *gate.Gate
	pipeline   *renderer.Pipeline
	collector  *metrics.Collector
	logger     *zap.Logger
}

func New(
	normalizer *hash.URLNormalizer,
	guard *urlutil.Guard,
	cacheMgr *cache.Manager,
	lock *cache.RenderLock,
	g *gate.Gate,
	pipeline *renderer.Pipeline,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		normalizer: normalizer,
		guard:      guard,
		cacheMgr:   cacheMgr,
		lock:       lock,
		gate:       g,
		pipeline:   pipeline,
		collector:  collector,
		logger:     logger,
	}
}

// Process handles one render request. The source label distinguishes
// interactive requests from batch workers in logs and metrics.
//
// The order is fixed: validation before any cache or network activity,
// cache before locking, lock before rendering.
func (o *Orchestrator) Process(ctx context.Context, rawURL, requestID, source string) (*Response, error) {
	start := time.Now()
	log := o.logger.With(
		zap.String("request_id", requestID),
		zap.String("source", source))

	normalized, err := o.normalizer.Normalize(rawURL)
	if err != nil {
		log.Info("Rejecting malformed URL", zap.String("url", rawURL), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	log = log.With(zap.String("url", normalized))

	// Target validation runs before the cache is ever consulted, so a
	// hostile URL cannot probe cache state either.
	if _, err := o.guard.ValidateTarget(ctx, normalized); err != nil {
		log.Warn("Target refused by SSRF guard", zap.Error(err))
		o.collector.RecordRejectedTarget(source)
		return nil, fmt.Errorf("%w: %v", ErrRejectedTarget, err)
	}

	fingerprint := o.normalizer.Fingerprint(normalized)
	log = log.With(zap.String("fingerprint", fingerprint))

	// 1. Cache first: hits skip locking entirely
	if entry, found, err := o.cacheMgr.Lookup(ctx, fingerprint); err == nil && found {
		o.recordHit(entry)
		resp := o.respond(entry, ServedFromCache, normalized, start)
		o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
		log.Debug("Served from cache", zap.String("outcome", string(entry.Outcome)))
		return resp, nil
	} else if err != nil {
		return nil, err
	}
	o.collector.RecordCacheMiss()

	// 2. Lock: first caller renders, the rest wait for its result. A lock
	// store outage degrades to rendering without dedup rather than failing
	// the request.
	token, acquired, err := o.lock.Acquire(fingerprint)
	if err != nil {
		log.Warn("Render lock unavailable, rendering without dedup", zap.Error(err))
		entry, renderErr := o.renderAndStore(ctx, normalized, fingerprint, requestID, log)
		if renderErr != nil {
			return nil, renderErr
		}
		resp := o.respond(entry, ServedFromRender, normalized, start)
		o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
		return resp, nil
	}

	if !acquired {
		waitStart := time.Now()
		entry, waitErr := o.lock.Await(ctx, fingerprint, o.cacheMgr)
		if waitErr == nil {
			o.collector.RecordWait("success", time.Since(waitStart))
			resp := o.respond(entry, ServedFromConcurrent, normalized, start)
			o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
			log.Info("Served result of concurrent render",
				zap.String("outcome", string(entry.Outcome)),
				zap.Duration("wait_time", time.Since(waitStart)))
			return resp, nil
		}
		if !errors.Is(waitErr, cache.ErrAwaitTimeout) {
			return nil, waitErr
		}

		// Availability fallback: the lock holder is slow or gone. Render
		// without lock ownership rather than fail the request; at worst one
		// duplicate render happens.
		o.collector.RecordWait("timeout", time.Since(waitStart))
		log.Warn("Wait for concurrent render timed out, rendering without lock")
		entry, err := o.renderAndStore(ctx, normalized, fingerprint, requestID, log)
		if err != nil {
			return nil, err
		}
		resp := o.respond(entry, ServedFromFallback, normalized, start)
		o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
		return resp, nil
	}

	// 3. We hold the lock. Double-check the cache: another instance may have
	// finished between our lookup and the acquire.
	if entry, found, err := o.cacheMgr.Lookup(ctx, fingerprint); err == nil && found {
		o.lock.Release(fingerprint, token)
		o.recordHit(entry)
		resp := o.respond(entry, ServedFromCache, normalized, start)
		o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
		log.Debug("Cache appeared while acquiring lock, served without rendering")
		return resp, nil
	}

	// 4. Render. The lock is held until the cache write completes so
	// followers polling the cache cannot miss the result.
	entry, err := o.renderAndStore(ctx, normalized, fingerprint, requestID, log)
	o.lock.Release(fingerprint, token)
	if err != nil {
		return nil, err
	}

	resp := o.respond(entry, ServedFromRender, normalized, start)
	o.collector.RecordRequest(source, string(entry.Outcome), resp.Duration)
	log.Info("Render complete",
		zap.String("outcome", string(entry.Outcome)),
		zap.Duration("duration", resp.Duration))
	return resp, nil
}

// renderAndStore runs the pipeline under a concurrency permit and persists
// the result. Every reached outcome is cached, including failures.
func (o *Orchestrator) renderAndStore(
	ctx context.Context,
	normalized, fingerprint, requestID string,
	log *zap.Logger,
) (*cache.Entry, error) {
	if err := o.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	o.collector.RenderStarted()
	defer func() {
		o.gate.Release()
		o.collector.RenderFinished()
	}()

	result, err := o.pipeline.Render(ctx, normalized, requestID)
	if err != nil {
		return nil, err
	}
	o.collector.RecordRender(string(result.Outcome), result.RenderTime)

	entry := &cache.Entry{
		Fingerprint: fingerprint,
		URL:         normalized,
		Outcome:     result.Outcome,
		HTML:        result.HTML,
		Reason:      result.Reason,
		RequestID:   requestID,
		RenderedAt:  time.Now().UTC(),
		RenderMS:    result.RenderTime.Milliseconds(),
		Source:      cache.SourceRender,
	}

	// Cache write failures degrade to serving uncached: the client still
	// gets this render's result.
	if result.Outcome == types.OutcomeSuccess {
		if err := o.cacheMgr.StoreSuccess(ctx, entry); err != nil {
			log.Error("Failed to cache successful render", zap.Error(err))
		}
	} else {
		if err := o.cacheMgr.StoreFailure(ctx, entry); err != nil {
			log.Error("Failed to cache render failure", zap.Error(err))
		}
	}

	return entry, nil
}

func (o *Orchestrator) respond(entry *cache.Entry, source ResponseSource, normalized string, start time.Time) *Response {
	resp := &Response{
		Outcome:  entry.Outcome,
		Source:   source,
		URL:      normalized,
		Duration: time.Since(start),
	}
	if entry.Servable() {
		resp.HTML = entry.HTML
	} else {
		// FAILED (or a degenerate entry without HTML): send the client to
		// the original page instead of an error
		resp.Redirect = true
	}
	return resp
}

func (o *Orchestrator) recordHit(entry *cache.Entry) {
	if entry.Source == cache.SourceDurable {
		o.collector.RecordCacheHit("durable")
	} else {
		o.collector.RecordCacheHit("fast")
	}
}
