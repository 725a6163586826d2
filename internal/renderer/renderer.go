// Package renderer drives a headless browser through the two-stage render
// sequence: load the page, then wait for the application's readiness marker.
package renderer

import "context"

// Page is a loaded browser page. Close must be called exactly once to
// release the underlying tab.
type Page interface {
	// WaitReady blocks until the readiness marker appears in the DOM or the
	// context is done.
	WaitReady(ctx context.Context) error

	// HTML captures the current serialized DOM. Usable both after readiness
	// and for salvaging partial content when readiness never arrived.
	HTML(ctx context.Context) ([]byte, error)

	Close()
}

// Renderer opens pages in a browser. Implementations must support concurrent
// Load calls; the caller bounds concurrency through the render gate.
type Renderer interface {
	// Load navigates a fresh page to url and returns once the navigation
	// has committed. The returned Page is live until closed.
	Load(ctx context.Context, url string) (Page, error)

	Close() error
}
