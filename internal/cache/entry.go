// Package cache implements the two-tier snapshot cache: a Redis fast tier
// holding full entries with per-outcome TTLs, and an S3 durable tier holding
// raw HTML for successful renders only.
package cache

import (
	"time"

	"github.com/pagesnap/engine/pkg/types"
)

// Entry is a cached render result as stored in the fast tier.
// SUCCESS and PARTIAL entries carry HTML; FAILED entries are negative
// markers with no body.
type Entry struct {
	Fingerprint string              `json:"fingerprint"`
	URL         string              `json:"url"` // normalized target URL
	Outcome     types.RenderOutcome `json:"outcome"`
	HTML        []byte              `json:"html,omitempty"`
	Reason      string              `json:"reason,omitempty"` // failure detail, empty on success
	RequestID   string              `json:"request_id,omitempty"`
	RenderedAt  time.Time           `json:"rendered_at"`
	RenderMS    int64               `json:"render_ms"` // wall time of the render pipeline
	Source      string              `json:"source"`    // "render" or "durable"
}

// Entry source constants
const (
	SourceRender  = "render"  // produced by a render in this process
	SourceDurable = "durable" // repopulated from the durable tier
)

// Servable reports whether the entry carries HTML a client can receive.
func (e *Entry) Servable() bool {
	return (e.Outcome == types.OutcomeSuccess || e.Outcome == types.OutcomePartial) && len(e.HTML) > 0
}
