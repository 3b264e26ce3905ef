// Package harvest drives platform adapters through planned tasks and emits
// a deduplicated stream of raw items.
package harvest

import (
	"context"
	"time"

	"github.com/sells-group/wisdom-cli/internal/model"
)

// Page is what an adapter returns for a single task.
type Page struct {
	Items []model.RawItem
	// RateLimited reports the platform throttled the request. With no
	// items the task is retried; with items the page is treated as partial.
	RateLimited bool
	RetryAfter  time.Duration
	// Partial is set when pagination stopped early. Retrieved items are
	// still recorded.
	Partial bool
}

// Adapter fetches one task's worth of items from a platform. Fetch should
// classify failures with the resilience error types so the orchestrator can
// decide whether to retry.
type Adapter interface {
	Platform() string
	Fetch(ctx context.Context, task model.HarvestTask) (Page, error)
}

// RequestGater is implemented by adapters that take a rate-limit permit for
// every HTTP request they send, typically through resilience.Gate. The
// orchestrator then applies only retry around Fetch instead of spending a
// permit per task.
type RequestGater interface {
	GatesRequests() bool
}

func gatesRequests(a Adapter) bool {
	g, ok := a.(RequestGater)
	return ok && g.GatesRequests()
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc struct {
	Name string
	Fn   func(ctx context.Context, task model.HarvestTask) (Page, error)
}

func (a AdapterFunc) Platform() string { return a.Name }

func (a AdapterFunc) Fetch(ctx context.Context, task model.HarvestTask) (Page, error) {
	return a.Fn(ctx, task)
}
