package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

type passThroughRoute struct {
	// contact selects Timeouts.Contact instead of Timeouts.AIService.
	contact bool
}

// Paths are the same on the gateway and on the AI service.
var passThroughRoutes = map[string]passThroughRoute{
	"/api/analyze-restaurant": {},
	"/api/score-email":        {},
	"/api/prompt-engineering": {},
	"/api/contact":            {contact: true},
}

// PassThroughPaths returns the gateway paths forwarded to the AI service.
func PassThroughPaths() []string {
	paths := make([]string, 0, len(passThroughRoutes))
	for p := range passThroughRoutes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PassThrough forwards body to the AI service and returns its answer
// unchanged, whatever the status.
func (g *Gateway) PassThrough(ctx context.Context, path string, body []byte, contentType string) (*upstream.Response, error) {
	route, ok := passThroughRoutes[path]
	if !ok {
		return nil, fmt.Errorf("no pass-through route for %s", path)
	}

	ctx, span := tracer.Start(ctx, "gateway.pass_through")
	defer span.End()

	var timeout time.Duration
	if route.contact {
		timeout = g.opts.Timeouts.Contact
	} else {
		timeout = g.opts.Timeouts.AIService
	}
	res, err := g.opts.AIService.Forward(ctx, path, body, contentType, timeout)
	if err != nil {
		span.RecordError(err)
		return nil, g.unavailable(ctx, msgAIServiceUnavailable, err)
	}
	return res, nil
}
