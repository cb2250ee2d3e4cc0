package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/pmkol/analysis-gateway/pkg/upstream"
)

const (
	featuresPath = "/extract-phishing-features"
	classifyPath = "/classify-ensemble"
)

// ensemble runs feature extraction on the fast processor, then
// classification on the ML ensemble. One deadline covers both stages and
// any failure discards everything. Results are never cached.
func (g *Gateway) ensemble(ctx context.Context, body []byte) (*Result, error) {
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, fmt.Errorf("%w: body is not a json object", ErrMalformedRequest)
	}
	text := gjson.GetBytes(body, "text").String()

	ctx, cancel := context.WithTimeout(ctx, g.opts.Timeouts.Ensemble)
	defer cancel()

	fb, err := g.opts.FastProcessor.Call(ctx, featuresPath, map[string]string{"text": text}, g.opts.Timeouts.Ensemble)
	if err != nil {
		return nil, g.unavailable(ctx, msgEnsembleUnavailable, err)
	}
	features := gjson.GetBytes(fb, "features")
	if !features.Exists() || features.Type == gjson.Null {
		return nil, g.unavailable(ctx, msgEnsembleUnavailable, &upstream.Error{
			Backend: g.opts.FastProcessor.Name(),
			Op:      featuresPath,
			Err:     fmt.Errorf("%w: missing features", upstream.ErrBadResponse),
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, g.unavailable(ctx, msgEnsembleUnavailable, fmt.Errorf("%w: pipeline deadline exceeded after stage 1", upstream.ErrTimeout))
	}

	req, err := sjson.SetRawBytes([]byte(`{}`), "features", []byte(features.Raw))
	if err == nil {
		req, err = sjson.SetBytes(req, "text", text)
	}
	if err != nil {
		return nil, g.unavailable(ctx, msgEnsembleUnavailable, err)
	}

	b, err := g.opts.MLEnsemble.Call(ctx, classifyPath, json.RawMessage(req), g.opts.Timeouts.Ensemble)
	if err != nil {
		return nil, g.unavailable(ctx, msgEnsembleUnavailable, err)
	}
	return &Result{Body: b, Cache: CacheBypass}, nil
}
