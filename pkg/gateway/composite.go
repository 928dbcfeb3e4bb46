/*
Copyright 2026 The Datagate Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/environment"
	"github.com/datagate-io/datagate/pkg/odata"
)

// maxCompositeConcurrency bounds the fan-out of one composite call.
const maxCompositeConcurrency = 8

// handleComposite fans the request out to the endpoint's sub-calls and
// aggregates their results keyed by sub-call name. A failed required
// sub-call fails the whole request; optional failures surface as an
// error marker in their slot.
func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request, cfg *config.Config, ep *config.EndpointConfig, settings *environment.Settings, env string) *Error {
	if r.Method != http.MethodGet {
		return apiError(http.StatusMethodNotAllowed, "MethodNotAllowed", "composite endpoints are read-only")
	}

	results := make(map[string]any, len(ep.SubCalls))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(maxCompositeConcurrency)
	for _, sub := range ep.SubCalls {
		g.Go(func() error {
			value, err := s.runSubCall(ctx, cfg, settings, env, sub, r.URL)
			if err != nil {
				if sub.Required {
					return fmt.Errorf("sub-call %s: %w", sub.Name, err)
				}
				s.logger.Warn("optional sub-call failed",
					zap.String("endpoint", ep.Name),
					zap.String("subCall", sub.Name),
					zap.Error(err))
				mu.Lock()
				results[sub.Name] = map[string]any{"error": "unavailable"}
				mu.Unlock()
				return nil
			}
			mu.Lock()
			results[sub.Name] = value
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return asError(err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"value": results})
	return nil
}

// runSubCall resolves and executes one leg. Only sql sub-endpoints are
// supported: composites aggregate data, they do not chain proxies.
func (s *Server) runSubCall(ctx context.Context, cfg *config.Config, settings *environment.Settings, env string, sub config.SubCall, reqURL *url.URL) (any, error) {
	subEp := cfg.Endpoint(env, sub.Endpoint)
	if subEp == nil {
		return nil, apiErrorf(http.StatusNotFound, "EndpointUnknown", "endpoint not found", "sub-call endpoint %q", sub.Endpoint)
	}
	if subEp.Kind != config.KindSQL {
		return nil, apiErrorf(http.StatusBadRequest, "MalformedRequest", "unsupported sub-call kind",
			"sub-call %q has kind %q", sub.Endpoint, subEp.Kind)
	}
	if settings.ConnectionString == "" {
		return nil, environment.ErrEnvironmentNotConfigured
	}

	// Each leg sees the original OData options; a sub-endpoint's own
	// page bound still applies through its translator.
	q, err := odata.ParseQuery(reqURL.Query())
	if err != nil {
		return nil, err
	}
	stmt, err := s.translator(subEp).Translate(q)
	if err != nil {
		return nil, err
	}
	result, err := s.runQuery(ctx, subEp, settings, env, stmt, reqURL)
	if err != nil {
		return nil, err
	}
	// Re-shape through JSON so sub-results embed exactly like a direct
	// response body.
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
