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
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/datagate-io/datagate/pkg/config"
	"github.com/datagate-io/datagate/pkg/environment"
)

// hopHeaders are connection-scoped and never forwarded, per RFC 7230.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// handleProxy forwards the request to the endpoint's upstream target.
// The target template expands {server}, {environment}, {endpoint} and
// {id}; the expanded URL must pass the egress allow-list before any
// bytes leave the gateway.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, settings *environment.Settings, env, id string) *Error {
	target := expandTemplate(ep.Target, settings.ServerName, env, ep.Name, id)

	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		s.logger.Warn("proxy target did not expand to a valid URL",
			zap.String("endpoint", ep.Name),
			zap.String("target", target))
		return apiError(http.StatusInternalServerError, "InternalError", "internal error")
	}
	if r.URL.RawQuery != "" {
		u.RawQuery = r.URL.RawQuery
	}

	if !s.urlGuard.IsURLSafe(r.Context(), u.String()) {
		s.metrics.UpstreamErrors.WithLabelValues("proxy").Inc()
		return apiError(http.StatusBadGateway, "DestinationBlocked", "upstream destination is not allowed")
	}

	breaker := s.breaker(u.Hostname())
	resp, err := breaker.Execute(func() (any, error) {
		return s.forward(r, u, settings.Headers)
	})
	if err != nil {
		s.metrics.UpstreamErrors.WithLabelValues("proxy").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return apiError(http.StatusBadGateway, "UpstreamUnavailable", "upstream temporarily unavailable")
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return apiError(http.StatusGatewayTimeout, "UpstreamTimeout", "upstream timed out")
		}
		s.logger.Warn("proxy upstream call failed",
			zap.String("endpoint", ep.Name),
			zap.String("host", u.Hostname()),
			zap.Error(err))
		return apiError(http.StatusBadGateway, "UpstreamError", "upstream call failed")
	}

	upstream := resp.(*http.Response)
	defer upstream.Body.Close()

	copyHeaders(w.Header(), upstream.Header)
	w.WriteHeader(upstream.StatusCode)
	if _, err := io.Copy(w, upstream.Body); err != nil {
		// Headers are gone; all we can do is log the truncation.
		s.logger.Warn("proxy body copy interrupted", zap.Error(err))
	}
	return nil
}

func (s *Server) forward(r *http.Request, u *url.URL, envHeaders map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), r.Body)
	if err != nil {
		return nil, err
	}
	copyHeaders(req.Header, r.Header)
	for _, h := range hopHeaders {
		req.Header.Del(h)
	}
	// The gateway token never leaves the gateway.
	req.Header.Del("Authorization")
	for k, v := range envHeaders {
		req.Header.Set(k, v)
	}
	if r.ContentLength >= 0 {
		req.ContentLength = r.ContentLength
	}

	return s.client.Do(req)
}

// breaker returns the per-host circuit breaker, creating it on first
// use.
func (s *Server) breaker(host string) *gobreaker.CircuitBreaker {
	if v, ok := s.breakers.Load(host); ok {
		return v.(*gobreaker.CircuitBreaker)
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    host,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("upstream circuit state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	actual, _ := s.breakers.LoadOrStore(host, cb)
	return actual.(*gobreaker.CircuitBreaker)
}

// expandTemplate substitutes the routing placeholders of a proxy
// target. Values are path-escaped so an id cannot splice path segments.
func expandTemplate(template, server, env, endpoint, id string) string {
	r := strings.NewReplacer(
		"{server}", server,
		"{environment}", url.PathEscape(env),
		"{endpoint}", url.PathEscape(endpoint),
		"{id}", url.PathEscape(id),
	)
	return r.Replace(template)
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}
