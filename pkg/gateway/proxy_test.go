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
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/datagate-io/datagate/pkg/config"
)

func proxyEndpoint(target string) config.EndpointConfig {
	return config.EndpointConfig{
		Name:    "External",
		Kind:    config.KindProxy,
		Target:  target,
		Methods: []string{"GET", "POST"},
	}
}

func TestProxyForwardsAndStripsCredentials(t *testing.T) {
	var seen struct {
		path          string
		query         string
		authorization string
		tenant        string
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen.path = r.URL.Path
		seen.query = r.URL.RawQuery
		seen.authorization = r.Header.Get("Authorization")
		seen.tenant = r.Header.Get("X-Tenant")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"widgets":[]}`))
	}))
	defer upstream.Close()
	host := mustHost(t, upstream.URL)

	te := newTestEnv(t, func(cfg *config.Config) {
		cfg.Endpoints = append(cfg.Endpoints, proxyEndpoint("http://{server}/widgets/{id}"))
		cfg.Environments[0].ServerName = host
		cfg.Environments[0].Headers = map[string]string{"X-Tenant": "600"}
	})

	rec := te.do(t, "GET", "/api/600/External/42?active=true", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != `{"widgets":[]}` {
		t.Errorf("body = %q", rec.Body.String())
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("upstream response headers not copied")
	}

	if seen.path != "/widgets/42" {
		t.Errorf("upstream path = %q, want /widgets/42", seen.path)
	}
	if seen.query != "active=true" {
		t.Errorf("upstream query = %q", seen.query)
	}
	if seen.authorization != "" {
		t.Error("gateway bearer token leaked to the upstream")
	}
	if seen.tenant != "600" {
		t.Errorf("environment header = %q, want 600", seen.tenant)
	}
}

func TestProxyBlockedDestination(t *testing.T) {
	te := newTestEnv(t, func(cfg *config.Config) {
		cfg.Endpoints = append(cfg.Endpoints, proxyEndpoint("http://10.0.0.5/data"))
		cfg.Environments[0].ServerName = "10.0.0.5"
	})

	rec := te.do(t, "GET", "/api/600/External", "", true)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["code"] != "DestinationBlocked" {
		t.Errorf("code = %v, want DestinationBlocked", body["code"])
	}
}

func TestProxyUnexpandableTarget(t *testing.T) {
	te := newTestEnv(t, func(cfg *config.Config) {
		// No serverName configured, so {server} expands to nothing and
		// the target has no host.
		cfg.Endpoints = append(cfg.Endpoints, proxyEndpoint("http://{server}/widgets"))
	})

	rec := te.do(t, "GET", "/api/600/External", "", true)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500 (body %s)", rec.Code, rec.Body.String())
	}
	if body := decodeBody(t, rec); body["code"] != "InternalError" {
		t.Errorf("code = %v, want opaque InternalError", body["code"])
	}
}

func mustHost(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse upstream URL: %v", err)
	}
	return u.Host
}
