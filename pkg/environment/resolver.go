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

// Package environment resolves a tenant name to its connection data.
package environment

import (
	"errors"
	"fmt"

	"github.com/datagate-io/datagate/pkg/config"
)

// ErrEnvironmentNotAllowed marks an environment absent from the
// configuration index.
var ErrEnvironmentNotAllowed = errors.New("environment not allowed")

// ErrEnvironmentNotConfigured marks an environment that is listed but
// carries no connection data.
var ErrEnvironmentNotConfigured = errors.New("environment not configured")

// Settings is the resolved connection data for one environment.
// Headers are injected verbatim into reverse-proxied calls.
type Settings struct {
	ConnectionString string
	ServerName       string
	Headers          map[string]string
}

// Resolver looks environments up in a configuration snapshot.
type Resolver struct {
	cfg *config.Config
}

// NewResolver wraps the given snapshot. Build one per request so the
// request sees a single consistent configuration view.
func NewResolver(cfg *config.Config) *Resolver {
	return &Resolver{cfg: cfg}
}

// Load resolves env. It returns ErrEnvironmentNotAllowed when env is
// not in the index and ErrEnvironmentNotConfigured when the entry has
// no connection string or server name.
func (r *Resolver) Load(env string) (*Settings, error) {
	ec := r.cfg.Environment(env)
	if ec == nil {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotAllowed, env)
	}
	if ec.ConnectionString == "" && ec.ServerName == "" {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotConfigured, env)
	}
	return &Settings{
		ConnectionString: ec.ConnectionString,
		ServerName:       ec.ServerName,
		Headers:          ec.Headers,
	}, nil
}
