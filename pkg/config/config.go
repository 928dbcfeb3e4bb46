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

// Package config defines the structured configuration consumed by the
// gateway: environments (tenants), endpoint definitions, egress host
// rules, cache provider selection and SQL pool tuning.
//
// Configuration is loaded once from YAML, validated, and exposed as an
// immutable snapshot. A request captures the snapshot at admission and
// never observes a mixed view, even while a reload is in flight.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EndpointKind selects the backend a configured endpoint dispatches to.
type EndpointKind string

const (
	KindSQL       EndpointKind = "sql"
	KindProxy     EndpointKind = "proxy"
	KindComposite EndpointKind = "composite"
)

// EnvironmentConfig describes a logical tenant. Immutable after load.
type EnvironmentConfig struct {
	Name             string            `yaml:"name" validate:"required"`
	ConnectionString string            `yaml:"connectionString"`
	ServerName       string            `yaml:"serverName"`
	Headers          map[string]string `yaml:"headers"`
}

// SubCall is one fan-out leg of a composite endpoint.
type SubCall struct {
	Name     string `yaml:"name" validate:"required"`
	Endpoint string `yaml:"endpoint" validate:"required"`
	Required bool   `yaml:"required"`
}

// EndpointConfig describes a named resource served under
// /api/{environment}/{endpoint}.
type EndpointConfig struct {
	Name    string       `yaml:"name" validate:"required"`
	Kind    EndpointKind `yaml:"kind" validate:"required,oneof=sql proxy composite"`
	Target  string       `yaml:"target"`
	Methods []string     `yaml:"allowedMethods"`

	// AllowedColumns entries have the form "dbColumn[;alias]".
	AllowedColumns []string `yaml:"allowedColumns"`
	PrimaryKey     string   `yaml:"primaryKey"`
	PageSize       int      `yaml:"pageSize" validate:"gte=0"`

	// AllowedEnvironments restricts the endpoint to a subset of tenants.
	// Empty means every configured environment.
	AllowedEnvironments []string `yaml:"allowedEnvironments"`

	// IsPrivate hides the endpoint from the public API surface; it can
	// still be referenced as a composite sub-call.
	IsPrivate bool `yaml:"isPrivate"`

	// CacheTTL enables short-lived response caching for GET requests.
	CacheTTL time.Duration `yaml:"cacheTTL"`

	// StrictColumns rejects filter/orderby references to columns outside
	// the configured column map instead of passing them through.
	StrictColumns bool `yaml:"strictColumns"`

	SubCalls []SubCall `yaml:"subCalls" validate:"dive"`
}

// AllowsMethod reports whether the HTTP method is permitted. An empty
// list permits GET only.
func (e *EndpointConfig) AllowsMethod(method string) bool {
	if len(e.Methods) == 0 {
		return method == "GET"
	}
	for _, m := range e.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// AllowsEnvironment reports whether the endpoint is exposed to env.
func (e *EndpointConfig) AllowsEnvironment(env string) bool {
	if len(e.AllowedEnvironments) == 0 {
		return true
	}
	for _, a := range e.AllowedEnvironments {
		if strings.EqualFold(a, env) {
			return true
		}
	}
	return false
}

// HostConfig feeds the egress URL allow-list.
type HostConfig struct {
	AllowedHosts    []string `yaml:"allowedHosts"`
	BlockedIPRanges []string `yaml:"blockedIpRanges"`
}

// CacheProviderType selects the cache backend.
type CacheProviderType string

const (
	CacheInMemory CacheProviderType = "inmemory"
	CacheRemote   CacheProviderType = "remote"
)

// RemoteCacheConfig configures the Redis-backed provider.
type RemoteCacheConfig struct {
	ConnectionString string `yaml:"connectionString"`
	InstanceName     string `yaml:"instanceName"`
	UseSSL           bool   `yaml:"useSsl"`
}

// CacheConfig selects and configures the cache provider.
type CacheConfig struct {
	ProviderType CacheProviderType  `yaml:"providerType" validate:"omitempty,oneof=inmemory remote"`
	Remote       *RemoteCacheConfig `yaml:"remote"`
}

// PoolConfig tunes the per-environment SQL connection pools.
type PoolConfig struct {
	// Driver is the database/sql driver name the gateway opens
	// environment databases with. The default, sqlserver, matches the
	// T-SQL the query translator emits.
	Driver            string        `yaml:"driver" validate:"omitempty,oneof=sqlserver pgx"`
	MinPoolSize       int           `yaml:"minPoolSize" validate:"gte=0"`
	MaxPoolSize       int           `yaml:"maxPoolSize" validate:"gte=0"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	CommandTimeout    time.Duration `yaml:"commandTimeout"`
	Enabled           bool          `yaml:"enabled"`
	ApplicationName   string        `yaml:"applicationName"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
}

// AuthConfig locates the persisted token store.
type AuthConfig struct {
	TokenStorePath string `yaml:"tokenStorePath"`
}

// Config is the root configuration document.
type Config struct {
	Server       ServerConfig        `yaml:"server"`
	Environments []EnvironmentConfig `yaml:"environments" validate:"required,min=1,dive"`
	Endpoints    []EndpointConfig    `yaml:"endpoints" validate:"dive"`
	Hosts        HostConfig          `yaml:"hosts"`
	Cache        CacheConfig         `yaml:"cache"`
	Pool         PoolConfig          `yaml:"pool"`
	Auth         AuthConfig          `yaml:"auth"`
}

// Environment returns the environment with the given name, or nil.
func (c *Config) Environment(name string) *EnvironmentConfig {
	for i := range c.Environments {
		if strings.EqualFold(c.Environments[i].Name, name) {
			return &c.Environments[i]
		}
	}
	return nil
}

// Endpoint returns the definition for (environment, endpoint-name), or
// nil when the endpoint is unknown or not exposed to the environment.
// Endpoint names match case-insensitively.
func (c *Config) Endpoint(env, name string) *EndpointConfig {
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if strings.EqualFold(ep.Name, name) && ep.AllowsEnvironment(env) {
			return ep
		}
	}
	return nil
}

var validate = validator.New()

// Validate checks struct constraints plus cross-field invariants the
// tag language cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		switch ep.Kind {
		case KindSQL, KindProxy:
			if ep.Target == "" {
				return fmt.Errorf("endpoint %q: target is required for kind %q", ep.Name, ep.Kind)
			}
		case KindComposite:
			if len(ep.SubCalls) == 0 {
				return fmt.Errorf("endpoint %q: composite endpoints need at least one subCall", ep.Name)
			}
		}
		// A configured primary key must be a real column of the endpoint.
		if ep.PrimaryKey != "" && len(ep.AllowedColumns) > 0 {
			found := false
			for _, col := range ep.AllowedColumns {
				db := strings.TrimSpace(strings.SplitN(col, ";", 2)[0])
				if strings.EqualFold(db, ep.PrimaryKey) {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("endpoint %q: primaryKey %q is not in allowedColumns", ep.Name, ep.PrimaryKey)
			}
		}
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.Cache.ProviderType == "" {
		c.Cache.ProviderType = CacheInMemory
	}
	if c.Pool.Driver == "" {
		c.Pool.Driver = "sqlserver"
	}
	if c.Pool.MinPoolSize == 0 {
		c.Pool.MinPoolSize = 2
	}
	if c.Pool.MaxPoolSize == 0 {
		c.Pool.MaxPoolSize = 50
	}
	if c.Pool.ConnectionTimeout == 0 {
		c.Pool.ConnectionTimeout = 15 * time.Second
	}
	if c.Pool.CommandTimeout == 0 {
		c.Pool.CommandTimeout = 30 * time.Second
	}
	if c.Pool.ApplicationName == "" {
		c.Pool.ApplicationName = "datagate"
	}
	if c.Auth.TokenStorePath == "" {
		c.Auth.TokenStorePath = "datagate-tokens.db"
	}
}

// Load reads, defaults and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes a YAML document into a validated Config.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
