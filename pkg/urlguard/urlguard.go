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

// Package urlguard decides whether the gateway may egress to a URL.
//
// A destination passes when its host matches one of the configured host
// patterns AND none of its resolved IPv4 addresses fall inside a
// blocked CIDR range. The CIDR check always wins: a host that resolves
// into a blocked range is rejected even when the pattern matches.
//
// Host-match results and DNS lookups are memoised for the process
// lifetime; entries never expire.
package urlguard

import (
	"context"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultBlockedCIDRs are the private and link-local IPv4 ranges the
// guard blocks when the configuration supplies none.
var DefaultBlockedCIDRs = []string{
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"169.254.0.0/16",
}

// domainEnvVar optionally adds a deployment domain to the bootstrap
// allow-list when no hosts are configured.
const domainEnvVar = "DATAGATE_DOMAIN"

const lookupTimeout = 5 * time.Second

// LookupFunc resolves a host to its IP addresses. Injectable for tests.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

// cidr is one blocked IPv4 range: base address plus a mask of n leading
// one bits over four bytes. An address ip is inside the range when
// (ip & mask) == (base & mask).
type cidr struct {
	base [4]byte
	mask [4]byte
}

func (c cidr) contains(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	for i := 0; i < 4; i++ {
		if v4[i]&c.mask[i] != c.base[i]&c.mask[i] {
			return false
		}
	}
	return true
}

// parseCIDR parses "a.b.c.d/n" into a cidr. Malformed entries are
// reported so a typo in the block-list cannot silently open a range.
func parseCIDR(s string) (cidr, bool) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return cidr{}, false
	}
	ip := net.ParseIP(parts[0])
	if ip == nil || ip.To4() == nil {
		return cidr{}, false
	}
	bits := 0
	for _, r := range parts[1] {
		if r < '0' || r > '9' {
			return cidr{}, false
		}
		bits = bits*10 + int(r-'0')
	}
	if bits < 0 || bits > 32 {
		return cidr{}, false
	}
	var c cidr
	copy(c.base[:], ip.To4())
	for i := 0; i < bits; i++ {
		c.mask[i/8] |= 1 << (7 - uint(i%8))
	}
	return c, true
}

// Guard is the process-wide egress allow-list. Construct once before
// serving; only the memoisation caches mutate afterwards.
type Guard struct {
	patterns []*regexp.Regexp
	blocked  []cidr
	lookup   LookupFunc
	logger   *zap.Logger

	hostResults sync.Map // host(lower) -> bool
	dnsCache    sync.Map // host(lower) -> []net.IP
}

// Option customises a Guard.
type Option func(*Guard)

// WithLookup replaces the DNS resolver.
func WithLookup(fn LookupFunc) Option {
	return func(g *Guard) { g.lookup = fn }
}

// New builds a Guard from the configured host patterns and blocked
// ranges, falling back to the bootstrap defaults described in the
// package comment.
func New(allowedHosts, blockedRanges []string, logger *zap.Logger, opts ...Option) *Guard {
	g := &Guard{
		logger: logger,
		lookup: func(ctx context.Context, host string) ([]net.IP, error) {
			ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
			defer cancel()
			addrs, err := net.DefaultResolver.LookupIP(ctx, "ip4", host)
			return addrs, err
		},
	}
	for _, o := range opts {
		o(g)
	}

	hosts := allowedHosts
	if len(hosts) == 0 {
		hosts = bootstrapHosts(logger)
	}
	for _, h := range hosts {
		re, err := compilePattern(h)
		if err != nil {
			logger.Warn("skipping malformed host pattern",
				zap.String("pattern", h),
				zap.Error(err))
			continue
		}
		g.patterns = append(g.patterns, re)
	}

	ranges := blockedRanges
	if len(ranges) == 0 {
		ranges = DefaultBlockedCIDRs
	}
	for _, r := range ranges {
		c, ok := parseCIDR(r)
		if !ok {
			logger.Warn("skipping malformed blocked range", zap.String("range", r))
			continue
		}
		g.blocked = append(g.blocked, c)
	}
	return g
}

// compilePattern converts a host pattern into an anchored regexp.
// '*' matches within one label (no dots); everything else is literal.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	quoted := make([]string, len(parts))
	for i, p := range parts {
		quoted[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("(?i)^" + strings.Join(quoted, "[^.]*") + "$")
}

// bootstrapHosts enumerates a default allow-list when none is
// configured: loopback, the addresses of operational interfaces, their
// reverse-DNS names, and the deployment domain from the environment.
func bootstrapHosts(logger *zap.Logger) []string {
	hosts := []string{"localhost", "127.0.0.1"}
	if domain := os.Getenv(domainEnvVar); domain != "" {
		hosts = append(hosts, domain)
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		logger.Warn("interface enumeration failed during allow-list bootstrap", zap.Error(err))
		return hosts
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			ip := ipnet.IP.To4().String()
			hosts = append(hosts, ip)
			names, err := net.LookupAddr(ip)
			if err != nil {
				continue // reverse DNS is best effort
			}
			for _, n := range names {
				hosts = append(hosts, strings.TrimSuffix(n, "."))
			}
		}
	}
	return hosts
}

// IsURLSafe reports whether the gateway may egress to rawURL.
func (g *Guard) IsURLSafe(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := u.Hostname()
	if !g.IsHostAllowed(host) {
		return false
	}
	return g.allResolvedAllowed(ctx, host)
}

// IsHostAllowed reports whether host matches any allow-list pattern.
// Results are memoised per host.
func (g *Guard) IsHostAllowed(host string) bool {
	key := strings.ToLower(host)
	if v, ok := g.hostResults.Load(key); ok {
		return v.(bool)
	}
	allowed := false
	for _, re := range g.patterns {
		if re.MatchString(host) {
			allowed = true
			break
		}
	}
	g.hostResults.Store(key, allowed)
	return allowed
}

// allResolvedAllowed resolves host and requires every address to be
// outside the blocked ranges. A resolution failure yields an empty
// address list, which fails the predicate.
func (g *Guard) allResolvedAllowed(ctx context.Context, host string) bool {
	addrs := g.resolve(ctx, host)
	if len(addrs) == 0 {
		return false
	}
	for _, ip := range addrs {
		for _, c := range g.blocked {
			if c.contains(ip) {
				return false
			}
		}
	}
	return true
}

func (g *Guard) resolve(ctx context.Context, host string) []net.IP {
	// Literal addresses skip DNS entirely.
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}
	}
	key := strings.ToLower(host)
	if v, ok := g.dnsCache.Load(key); ok {
		return v.([]net.IP)
	}
	addrs, err := g.lookup(ctx, host)
	if err != nil {
		// Only successful resolutions are cached; a transient failure
		// must not block the host for the process lifetime.
		g.logger.Warn("DNS lookup failed, destination treated as unsafe",
			zap.String("host", host),
			zap.Error(err))
		return nil
	}
	g.dnsCache.Store(key, addrs)
	return addrs
}
