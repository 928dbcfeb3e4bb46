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

package urlguard_test

import (
	"context"
	"errors"
	"net"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/datagate-io/datagate/pkg/urlguard"
)

func staticLookup(table map[string][]string) urlguard.LookupFunc {
	return func(ctx context.Context, host string) ([]net.IP, error) {
		addrs, ok := table[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		ips := make([]net.IP, 0, len(addrs))
		for _, a := range addrs {
			ips = append(ips, net.ParseIP(a))
		}
		return ips, nil
	}
}

var _ = Describe("host patterns", func() {
	newGuard := func(hosts ...string) *urlguard.Guard {
		return urlguard.New(hosts, nil, zap.NewNop())
	}

	It("matches a wildcard against exactly one label", func() {
		g := newGuard("*.example.com")
		Expect(g.IsHostAllowed("api.example.com")).To(BeTrue())
		Expect(g.IsHostAllowed("a.b.example.com")).To(BeFalse())
		Expect(g.IsHostAllowed("example.com")).To(BeFalse())
	})

	It("matches case-insensitively", func() {
		g := newGuard("*.Example.COM")
		Expect(g.IsHostAllowed("API.example.com")).To(BeTrue())
	})

	It("anchors patterns at both ends", func() {
		g := newGuard("example.com")
		Expect(g.IsHostAllowed("example.com")).To(BeTrue())
		Expect(g.IsHostAllowed("example.com.evil.net")).To(BeFalse())
		Expect(g.IsHostAllowed("notexample.com")).To(BeFalse())
	})

	It("treats regexp metacharacters in patterns literally", func() {
		g := newGuard("api.example.com")
		Expect(g.IsHostAllowed("apiXexample.com")).To(BeFalse())
	})

	It("supports a leading wildcard with an empty first part", func() {
		g := newGuard("*example*")
		Expect(g.IsHostAllowed("myexamplehost")).To(BeTrue())
		Expect(g.IsHostAllowed("my.example.host")).To(BeFalse())
	})

	It("memoises per-host results", func() {
		g := newGuard("api.example.com")
		Expect(g.IsHostAllowed("api.example.com")).To(BeTrue())
		Expect(g.IsHostAllowed("API.EXAMPLE.COM")).To(BeTrue())
	})
})

var _ = Describe("egress safety", func() {
	It("rejects blocked addresses even when the host pattern matches", func() {
		g := urlguard.New([]string{"10.0.0.5", "*"}, nil, zap.NewNop())
		Expect(g.IsURLSafe(context.Background(), "http://10.0.0.5/")).To(BeFalse())
	})

	It("blocks every default private range", func() {
		g := urlguard.New([]string{"*.*.*.*"}, nil, zap.NewNop())
		for _, addr := range []string{"10.1.2.3", "172.16.0.1", "172.31.255.254", "192.168.1.1", "169.254.0.9"} {
			Expect(g.IsURLSafe(context.Background(), "http://"+addr+"/")).To(BeFalse(), addr)
		}
		Expect(g.IsURLSafe(context.Background(), "http://172.32.0.1/")).To(BeTrue())
	})

	It("allows literal public addresses without DNS", func() {
		g := urlguard.New([]string{"93.184.216.34"}, nil, zap.NewNop(),
			urlguard.WithLookup(staticLookup(nil)))
		Expect(g.IsURLSafe(context.Background(), "https://93.184.216.34/path")).To(BeTrue())
	})

	It("requires every resolved address to be outside blocked ranges", func() {
		g := urlguard.New([]string{"*.example.com"}, nil, zap.NewNop(),
			urlguard.WithLookup(staticLookup(map[string][]string{
				"good.example.com":  {"8.8.8.8"},
				"mixed.example.com": {"8.8.8.8", "192.168.1.10"},
			})))
		Expect(g.IsURLSafe(context.Background(), "https://good.example.com/")).To(BeTrue())
		Expect(g.IsURLSafe(context.Background(), "https://mixed.example.com/")).To(BeFalse())
	})

	It("does not cache a failed resolution", func() {
		calls := 0
		flaky := func(ctx context.Context, host string) ([]net.IP, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("temporary failure in name resolution")
			}
			return []net.IP{net.ParseIP("8.8.8.8")}, nil
		}
		g := urlguard.New([]string{"*.example.com"}, nil, zap.NewNop(),
			urlguard.WithLookup(flaky))

		Expect(g.IsURLSafe(context.Background(), "https://api.example.com/")).To(BeFalse())
		Expect(g.IsURLSafe(context.Background(), "https://api.example.com/")).To(BeTrue())

		// The successful resolution is the one that sticks.
		Expect(g.IsURLSafe(context.Background(), "https://api.example.com/")).To(BeTrue())
		Expect(calls).To(Equal(2))
	})

	It("treats DNS failure as unsafe", func() {
		g := urlguard.New([]string{"*.example.com"}, nil, zap.NewNop(),
			urlguard.WithLookup(staticLookup(nil)))
		Expect(g.IsURLSafe(context.Background(), "https://gone.example.com/")).To(BeFalse())
	})

	It("honours configured blocked ranges over the defaults", func() {
		g := urlguard.New([]string{"*.*.*.*"}, []string{"203.0.113.0/24"}, zap.NewNop())
		Expect(g.IsURLSafe(context.Background(), "http://203.0.113.9/")).To(BeFalse())
		// The default private blocks are replaced, not merged.
		Expect(g.IsURLSafe(context.Background(), "http://192.0.2.1/")).To(BeTrue())
	})

	It("rejects unparseable URLs", func() {
		g := urlguard.New([]string{"*.*.*.*"}, nil, zap.NewNop())
		Expect(g.IsURLSafe(context.Background(), "://nope")).To(BeFalse())
		Expect(g.IsURLSafe(context.Background(), "")).To(BeFalse())
	})
})
