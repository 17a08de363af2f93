// Copyright 2025 The dws Authors
// This file is part of the dws library.
//
// The dws library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dws library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dws library. If not, see <http://www.gnu.org/licenses/>.

package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	defaultDoHEndpoint = "https://cloudflare-dns.com/dns-query"
	dohTimeout         = 5 * time.Second
	dohCacheLimit      = 1000
	dohCacheTTL        = 5 * time.Minute

	// dnsaddrPrefix marks the TXT records carrying seed multiaddresses.
	dnsaddrPrefix = "dnsaddr="
)

// rateLimit bounds outbound DoH queries across all seeds.
const rateLimit = 3

// dohResolver resolves _dnsaddr TXT records through DNS-over-HTTPS. Results
// are cached and queries are rate-limited and deduplicated.
type dohResolver struct {
	endpoint string
	client   *http.Client

	cache        *lru.LRU[string, []string]
	ratelimit    *rate.Limiter
	singleflight singleflight.Group
}

func newDoHResolver(endpoint string) *dohResolver {
	if endpoint == "" {
		endpoint = defaultDoHEndpoint
	}
	return &dohResolver{
		endpoint:  endpoint,
		client:    &http.Client{Timeout: dohTimeout},
		cache:     lru.NewLRU[string, []string](dohCacheLimit, nil, dohCacheTTL),
		ratelimit: rate.NewLimiter(rateLimit, rateLimit),
	}
}

// resolve returns the dnsaddr multiaddresses published under
// _dnsaddr.<domain>.
func (r *dohResolver) resolve(ctx context.Context, domain string) ([]string, error) {
	name := dns.Fqdn("_dnsaddr." + domain)

	// The rate limit applies even for cached names so a refresh burst can't
	// hammer the resolver through cache misses.
	if err := r.ratelimit.Wait(ctx); err != nil {
		return nil, err
	}
	if addrs, ok := r.cache.Get(name); ok {
		return addrs, nil
	}

	v, err, _ := r.singleflight.Do(name, func() (interface{}, error) {
		addrs, err := r.query(ctx, name)
		if err != nil {
			return nil, err
		}
		r.cache.Add(name, addrs)
		return addrs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// query performs one wire-format DoH request for the TXT records of name.
func (r *dohResolver) query(ctx context.Context, name string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeTXT)
	msg.RecursionDesired = true
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh query failed: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}

	reply := new(dns.Msg)
	if err := reply.Unpack(body); err != nil {
		return nil, fmt.Errorf("invalid doh response: %w", err)
	}
	return extractDnsaddrs(reply), nil
}

// extractDnsaddrs pulls the dnsaddr= values out of a TXT response.
func extractDnsaddrs(msg *dns.Msg) []string {
	var addrs []string
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if strings.HasPrefix(s, dnsaddrPrefix) {
				addrs = append(addrs, strings.TrimPrefix(s, dnsaddrPrefix))
			}
		}
	}
	return addrs
}
