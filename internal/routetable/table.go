package routetable

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/porticoproxy/portico/internal/plugins"
	"github.com/porticoproxy/portico/internal/types"
)

// pathMatcher is one compiled path pattern. Patterns are exact ("/ping"),
// prefix ("/api/*"), or regex ("~^/v[0-9]+/").
type pathMatcher struct {
	raw    string
	exact  string
	prefix string
	re     *regexp.Regexp
}

func compilePathMatcher(pattern string) (pathMatcher, error) {
	m := pathMatcher{raw: pattern}
	switch {
	case strings.HasPrefix(pattern, "~"):
		re, err := regexp.Compile(pattern[1:])
		if err != nil {
			return m, fmt.Errorf("invalid path regex %q: %w", pattern, err)
		}
		m.re = re
	case strings.HasSuffix(pattern, "/*"):
		m.prefix = strings.TrimSuffix(pattern, "*")
	case strings.HasSuffix(pattern, "*"):
		m.prefix = strings.TrimSuffix(pattern, "*")
	default:
		m.exact = pattern
	}
	return m, nil
}

func (m pathMatcher) match(path string) bool {
	switch {
	case m.re != nil:
		return m.re.MatchString(path)
	case m.prefix != "":
		return strings.HasPrefix(path, m.prefix) || path+"/" == m.prefix
	default:
		return path == m.exact
	}
}

// CompiledRoute is a route as published in a table: the immutable definition
// plus the compiled path matchers and configured plugin chain, resolved at
// build time so the request path never parses configuration.
type CompiledRoute struct {
	*types.Route

	// Source is the discovery source that contributed the route.
	Source string

	matchers []pathMatcher
	chain    *plugins.Chain
}

// MatchPath reports whether the route's path matchers accept the path.
// Matchers are OR-combined in declaration order; no matchers means the
// route accepts every path.
func (r *CompiledRoute) MatchPath(path string) bool {
	if len(r.matchers) == 0 {
		return true
	}
	for _, m := range r.matchers {
		if m.match(path) {
			return true
		}
	}
	return false
}

// Chain returns the route's configured plugin chain (possibly nil).
func (r *CompiledRoute) Chain() *plugins.Chain {
	return r.chain
}

type wildcardEntry struct {
	// suffix includes the leading dot, e.g. ".example.com" for the pattern
	// "*.example.com".
	suffix string
	routes []*CompiledRoute
}

// Table is one immutable, fully validated route table snapshot. Readers hold
// it without locking; the builder publishes successors by atomic pointer
// swap, so a reader's view is always a consistent point in time.
type Table struct {
	version   uint64
	routes    []*CompiledRoute
	exact     map[string][]*CompiledRoute
	wildcards []wildcardEntry
	upstreams []*types.Upstream
}

// Version returns the table's monotonically increasing publication number.
func (t *Table) Version() uint64 {
	return t.version
}

// Routes returns the routes in publication order.
func (t *Table) Routes() []*CompiledRoute {
	return t.routes
}

// Upstreams returns the distinct upstreams referenced by the table.
func (t *Table) Upstreams() []*types.Upstream {
	return t.upstreams
}

// Match finds the route for a request. Exact host entries win over
// wildcards; among wildcards the longest suffix wins; within a host the
// first route (declaration order) whose path matchers accept the path wins.
func (t *Table) Match(host, path string) *CompiledRoute {
	host = normalizeHost(host)

	if routes, ok := t.exact[host]; ok {
		if r := firstPathMatch(routes, path); r != nil {
			return r
		}
	}

	// Wildcards are sorted longest-suffix-first at build time.
	for _, w := range t.wildcards {
		if strings.HasSuffix(host, w.suffix) {
			if r := firstPathMatch(w.routes, path); r != nil {
				return r
			}
		}
	}

	return nil
}

// TLSPolicy returns the certificate policy for a handshake domain: the
// policy of the first route whose host matches. The second return is false
// when no route covers the domain.
func (t *Table) TLSPolicy(domain string) (types.TLSPolicy, bool) {
	domain = normalizeHost(domain)

	if routes, ok := t.exact[domain]; ok && len(routes) > 0 {
		return routes[0].TLS, true
	}
	for _, w := range t.wildcards {
		if strings.HasSuffix(domain, w.suffix) && len(w.routes) > 0 {
			return w.routes[0].TLS, true
		}
	}
	return types.TLSPolicy{}, false
}

// AutoTLSDomains returns the exact hosts whose routes request automatic
// certificates. Wildcard hosts are excluded: HTTP-01 cannot validate them,
// their handshakes are served by on-demand issuance for the concrete SNI.
func (t *Table) AutoTLSDomains() []string {
	var domains []string
	seen := make(map[string]struct{})
	for _, r := range t.routes {
		if strings.HasPrefix(r.Host, "*.") {
			continue
		}
		if r.TLS.Mode != types.TLSModeAuto {
			continue
		}
		host := normalizeHost(r.Host)
		if _, ok := seen[host]; ok {
			continue
		}
		seen[host] = struct{}{}
		domains = append(domains, host)
	}
	return domains
}

func firstPathMatch(routes []*CompiledRoute, path string) *CompiledRoute {
	for _, r := range routes {
		if r.MatchPath(path) {
			return r
		}
	}
	return nil
}

// normalizeHost lowercases a host and strips any port and trailing dot.
func normalizeHost(host string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}
