// Package proxy serves inbound traffic: it matches requests against the
// current route table, runs the route's middleware chain, and dispatches to
// an upstream with bounded same-request failover.
package proxy

import (
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/loadbalancer"
	"github.com/porticoproxy/portico/internal/metrics"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

// TableProvider yields the current route table.
type TableProvider interface {
	Current() *routetable.Table
}

// Handler is the request-path http.Handler. Everything it touches per
// request is either an immutable snapshot or lock-free, so it never blocks
// on background work.
type Handler struct {
	tables     TableProvider
	balancer   *loadbalancer.Balancer
	transport  http.RoundTripper
	maxRetries int
	logger     *zap.Logger
}

// NewHandler creates the proxy handler with a transport shaped by the
// dispatch configuration.
func NewHandler(cfg *config.ProxyConfig, tables TableProvider, balancer *loadbalancer.Balancer, logger *zap.Logger) *Handler {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ResponseHeaderTimeout: cfg.ResponseTimeout,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &Handler{
		tables:     tables,
		balancer:   balancer,
		transport:  transport,
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("proxy"),
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	route := h.tables.Current().Match(r.Host, r.URL.Path)
	if route == nil {
		http.NotFound(w, r)
		metrics.RequestsTotal.WithLabelValues("unmatched", "404").Inc()
		return
	}

	applyHeaderMutations(r.Header, route.Headers.Request)

	stopped, err := route.Chain().Before(w, r)
	if err != nil {
		h.logger.Error("middleware failed",
			zap.String("host", route.Host), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		h.observe(route.Host, http.StatusInternalServerError, start)
		return
	}
	if stopped {
		h.observe(route.Host, 0, start)
		return
	}

	code := h.dispatch(w, r, route)
	h.observe(route.Host, code, start)
}

// dispatch forwards the request, failing over to another pool candidate on
// connection errors up to maxRetries times. Requests whose body cannot be
// replayed get a single attempt. Returns the status code sent to the client.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request, route *routetable.CompiledRoute) int {
	attempts := h.maxRetries + 1
	if !replayable(r) {
		attempts = 1
	}

	exclude := make(map[string]bool)
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		upstream, err := h.balancer.Pick(route, exclude)
		if err != nil {
			break
		}

		outreq, err := h.outboundRequest(r, upstream, attempt)
		if err != nil {
			lastErr = err
			break
		}

		resp, err := h.transport.RoundTrip(outreq)
		if err != nil {
			lastErr = err
			exclude[upstream.Key()] = true
			metrics.DispatchRetries.Inc()
			h.logger.Warn("upstream dispatch failed",
				zap.String("host", route.Host),
				zap.String("upstream", upstream.Addr()),
				zap.Error(err))
			continue
		}

		return h.writeResponse(w, resp, route)
	}

	if lastErr != nil {
		h.logger.Warn("all dispatch attempts failed",
			zap.String("host", route.Host), zap.Error(lastErr))
	}
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
	return http.StatusBadGateway
}

func (h *Handler) outboundRequest(r *http.Request, upstream *types.Upstream, attempt int) (*http.Request, error) {
	outreq := r.Clone(r.Context())
	outreq.URL.Scheme = "http"
	outreq.URL.Host = upstream.Addr()
	outreq.RequestURI = ""
	outreq.Close = false

	// Retries must replay the body from scratch.
	if attempt > 0 && r.GetBody != nil {
		body, err := r.GetBody()
		if err != nil {
			return nil, err
		}
		outreq.Body = body
	}

	setForwardedHeaders(outreq, r)
	removeHopByHopHeaders(outreq.Header)
	return outreq, nil
}

func (h *Handler) writeResponse(w http.ResponseWriter, resp *http.Response, route *routetable.CompiledRoute) int {
	defer resp.Body.Close()

	if err := route.Chain().After(resp); err != nil {
		h.logger.Error("response middleware failed",
			zap.String("host", route.Host), zap.Error(err))
	}
	applyHeaderMutations(resp.Header, route.Headers.Response)
	removeHopByHopHeaders(resp.Header)

	header := w.Header()
	for name, values := range resp.Header {
		for _, v := range values {
			header.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("response copy interrupted", zap.Error(err))
	}
	return resp.StatusCode
}

func (h *Handler) observe(host string, code int, start time.Time) {
	label := "handled"
	if code != 0 {
		label = strconv.Itoa(code)
	}
	metrics.RequestsTotal.WithLabelValues(host, label).Inc()
	metrics.RequestDuration.WithLabelValues(host).Observe(time.Since(start).Seconds())
}

// replayable reports whether a failed dispatch may be retried against
// another upstream without duplicating a partially consumed body.
func replayable(r *http.Request) bool {
	return r.Body == nil || r.Body == http.NoBody || r.GetBody != nil
}

func applyHeaderMutations(header http.Header, mutations types.HeaderMutations) {
	for _, op := range mutations.Remove {
		header.Del(op.Name)
	}
	for _, op := range mutations.Add {
		header.Set(op.Name, op.Value)
	}
}

func setForwardedHeaders(outreq, r *http.Request) {
	clientIP := r.RemoteAddr
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		clientIP = ip
	}

	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		outreq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		outreq.Header.Set("X-Forwarded-For", clientIP)
	}
	if outreq.Header.Get("X-Real-IP") == "" {
		outreq.Header.Set("X-Real-IP", clientIP)
	}
	if outreq.Header.Get("X-Forwarded-Host") == "" {
		outreq.Header.Set("X-Forwarded-Host", r.Host)
	}
	proto := "http"
	if r.TLS != nil {
		proto = "https"
	}
	outreq.Header.Set("X-Forwarded-Proto", proto)
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopByHopHeaders(header http.Header) {
	for _, value := range header.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		header.Del(name)
	}
}

// CloseIdleConnections drops idle upstream connections; called on shutdown.
func (h *Handler) CloseIdleConnections() {
	if t, ok := h.transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
