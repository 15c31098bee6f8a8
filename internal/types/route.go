package types

import (
	"fmt"
	"sync/atomic"
	"time"
)

// HealthStatus is the liveness of a single upstream target.
type HealthStatus int32

const (
	// HealthUnknown means the target has not been probed yet.
	HealthUnknown HealthStatus = iota
	// HealthHealthy means the target passed enough consecutive probes.
	HealthHealthy
	// HealthUnhealthy means the target failed enough consecutive probes.
	HealthUnhealthy
)

// String implements fmt.Stringer.
func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthState carries the mutable liveness of an upstream. The status is the
// only field read outside the health checker and is accessed atomically;
// the counters and timestamps are owned exclusively by the checker goroutine.
type HealthState struct {
	status atomic.Int32

	// Owned by the health checker. Not safe for concurrent access.
	ConsecutiveSuccesses int
	ConsecutiveFailures  int
	LastProbe            time.Time
	LastError            error
}

// Status returns the current liveness without locking.
func (h *HealthState) Status() HealthStatus {
	return HealthStatus(h.status.Load())
}

// SetStatus publishes a liveness flip. Readers observe either the old or the
// new value, never an intermediate one.
func (h *HealthState) SetStatus(s HealthStatus) {
	h.status.Store(int32(s))
}

// Upstream is a single backend target. All fields except Health are immutable
// after creation; a configuration change produces a new Upstream.
type Upstream struct {
	Host    string `yaml:"host" json:"host"`
	Port    int    `yaml:"port" json:"port"`
	Weight  int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	Network string `yaml:"network,omitempty" json:"network,omitempty"`

	Health *HealthState `yaml:"-" json:"-"`
}

// Key identifies an upstream across table rebuilds so that health state
// follows the same backend through configuration changes.
func (u *Upstream) Key() string {
	return fmt.Sprintf("%s:%d:%s", u.Host, u.Port, u.Network)
}

// Addr returns the dialable host:port address.
func (u *Upstream) Addr() string {
	return fmt.Sprintf("%s:%d", u.Host, u.Port)
}

// HeaderOp is a single header mutation applied to a request or response.
type HeaderOp struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// HeaderMutations are the ordered add/remove lists for one phase.
type HeaderMutations struct {
	Add    []HeaderOp `yaml:"add,omitempty" json:"add,omitempty"`
	Remove []HeaderOp `yaml:"remove,omitempty" json:"remove,omitempty"`
}

// RouteHeaders groups the request and response phase mutations.
type RouteHeaders struct {
	Request  HeaderMutations `yaml:"request,omitempty" json:"request,omitempty"`
	Response HeaderMutations `yaml:"response,omitempty" json:"response,omitempty"`
}

// PluginRef names a plugin and its per-route configuration. The configuration
// is resolved into a plugin instance when the route table is built, never at
// request time.
type PluginRef struct {
	Name   string                 `yaml:"name" json:"name"`
	Config map[string]interface{} `yaml:"config,omitempty" json:"config,omitempty"`
}

// TLSMode selects how a route obtains its certificate.
type TLSMode string

const (
	// TLSModeAuto provisions certificates through the ACME manager.
	TLSModeAuto TLSMode = "auto"
	// TLSModeFile serves a fixed certificate/key pair from disk.
	TLSModeFile TLSMode = "file"
	// TLSModeSelfSigned always serves a locally synthesized certificate.
	TLSModeSelfSigned TLSMode = "self_signed"
)

// TLSPolicy is the per-route certificate policy.
type TLSPolicy struct {
	Mode     TLSMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	CertFile string  `yaml:"cert_file,omitempty" json:"cert_file,omitempty"`
	KeyFile  string  `yaml:"key_file,omitempty" json:"key_file,omitempty"`

	// SelfSignedFallback controls whether a handshake for this route's host
	// may be answered with a self-signed certificate while a trusted one is
	// unavailable. Defaults to true.
	SelfSignedFallback *bool `yaml:"self_signed_fallback,omitempty" json:"self_signed_fallback,omitempty"`
}

// FallbackEnabled reports the effective fallback setting.
func (p TLSPolicy) FallbackEnabled() bool {
	if p.SelfSignedFallback == nil {
		return true
	}
	return *p.SelfSignedFallback
}

// Route maps a host (+ optional path patterns) to an upstream pool and its
// request-time policy. Routes are immutable once published; a configuration
// change produces a new Route.
type Route struct {
	// Host is an exact hostname or a "*." prefixed wildcard.
	Host string `yaml:"host" json:"host"`

	// Paths are OR-combined patterns in declaration order: exact ("/ping"),
	// prefix ("/api/*"), or regex ("~^/v[0-9]+/"). Empty matches everything.
	Paths []string `yaml:"paths,omitempty" json:"paths,omitempty"`

	Headers   RouteHeaders `yaml:"headers,omitempty" json:"headers,omitempty"`
	Plugins   []PluginRef  `yaml:"plugins,omitempty" json:"plugins,omitempty"`
	Upstreams []*Upstream  `yaml:"upstreams" json:"upstreams"`
	TLS       TLSPolicy    `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// ID identifies a route inside a source set: same host and path list means
// the later declaration wins on submit.
func (r *Route) ID() string {
	id := r.Host
	for _, p := range r.Paths {
		id += "|" + p
	}
	return id
}
