package plugin

import "net/http"

// Action is the short-circuit decision returned by plugin invocations.
type Action int

const (
	// Continue lets the chain proceed to the next plugin (and, in the
	// before-dispatch phase, on to the upstream).
	Continue Action = iota

	// Stop halts chain execution for the current phase. In the
	// before-dispatch phase the upstream dispatch is skipped entirely; the
	// plugin is expected to have written a response already.
	Stop
)

// Plugin is a registered plugin factory. Configure is called once per route
// at table-build time so that request-time invocations never parse
// configuration.
type Plugin interface {
	// Name returns the name routes reference the plugin by.
	Name() string

	// Configure validates the per-route configuration and returns an
	// instance bound to it.
	Configure(config map[string]interface{}) (Instance, error)
}

// Instance is a configured plugin bound to one route. Instances must be safe
// for concurrent use; one instance serves every request matching its route.
type Instance interface {
	// Before runs in the before-dispatch phase. It may inspect or modify
	// the request, or write a response and return Stop.
	Before(w http.ResponseWriter, r *http.Request) (Action, error)

	// After runs in the after-dispatch phase against the upstream response.
	After(resp *http.Response) (Action, error)
}
