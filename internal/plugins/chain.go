package plugins

import (
	"fmt"
	"net/http"

	"github.com/porticoproxy/portico/pkg/plugin"
)

type chainEntry struct {
	name     string
	instance plugin.Instance
}

// Chain is the ordered plugin list attached to a route. Execution is
// strictly sequential in declaration order; a Stop halts the phase.
type Chain struct {
	entries []chainEntry
}

// Len returns the number of plugins in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Before runs the before-dispatch phase. It returns true when a plugin
// short-circuited the request, in which case the response has been written
// and dispatch must be skipped.
func (c *Chain) Before(w http.ResponseWriter, r *http.Request) (bool, error) {
	if c == nil {
		return false, nil
	}
	for _, entry := range c.entries {
		action, err := entry.instance.Before(w, r)
		if err != nil {
			return true, fmt.Errorf("plugin %q: %w", entry.name, err)
		}
		if action == plugin.Stop {
			return true, nil
		}
	}
	return false, nil
}

// After runs the after-dispatch phase against the upstream response.
func (c *Chain) After(resp *http.Response) error {
	if c == nil {
		return nil
	}
	for _, entry := range c.entries {
		action, err := entry.instance.After(resp)
		if err != nil {
			return fmt.Errorf("plugin %q: %w", entry.name, err)
		}
		if action == plugin.Stop {
			return nil
		}
	}
	return nil
}
