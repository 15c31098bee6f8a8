package plugins

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/porticoproxy/portico/pkg/plugin"
)

const defaultRequestIDHeader = "X-Request-Id"

// RequestIDPlugin attaches a unique identifier to every request and echoes
// it on the response so that upstream and access logs correlate.
type RequestIDPlugin struct{}

// Name implements plugin.Plugin.
func (p *RequestIDPlugin) Name() string { return "request_id" }

// Configure implements plugin.Plugin. Optional config: "header" overrides
// the header name, "overwrite" replaces an id the client already sent.
func (p *RequestIDPlugin) Configure(config map[string]interface{}) (plugin.Instance, error) {
	inst := &requestIDInstance{header: defaultRequestIDHeader}
	if v, ok := config["header"].(string); ok && v != "" {
		inst.header = v
	}
	if v, ok := config["overwrite"].(bool); ok {
		inst.overwrite = v
	}
	return inst, nil
}

type requestIDInstance struct {
	header    string
	overwrite bool
}

// Before implements plugin.Instance.
func (i *requestIDInstance) Before(w http.ResponseWriter, r *http.Request) (plugin.Action, error) {
	id := r.Header.Get(i.header)
	if id == "" || i.overwrite {
		id = uuid.NewString()
		r.Header.Set(i.header, id)
	}
	w.Header().Set(i.header, id)
	return plugin.Continue, nil
}

// After implements plugin.Instance.
func (i *requestIDInstance) After(resp *http.Response) (plugin.Action, error) {
	if resp.Header.Get(i.header) == "" && resp.Request != nil {
		if id := resp.Request.Header.Get(i.header); id != "" {
			resp.Header.Set(i.header, id)
		}
	}
	return plugin.Continue, nil
}
