package plugins

import (
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/porticoproxy/portico/pkg/plugin"
)

// RateLimitPlugin applies a token-bucket limit to a route. Configuration:
//
//	plugins:
//	  - name: rate_limit
//	    config:
//	      rate: 100    # requests per second
//	      burst: 200
type RateLimitPlugin struct{}

// Name implements plugin.Plugin.
func (p *RateLimitPlugin) Name() string { return "rate_limit" }

// Configure implements plugin.Plugin.
func (p *RateLimitPlugin) Configure(config map[string]interface{}) (plugin.Instance, error) {
	rps, err := numericOption(config, "rate")
	if err != nil {
		return nil, err
	}
	if rps <= 0 {
		return nil, fmt.Errorf("rate_limit requires a positive rate")
	}

	burst := int(rps)
	if v, err := numericOption(config, "burst"); err == nil && v > 0 {
		burst = int(v)
	}
	if burst < 1 {
		burst = 1
	}

	return &rateLimitInstance{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// numericOption tolerates the YAML/JSON decoding spread: ints, floats and
// int64s all appear depending on the config source.
func numericOption(config map[string]interface{}, key string) (float64, error) {
	v, ok := config[key]
	if !ok {
		return 0, fmt.Errorf("rate_limit requires %q", key)
	}
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("%q must be a number", key)
	}
}

type rateLimitInstance struct {
	limiter *rate.Limiter
}

// Before implements plugin.Instance.
func (i *rateLimitInstance) Before(w http.ResponseWriter, r *http.Request) (plugin.Action, error) {
	if !i.limiter.Allow() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return plugin.Stop, nil
	}
	return plugin.Continue, nil
}

// After implements plugin.Instance.
func (i *rateLimitInstance) After(*http.Response) (plugin.Action, error) {
	return plugin.Continue, nil
}
