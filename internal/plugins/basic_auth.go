package plugins

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/porticoproxy/portico/pkg/plugin"
)

// BasicAuthPlugin rejects requests that do not carry valid HTTP basic
// credentials. Route configuration:
//
//	plugins:
//	  - name: basic_auth
//	    config:
//	      users:
//	        alice: s3cret
//	      realm: restricted
type BasicAuthPlugin struct{}

// Name implements plugin.Plugin.
func (p *BasicAuthPlugin) Name() string { return "basic_auth" }

// Configure implements plugin.Plugin.
func (p *BasicAuthPlugin) Configure(config map[string]interface{}) (plugin.Instance, error) {
	rawUsers, ok := config["users"]
	if !ok {
		return nil, fmt.Errorf("basic_auth requires a users map")
	}

	users := make(map[string][sha256.Size]byte)
	switch m := rawUsers.(type) {
	case map[string]interface{}:
		for user, pass := range m {
			passStr, ok := pass.(string)
			if !ok {
				return nil, fmt.Errorf("password for user %q must be a string", user)
			}
			users[user] = sha256.Sum256([]byte(passStr))
		}
	case map[string]string:
		for user, pass := range m {
			users[user] = sha256.Sum256([]byte(pass))
		}
	default:
		return nil, fmt.Errorf("users must be a map of user to password")
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("basic_auth users map is empty")
	}

	realm := "restricted"
	if v, ok := config["realm"].(string); ok && v != "" {
		realm = v
	}

	return &basicAuthInstance{users: users, realm: realm}, nil
}

type basicAuthInstance struct {
	users map[string][sha256.Size]byte
	realm string
}

// Before implements plugin.Instance. Password comparison is constant-time
// over digests so that lookup misses and near-misses are indistinguishable.
func (i *basicAuthInstance) Before(w http.ResponseWriter, r *http.Request) (plugin.Action, error) {
	user, pass, ok := r.BasicAuth()
	if ok {
		if expected, found := i.users[user]; found {
			given := sha256.Sum256([]byte(pass))
			if subtle.ConstantTimeCompare(expected[:], given[:]) == 1 {
				return plugin.Continue, nil
			}
		}
	}

	w.Header().Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", i.realm))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return plugin.Stop, nil
}

// After implements plugin.Instance.
func (i *basicAuthInstance) After(*http.Response) (plugin.Action, error) {
	return plugin.Continue, nil
}
