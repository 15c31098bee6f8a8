package discovery

import (
	"testing"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/network"
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/types"
)

func testDocker() *Docker {
	return &Docker{
		cfg:    &config.DockerDiscoveryConfig{},
		logger: zap.NewNop(),
	}
}

func TestRouteFromLabels(t *testing.T) {
	d := testDocker()

	route, err := d.routeFromLabels(map[string]string{
		"portico.enabled": "true",
		"portico.host":    "app.example.com",
		"portico.port":    "8080",
		"portico.paths":   "/api/*, /v2/*",
		"portico.weight":  "3",
		"portico.tls":     "auto",
	}, "172.17.0.2")
	if err != nil {
		t.Fatalf("routeFromLabels failed: %v", err)
	}

	if route.Host != "app.example.com" {
		t.Errorf("host = %q", route.Host)
	}
	if len(route.Paths) != 2 || route.Paths[0] != "/api/*" || route.Paths[1] != "/v2/*" {
		t.Errorf("paths = %v", route.Paths)
	}
	u := route.Upstreams[0]
	if u.Host != "172.17.0.2" || u.Port != 8080 || u.Weight != 3 {
		t.Errorf("upstream = %+v", u)
	}
	if route.TLS.Mode != types.TLSModeAuto {
		t.Errorf("tls mode = %q", route.TLS.Mode)
	}
}

func TestRouteFromLabelsRejectsBadInput(t *testing.T) {
	d := testDocker()

	tests := []struct {
		name   string
		labels map[string]string
	}{
		{"missing host", map[string]string{"portico.port": "8080"}},
		{"missing port", map[string]string{"portico.host": "a.example.com"}},
		{"bad port", map[string]string{"portico.host": "a.example.com", "portico.port": "http"}},
		{"port out of range", map[string]string{"portico.host": "a.example.com", "portico.port": "70000"}},
		{"zero weight", map[string]string{"portico.host": "a.example.com", "portico.port": "80", "portico.weight": "0"}},
		{"bad tls mode", map[string]string{"portico.host": "a.example.com", "portico.port": "80", "portico.tls": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := d.routeFromLabels(tt.labels, "10.0.0.1"); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCustomLabelPrefix(t *testing.T) {
	d := &Docker{
		cfg:    &config.DockerDiscoveryConfig{LabelPrefix: "proxy"},
		logger: zap.NewNop(),
	}

	route, err := d.routeFromLabels(map[string]string{
		"proxy.host": "b.example.com",
		"proxy.port": "9000",
	}, "10.0.0.2")
	if err != nil {
		t.Fatalf("routeFromLabels failed: %v", err)
	}
	if route.Host != "b.example.com" || route.Upstreams[0].Port != 9000 {
		t.Errorf("route = %+v", route)
	}
}

func TestContainerAddress(t *testing.T) {
	c := dockertypes.Container{
		NetworkSettings: &dockertypes.SummaryNetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"bridge":  {IPAddress: "172.17.0.2"},
				"backend": {IPAddress: "10.5.0.2"},
				"stale":   {},
			},
		},
	}

	if addr, ok := containerAddress(c, "backend"); !ok || addr != "10.5.0.2" {
		t.Errorf("named network address = %q, %v", addr, ok)
	}
	if _, ok := containerAddress(c, "missing"); ok {
		t.Error("missing network should not resolve")
	}
	if addr, ok := containerAddress(c, ""); !ok || addr == "" {
		t.Errorf("default network address = %q, %v", addr, ok)
	}
	if _, ok := containerAddress(dockertypes.Container{}, ""); ok {
		t.Error("container without network settings should not resolve")
	}
}
