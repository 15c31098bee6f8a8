package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/config"
	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

// DockerSource is the source name for docker label discovery.
const DockerSource = "docker"

// Docker polls the docker daemon for containers (or swarm services) opting
// in through labels and turns them into routes. With label prefix
// "portico":
//
//	portico.enabled=true          opt in
//	portico.host=app.example.com  route host (required)
//	portico.port=8080             upstream port (required)
//	portico.paths=/api/*,/v2/*    optional path patterns
//	portico.network=backend       docker network to take the address from
//	portico.weight=3              upstream weight
//	portico.tls=auto              TLS mode (auto, self_signed)
//
// A failed poll leaves the docker contribution untouched and logs a
// staleness warning; the previously published routes keep serving.
type Docker struct {
	cfg     *config.DockerDiscoveryConfig
	builder *routetable.Builder
	client  client.APIClient
	logger  *zap.Logger
}

// NewDocker connects to the docker daemon. An empty endpoint uses the
// standard environment variables.
func NewDocker(cfg *config.DockerDiscoveryConfig, builder *routetable.Builder, logger *zap.Logger) (*Docker, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Endpoint != "" {
		opts = append(opts, client.WithHost(cfg.Endpoint))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("discovery: docker client: %w", err)
	}
	return &Docker{
		cfg:     cfg,
		builder: builder,
		client:  cli,
		logger:  logger.Named("docker"),
	}, nil
}

// Run polls until the context is cancelled, then retracts the docker
// contribution so stale container routes do not outlive the discoverer.
func (d *Docker) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	d.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			d.builder.Remove(DockerSource)
			d.client.Close()
			return
		case <-ticker.C:
			d.poll(ctx)
		}
	}
}

func (d *Docker) poll(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	var (
		routes []types.Route
		err    error
	)
	if d.cfg.Mode == "swarm" {
		routes, err = d.serviceRoutes(ctx)
	} else {
		routes, err = d.containerRoutes(ctx)
	}
	if err != nil {
		d.logger.Warn("docker poll failed, keeping previous routes", zap.Error(err))
		return
	}

	if err := d.builder.Submit(DockerSource, routes); err != nil {
		d.logger.Warn("docker route submission rejected", zap.Error(err))
	}
}

func (d *Docker) enabledFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", d.prefix()+".enabled=true"))
}

func (d *Docker) containerRoutes(ctx context.Context) ([]types.Route, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		Filters: d.enabledFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: list containers: %w", err)
	}

	var routes []types.Route
	for _, c := range containers {
		addr, ok := containerAddress(c, c.Labels[d.prefix()+".network"])
		if !ok {
			d.logger.Warn("container has no usable network address",
				zap.String("container", containerName(c)))
			continue
		}
		route, err := d.routeFromLabels(c.Labels, addr)
		if err != nil {
			d.logger.Warn("skipping container with bad labels",
				zap.String("container", containerName(c)), zap.Error(err))
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// serviceRoutes targets swarm services by name: the swarm DNS load balances
// across task replicas, so one upstream per service is enough.
func (d *Docker) serviceRoutes(ctx context.Context) ([]types.Route, error) {
	services, err := d.client.ServiceList(ctx, dockertypes.ServiceListOptions{
		Filters: d.enabledFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("discovery: list services: %w", err)
	}

	var routes []types.Route
	for _, s := range services {
		route, err := d.routeFromLabels(serviceLabels(s), s.Spec.Name)
		if err != nil {
			d.logger.Warn("skipping service with bad labels",
				zap.String("service", s.Spec.Name), zap.Error(err))
			continue
		}
		routes = append(routes, route)
	}
	return routes, nil
}

// routeFromLabels builds the route for one container or service.
func (d *Docker) routeFromLabels(labels map[string]string, upstreamHost string) (types.Route, error) {
	prefix := d.prefix()

	host := labels[prefix+".host"]
	if host == "" {
		return types.Route{}, fmt.Errorf("missing %s.host label", prefix)
	}

	port, err := strconv.Atoi(labels[prefix+".port"])
	if err != nil || port < 1 || port > 65535 {
		return types.Route{}, fmt.Errorf("invalid %s.port label %q", prefix, labels[prefix+".port"])
	}

	weight := 1
	if raw := labels[prefix+".weight"]; raw != "" {
		weight, err = strconv.Atoi(raw)
		if err != nil || weight < 1 {
			return types.Route{}, fmt.Errorf("invalid %s.weight label %q", prefix, raw)
		}
	}

	var paths []string
	if raw := labels[prefix+".paths"]; raw != "" {
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
	}

	route := types.Route{
		Host:  host,
		Paths: paths,
		Upstreams: []*types.Upstream{{
			Host:    upstreamHost,
			Port:    port,
			Weight:  weight,
			Network: labels[prefix+".network"],
		}},
	}

	switch mode := labels[prefix+".tls"]; mode {
	case "":
	case string(types.TLSModeAuto), string(types.TLSModeSelfSigned):
		route.TLS.Mode = types.TLSMode(mode)
	default:
		return types.Route{}, fmt.Errorf("invalid %s.tls label %q", prefix, mode)
	}
	return route, nil
}

func (d *Docker) prefix() string {
	if d.cfg.LabelPrefix != "" {
		return d.cfg.LabelPrefix
	}
	return "portico"
}

// containerAddress picks the container IP, preferring the named network.
func containerAddress(c dockertypes.Container, network string) (string, bool) {
	if c.NetworkSettings == nil {
		return "", false
	}
	if network != "" {
		if ep, ok := c.NetworkSettings.Networks[network]; ok && ep.IPAddress != "" {
			return ep.IPAddress, true
		}
		return "", false
	}
	for _, ep := range c.NetworkSettings.Networks {
		if ep.IPAddress != "" {
			return ep.IPAddress, true
		}
	}
	return "", false
}

func containerName(c dockertypes.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func serviceLabels(s swarm.Service) map[string]string {
	if s.Spec.Labels != nil {
		return s.Spec.Labels
	}
	return map[string]string{}
}
