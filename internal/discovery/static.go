// Package discovery feeds the route table builder from its producers: the
// static configuration file and docker label discovery. Each producer owns
// one named source set and fully replaces its own contribution on change.
package discovery

import (
	"go.uber.org/zap"

	"github.com/porticoproxy/portico/internal/routetable"
	"github.com/porticoproxy/portico/internal/types"
)

// StaticSource is the source name for configuration-file routes.
const StaticSource = "static"

// Static submits the configuration file's routes. The config watcher calls
// Apply again after every accepted reload.
type Static struct {
	builder *routetable.Builder
	logger  *zap.Logger
}

// NewStatic creates the static route producer.
func NewStatic(builder *routetable.Builder, logger *zap.Logger) *Static {
	return &Static{builder: builder, logger: logger.Named("static")}
}

// Apply replaces the static contribution with the given routes.
func (s *Static) Apply(routes []types.Route) error {
	if err := s.builder.Submit(StaticSource, routes); err != nil {
		return err
	}
	s.logger.Info("static routes applied", zap.Int("count", len(routes)))
	return nil
}
