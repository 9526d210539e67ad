package platform

import (
	"context"

	"github.com/progresso/progresso/pkg/engine"
	"github.com/progresso/progresso/pkg/telemetry"
)

// DryRunController passes queries through to the wrapped controller and
// logs mutations without performing them.
type DryRunController struct {
	inner  engine.ServiceController
	logger *telemetry.Logger
}

var _ engine.ServiceController = (*DryRunController)(nil)

// NewDryRunController wraps inner.
func NewDryRunController(inner engine.ServiceController, logger *telemetry.Logger) *DryRunController {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &DryRunController{inner: inner, logger: logger.NewComponentLogger("dry-run")}
}

// Name returns the wrapped backend name.
func (c *DryRunController) Name() string { return c.inner.Name() }

// NormalizeMode delegates when the wrapped controller normalizes modes.
func (c *DryRunController) NormalizeMode(mode engine.StartMode) engine.StartMode {
	if n, ok := c.inner.(engine.ModeNormalizer); ok {
		return n.NormalizeMode(mode)
	}
	return mode
}

// Query reads real service state.
func (c *DryRunController) Query(ctx context.Context, name string) (engine.ServiceDescriptor, error) {
	return c.inner.Query(ctx, name)
}

// SetStartMode logs the change.
func (c *DryRunController) SetStartMode(_ context.Context, name string, mode engine.StartMode) error {
	c.logger.WithService(name).WithField("mode", string(mode)).Info("Would set start mode")
	return nil
}

// Start logs the start.
func (c *DryRunController) Start(_ context.Context, name string) error {
	c.logger.WithService(name).Info("Would start service")
	return nil
}

// Stop logs the stop.
func (c *DryRunController) Stop(_ context.Context, name string) error {
	c.logger.WithService(name).Info("Would stop service")
	return nil
}
