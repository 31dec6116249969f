// Package plugin fans step notifications and checkpoint hooks out to the
// plugins registered for a rank.
package plugin

import (
	"context"
	"log/slog"

	"github.com/yndnr/simctl/internal/core/domain"
	"github.com/yndnr/simctl/internal/core/period"
)

// Plugin observes the control loop of one rank.
type Plugin interface {
	// Name identifies the plugin in logs and errors.
	Name() string
	// Notify is called at every step contained in the plugin's period.
	Notify(ctx context.Context, step uint64) error
	// Checkpoint persists the plugin's state for step into dir.
	Checkpoint(ctx context.Context, step uint64, dir string) error
	// Restore loads the plugin's state for step from dir.
	Restore(ctx context.Context, step uint64, dir string) error
}

type registration struct {
	plugin Plugin
	period *period.Period
}

// Connector dispatches control loop events to plugins in registration order.
// It is used from a single rank goroutine.
type Connector struct {
	regs   []registration
	logger *slog.Logger
}

// NewConnector returns an empty connector.
func NewConnector(logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{logger: logger}
}

// Register adds p. A nil notify period means every step.
func (c *Connector) Register(p Plugin, notify *period.Period) {
	c.regs = append(c.regs, registration{plugin: p, period: notify})
	c.logger.Debug("plugin registered", "plugin", p.Name(), "period", periodString(notify))
}

// Plugins returns the registered plugin names in order.
func (c *Connector) Plugins() []string {
	names := make([]string, len(c.regs))
	for i, r := range c.regs {
		names[i] = r.plugin.Name()
	}
	return names
}

// Notify calls every plugin whose period contains step.
func (c *Connector) Notify(ctx context.Context, step uint64) error {
	for _, r := range c.regs {
		if r.period != nil && !r.period.Contains(step) {
			continue
		}
		if err := r.plugin.Notify(ctx, step); err != nil {
			return hookErr(domain.ErrNotifyFailed, r.plugin.Name(), step, err)
		}
	}
	return nil
}

// Checkpoint asks every plugin to persist its state.
func (c *Connector) Checkpoint(ctx context.Context, step uint64, dir string) error {
	for _, r := range c.regs {
		if err := r.plugin.Checkpoint(ctx, step, dir); err != nil {
			return hookErr(domain.ErrCheckpointWrite, r.plugin.Name(), step, err)
		}
	}
	return nil
}

// Restore asks every plugin to load its state.
func (c *Connector) Restore(ctx context.Context, step uint64, dir string) error {
	for _, r := range c.regs {
		if err := r.plugin.Restore(ctx, step, dir); err != nil {
			return hookErr(domain.ErrRestoreFailed, r.plugin.Name(), step, err)
		}
	}
	return nil
}

func hookErr(base *domain.DomainError, name string, step uint64, err error) error {
	if domain.IsDomainError(err, base.Code) {
		return err
	}
	return base.WithDetailsf("plugin %s at step %d", name, step).WithCause(err)
}

func periodString(p *period.Period) string {
	if p == nil {
		return "every step"
	}
	return p.String()
}

// Func adapts a notify function into a Plugin without checkpoint state.
type Func struct {
	ID string
	Fn func(ctx context.Context, step uint64) error
}

// Name implements Plugin.
func (f Func) Name() string { return f.ID }

// Notify implements Plugin.
func (f Func) Notify(ctx context.Context, step uint64) error { return f.Fn(ctx, step) }

// Checkpoint implements Plugin.
func (Func) Checkpoint(context.Context, uint64, string) error { return nil }

// Restore implements Plugin.
func (Func) Restore(context.Context, uint64, string) error { return nil }

var _ Plugin = Func{}
