package mailbridge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/rbaliyan/mailbridge/bus"
)

// Plugin defines the interface for service extensions.
// Plugins can hook into publishing to filter, enrich or audit records.
//
// For observing whole pages and folder listings, use the event system
// instead (PagePublished, PageReplayed, FolderSkipped).
type Plugin interface {
	// Name returns the plugin identifier.
	Name() string
	// Init initializes the plugin. Called when the service connects.
	Init(ctx context.Context) error
	// Close cleans up plugin resources. Called when the service closes.
	Close(ctx context.Context) error
}

// PublishHook is called around publishing each record of an inbound page.
type PublishHook interface {
	Plugin
	// BeforePublish may modify rec. Returning an error keeps the record off
	// the topic and reports it as a publish failure.
	BeforePublish(ctx context.Context, topic string, rec *EmailRecord) error
	// AfterPublish is called once the record is on the topic. Errors are
	// logged; the record is not rolled back.
	AfterPublish(ctx context.Context, topic string, rec *EmailRecord, offset bus.Offset) error
}

// pluginRegistry holds registered plugins.
type pluginRegistry struct {
	all     []Plugin
	publish []PublishHook
	logger  *slog.Logger
}

// newPluginRegistry creates a new plugin registry.
func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

// register adds a plugin to the registry.
func (r *pluginRegistry) register(p Plugin) {
	r.all = append(r.all, p)

	if h, ok := p.(PublishHook); ok {
		r.publish = append(r.publish, h)
	}
}

// initAll initializes all plugins.
// On failure, already-initialized plugins are closed in reverse order.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.all {
		if err := p.Init(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				if closeErr := r.all[j].Close(ctx); closeErr != nil {
					r.logger.Error("failed to close plugin during init rollback",
						"plugin", r.all[j].Name(), "error", closeErr)
				}
			}
			return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
		}
	}
	return nil
}

// closeAll closes all plugins in reverse order.
func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.all) - 1; i >= 0; i-- {
		if err := r.all[i].Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: r.all[i].Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// PluginError represents an error from a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return "mailbridge: plugin " + e.Plugin + " " + e.Op + ": " + e.Err.Error()
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

func (r *pluginRegistry) beforePublish(ctx context.Context, topic string, rec *EmailRecord) error {
	for _, h := range r.publish {
		if err := h.BeforePublish(ctx, topic, rec); err != nil {
			return &PluginError{Plugin: h.Name(), Op: "BeforePublish", Err: err}
		}
	}
	return nil
}

func (r *pluginRegistry) afterPublish(ctx context.Context, topic string, rec *EmailRecord, offset bus.Offset) error {
	var errs []error
	for _, h := range r.publish {
		if err := h.AfterPublish(ctx, topic, rec, offset); err != nil {
			errs = append(errs, &PluginError{Plugin: h.Name(), Op: "AfterPublish", Err: err})
		}
	}
	return errors.Join(errs...)
}
