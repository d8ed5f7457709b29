package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Router delivers an event to its webhook channel and to every broadcast notifier.
type Router struct {
	fallback  Notifier
	channels  map[string]Notifier
	broadcast []Notifier
	logger    zerolog.Logger
}

// RouterOptions assemble a Router.
type RouterOptions struct {
	// Default receives events without a channel, or with an unknown one.
	Default Notifier
	// Channels are named webhooks selectable per item.
	Channels map[string]Notifier
	// Broadcast receive every event.
	Broadcast []Notifier
}

// NewRouter returns ErrNotConfigured when no notifier was supplied.
func NewRouter(opts RouterOptions, logger zerolog.Logger) (*Router, error) {
	if opts.Default == nil && len(opts.Channels) == 0 && len(opts.Broadcast) == 0 {
		return nil, ErrNotConfigured
	}
	channels := opts.Channels
	if channels == nil {
		channels = map[string]Notifier{}
	}
	return &Router{
		fallback:  opts.Default,
		channels:  channels,
		broadcast: opts.Broadcast,
		logger:    logger.With().Str("component", "alert_router").Logger(),
	}, nil
}

// Notify fans the event out and joins delivery errors.
func (r *Router) Notify(ctx context.Context, event Event) error {
	targets := make([]Notifier, 0, 1+len(r.broadcast))
	if primary := r.route(event.Channel); primary != nil {
		targets = append(targets, primary)
	}
	targets = append(targets, r.broadcast...)

	var errs []error
	for _, n := range targets {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("deliver %s alert: %w", event.Kind, errors.Join(errs...))
	}
	return nil
}

func (r *Router) route(channel string) Notifier {
	if channel == "" {
		return r.fallback
	}
	if n, ok := r.channels[channel]; ok {
		return n
	}
	r.logger.Warn().Str("channel", channel).Msg("unknown webhook channel, using default")
	return r.fallback
}

// Channels lists the configured channel names.
func (r *Router) Channels() []string {
	out := make([]string, 0, len(r.channels))
	for name := range r.channels {
		out = append(out, name)
	}
	return out
}

var _ Notifier = (*Router)(nil)
