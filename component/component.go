// Package component provides the lifecycle base shared by every PACS
// component. A component is a value bound to the event bus and its slice of
// the configuration; it talks to other components exclusively through bus
// channels.
package component

import (
	"log/slog"

	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
)

// Base carries the bus binding, component config and logger. Embed it and
// override the lifecycle hooks as needed.
type Base struct {
	Name   string
	Bus    *eventbus.Bus
	Config config.ComponentConfig
	Logger *slog.Logger

	priority int
}

// New binds a component to the bus and subscribes the three lifecycle
// handlers. hooks may be nil for any lifecycle event the component does not
// care about beyond the default log line.
func New(name string, bus *eventbus.Bus, cfg config.ComponentConfig, hooks Hooks) *Base {
	b := &Base{
		Name:     name,
		Bus:      bus,
		Config:   cfg,
		Logger:   slog.Default().With("component", name),
		priority: eventbus.DefaultPriority,
	}

	b.Subscribe(eventbus.OnStart, "on-start", func(args ...any) (any, error) {
		b.Logger.Info("Component starting")
		if hooks.OnStart != nil {
			return nil, hooks.OnStart()
		}
		return nil, nil
	})
	b.Subscribe(eventbus.OnStarted, "on-started", func(args ...any) (any, error) {
		b.Logger.Info("Component started")
		if hooks.OnStarted != nil {
			return nil, hooks.OnStarted()
		}
		return nil, nil
	})
	b.Subscribe(eventbus.OnExit, "on-exit", func(args ...any) (any, error) {
		b.Logger.Info("Component exiting")
		if hooks.OnExit != nil {
			return nil, hooks.OnExit()
		}
		return nil, nil
	})

	return b
}

// Hooks are the optional lifecycle callbacks of a component.
type Hooks struct {
	OnStart   func() error
	OnStarted func() error
	OnExit    func() error
}

// Subscribe registers a handler on the bus under this component's name and
// default priority. The subscription name is "<component>/<name>" so two
// components can listen on one channel without clobbering each other.
func (b *Base) Subscribe(ch eventbus.Channel, name string, fn eventbus.HandlerFunc) {
	b.Bus.Subscribe(ch, b.Name+"/"+name, fn, b.priority)
}

// SubscribeWithPriority is Subscribe with an explicit priority.
func (b *Base) SubscribeWithPriority(ch eventbus.Channel, name string, fn eventbus.HandlerFunc, priority int) {
	b.Bus.Subscribe(ch, b.Name+"/"+name, fn, priority)
}

// Broadcast dispatches on the bus; see eventbus.Bus.Broadcast.
func (b *Base) Broadcast(ch eventbus.Channel, args ...any) ([]any, error) {
	return b.Bus.Broadcast(ch, args...)
}

// BroadcastNothrow dispatches on the bus; see eventbus.Bus.BroadcastNothrow.
func (b *Base) BroadcastNothrow(ch eventbus.Channel, args ...any) []eventbus.Result {
	return b.Bus.BroadcastNothrow(ch, args...)
}

// SendOne dispatches on the bus; see eventbus.Bus.SendOne.
func (b *Base) SendOne(ch eventbus.Channel, args ...any) (any, error) {
	return b.Bus.SendOne(ch, args...)
}

// SendAny dispatches on the bus; see eventbus.Bus.SendAny.
func (b *Base) SendAny(ch eventbus.Channel, args ...any) (any, error) {
	return b.Bus.SendAny(ch, args...)
}
