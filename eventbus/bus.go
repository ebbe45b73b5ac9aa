// Package eventbus implements the process-wide publish/subscribe bus that
// ties the PACS components together.
//
// All dispatch is synchronous on the caller's goroutine. Listeners are
// invoked in priority order (lowest number first); ties are broken by
// subscription order. Components never call each other directly - every
// inter-component interaction goes through a channel on the bus.
package eventbus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Channel identifies an event channel on the bus.
type Channel string

// Lifecycle channels. These always exist, even with no subscribers.
const (
	// OnStart fires when the server is starting.
	OnStart Channel = "on-start"

	// OnStarted fires when the server has started.
	OnStarted Channel = "on-started"

	// OnExit fires when the server is exiting.
	OnExit Channel = "on-exit"
)

// DefaultPriority is used when a subscriber does not care about ordering.
const DefaultPriority = 50

// HandlerFunc is a bus event handler. Arguments are channel-specific; each
// channel documents its payload and result contract.
type HandlerFunc func(args ...any) (any, error)

// ErrNoListeners is returned by SendOne when the channel has no subscribers.
// Broadcast variants never return it.
type ErrNoListeners struct {
	Channel Channel
}

func (e *ErrNoListeners) Error() string {
	return fmt.Sprintf("eventbus: no listeners for %s", e.Channel)
}

// Result is one listener's outcome from BroadcastNothrow.
type Result struct {
	Value any
	Err   error
}

type listener struct {
	name     string
	priority int
	seq      int
	fn       HandlerFunc
}

// Bus is a mapping from channel to an ordered set of listeners.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Channel][]listener
	seq       int
	logger    *slog.Logger
}

// New creates a bus with the three lifecycle channels pre-registered.
func New() *Bus {
	b := &Bus{
		listeners: make(map[Channel][]listener),
		logger:    slog.Default().With("component", "EventBus"),
	}
	for _, ch := range []Channel{OnStart, OnStarted, OnExit} {
		b.listeners[ch] = nil
	}
	return b
}

// Subscribe registers fn on the channel under the given name. Subscription
// is idempotent per (channel, name): re-subscribing updates the handler and
// priority but keeps the original ordering slot.
func (b *Bus) Subscribe(ch Channel, name string, fn HandlerFunc, priority int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners[ch] {
		if l.name == name {
			b.listeners[ch][i].fn = fn
			b.listeners[ch][i].priority = priority
			return
		}
	}
	b.seq++
	b.listeners[ch] = append(b.listeners[ch], listener{
		name:     name,
		priority: priority,
		seq:      b.seq,
		fn:       fn,
	})
}

// Unsubscribe removes the named listener from the channel. Unknown names
// are ignored.
func (b *Bus) Unsubscribe(ch Channel, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ll := b.listeners[ch]
	for i, l := range ll {
		if l.name == name {
			b.listeners[ch] = append(ll[:i:i], ll[i+1:]...)
			return
		}
	}
}

// Broadcast invokes every listener in priority order and collects the
// results. The first listener error aborts dispatch and is returned; later
// listeners do not run.
func (b *Bus) Broadcast(ch Channel, args ...any) ([]any, error) {
	var results []any
	for _, l := range b.sorted(ch) {
		v, err := l.fn(args...)
		if err != nil {
			return results, fmt.Errorf("eventbus: %s handler %s: %w", ch, l.name, err)
		}
		results = append(results, v)
	}
	return results, nil
}

// BroadcastNothrow invokes every listener in priority order, recording each
// listener's value or error. All listeners always run.
func (b *Bus) BroadcastNothrow(ch Channel, args ...any) []Result {
	var results []Result
	for _, l := range b.sorted(ch) {
		v, err := l.fn(args...)
		if err != nil {
			b.logger.Error("Listener failed", "channel", ch, "listener", l.name, "error", err)
		}
		results = append(results, Result{Value: v, Err: err})
	}
	return results
}

// SendOne invokes only the highest-priority (lowest numbered) listener.
func (b *Bus) SendOne(ch Channel, args ...any) (any, error) {
	ll := b.sorted(ch)
	if len(ll) == 0 {
		err := &ErrNoListeners{Channel: ch}
		b.logger.Error(err.Error())
		return nil, err
	}
	return ll[0].fn(args...)
}

// SendAny invokes listeners in priority order until one returns a non-nil
// value, which is returned. Returns nil when every listener returns nil.
func (b *Bus) SendAny(ch Channel, args ...any) (any, error) {
	for _, l := range b.sorted(ch) {
		v, err := l.fn(args...)
		if err != nil {
			return nil, fmt.Errorf("eventbus: %s handler %s: %w", ch, l.name, err)
		}
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

// sorted returns the channel's listeners ordered by priority, ties broken
// by subscription order.
func (b *Bus) sorted(ch Channel) []listener {
	b.mu.RLock()
	ll := make([]listener, len(b.listeners[ch]))
	copy(ll, b.listeners[ch])
	b.mu.RUnlock()

	sort.SliceStable(ll, func(i, j int) bool {
		if ll[i].priority != ll[j].priority {
			return ll[i].priority < ll[j].priority
		}
		return ll[i].seq < ll[j].seq
	})
	return ll
}
