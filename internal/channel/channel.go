// Package channel delivers single relay-set instructions to the node that
// owns the relay and confirms that they took effect. Every channel admits
// one outstanding instruction at a time; callers block until the result
// is known.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/firestand/internal/config"
	"github.com/firestand/internal/gpio"
	"github.com/firestand/internal/metrics"
)

var (
	ErrRejected    = errors.New("instruction rejected")
	ErrNoResponse  = errors.New("no response")
	ErrNodeOffline = errors.New("node offline")
	ErrUnknownNode = errors.New("unknown node")
)

// Channel sets relays on one node.
type Channel interface {
	Node() string
	Set(ctx context.Context, relay int, on bool) error
}

// Options bound a remote delivery.
type Options struct {
	AckTimeout  time.Duration
	MaxAttempts int
	Backoff     time.Duration
	DrainWindow time.Duration
}

// OptionsFrom converts configured timing into delivery options.
func OptionsFrom(t config.TimingConfig) Options {
	return Options{
		AckTimeout:  t.AckTimeout(),
		MaxAttempts: t.MaxAttempts,
		Backoff:     t.RetryBackoff(),
		DrainWindow: t.DrainWindow(),
	}
}

// Local drives the controller's own relays. Success is synchronous.
type Local struct {
	mu      sync.Mutex
	node    string
	driver  gpio.Driver
	log     zerolog.Logger
	metrics *metrics.Metrics
}

func NewLocal(node string, driver gpio.Driver, log zerolog.Logger, m *metrics.Metrics) *Local {
	return &Local{
		node:    node,
		driver:  driver,
		log:     log.With().Str("node", node).Logger(),
		metrics: m,
	}
}

func (l *Local) Node() string {
	return l.node
}

func (l *Local) Set(ctx context.Context, relay int, on bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// A caller may have been cancelled while waiting for the lock.
	if err := ctx.Err(); err != nil {
		return err
	}

	l.metrics.Attempt(l.node)
	if err := l.driver.Set(relay, on); err != nil {
		l.metrics.Failure(l.node, "driver")
		return fmt.Errorf("relay %d: %w", relay, err)
	}
	l.log.Debug().Int("relay", relay).Bool("state", on).Msg("local relay set")
	return nil
}

// Router dispatches to the channel owning a node.
type Router struct {
	channels map[string]Channel
	order    []string
}

func NewRouter(channels ...Channel) *Router {
	r := &Router{channels: make(map[string]Channel, len(channels))}
	for _, ch := range channels {
		r.channels[ch.Node()] = ch
		r.order = append(r.order, ch.Node())
	}
	return r
}

// Set delivers one instruction to node.
func (r *Router) Set(ctx context.Context, node string, relay int, on bool) error {
	ch, ok := r.channels[node]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, node)
	}
	return ch.Set(ctx, relay, on)
}

// Channel returns the channel for node.
func (r *Router) Channel(node string) (Channel, bool) {
	ch, ok := r.channels[node]
	return ch, ok
}

// Remote returns node's channel if it is a worker link.
func (r *Router) Remote(node string) (*Remote, bool) {
	remote, ok := r.channels[node].(*Remote)
	return remote, ok
}

// Nodes lists routed nodes in registration order.
func (r *Router) Nodes() []string {
	return append([]string(nil), r.order...)
}
