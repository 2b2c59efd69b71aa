package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// ChannelConfig holds the reconnect, fallback and polling policy.
type ChannelConfig struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	// FallbackAfter is the number of consecutive failed reconnect attempts
	// before long-polling takes over. 0 falls back on the first failure and
	// a negative value never falls back.
	FallbackAfter int
	// PushRetryInterval is how often push is probed while polling. 0
	// disables probing.
	PushRetryInterval time.Duration
	// PollHold is how long the server may hold a poll open.
	PollHold time.Duration
	// PollTimeout is the client deadline for one poll. Hitting it counts as
	// "unchanged".
	PollTimeout      time.Duration
	UnavailableAfter int
}

// DefaultChannelConfig returns default channel configuration
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		ReconnectBase:     500 * time.Millisecond,
		ReconnectCap:      30 * time.Second,
		FallbackAfter:     3,
		PushRetryInterval: 60 * time.Second,
		PollHold:          25 * time.Second,
		PollTimeout:       30 * time.Second,
		UnavailableAfter:  3,
	}
}

// ChannelOption customizes a Channel.
type ChannelOption func(*Channel)

// WithClock replaces the real clock used for backoff timers.
func WithClock(clock Clock) ChannelOption {
	return func(c *Channel) { c.clock = clock }
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics MetricsCollector) ChannelOption {
	return func(c *Channel) { c.metrics = metrics }
}

// WithLogger sets the parent logger; the channel adds its own fields.
func WithLogger(logger zerolog.Logger) ChannelOption {
	return func(c *Channel) { c.logger = logger }
}

// Channel keeps one entity in sync. It prefers the push transport, retries
// it with capped exponential backoff, and long-polls when push keeps failing
// or is not available. Every inbound delta goes through the store.
type Channel struct {
	id      string
	key     EntityKey
	store   *Store
	dialer  PushDialer
	poller  Poller
	config  ChannelConfig
	clock   Clock
	metrics MetricsCollector
	logger  zerolog.Logger
	done    chan struct{}

	mu             sync.Mutex
	state          State
	generation     uint64 // bumped on start and close; stale work checks it
	cancel         context.CancelFunc
	transport      string
	pollFailures   int
	unavailable    bool
	deltasApplied  uint64
	lastDeltaAt    time.Time
	lastErr        error
	closeErr       error
	listeners      map[uint64]func(from, to State)
	nextListenerID uint64
}

// NewChannel creates an idle channel for key. dialer may be nil for a
// pull-only channel; poller may be nil for a push-only channel.
func NewChannel(key EntityKey, store *Store, dialer PushDialer, poller Poller, config ChannelConfig, opts ...ChannelOption) *Channel {
	c := &Channel{
		id:        uuid.NewString(),
		key:       key,
		store:     store,
		dialer:    dialer,
		poller:    poller,
		config:    config,
		clock:     clockwork.NewRealClock(),
		metrics:   &NoOpMetricsCollector{},
		logger:    log.Logger,
		done:      make(chan struct{}),
		listeners: make(map[uint64]func(from, to State)),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().
		Str("component", "realtime_channel").
		Str("entity", key.String()).
		Str("channel_id", c.id[:8]).
		Logger()
	return c
}

func (c *Channel) ID() string     { return c.id }
func (c *Channel) Key() EntityKey { return c.key }

// Done is closed when the channel's run loop has exited.
func (c *Channel) Done() <-chan struct{} { return c.done }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that closed the channel, e.g. syncerr.ErrAuthExpired.
// It is nil while the channel runs and after a plain Close.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Unavailable reports whether polling has failed too many times in a row.
func (c *Channel) Unavailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unavailable
}

// OnStateChange registers fn for state transitions and returns its
// unsubscribe function.
func (c *Channel) OnStateChange(fn func(from, to State)) func() {
	c.mu.Lock()
	id := c.nextListenerID
	c.nextListenerID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Start moves the channel from Idle to Connecting (or straight to polling
// without a dialer). Cancelling ctx closes the channel.
func (c *Channel) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("channel %s cannot start from state %s", c.key, state)
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	c.logger.Info().
		Bool("push", c.dialer != nil).
		Bool("poll", c.poller != nil).
		Msg("channel starting")

	go c.run(runCtx, gen)
	return nil
}

// Close stops the channel, cancelling pending timers and the in-flight poll.
// It is idempotent and does not wait for the run loop; use Done for that.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	from := c.state
	c.state = StateClosed
	c.generation++
	cancel := c.cancel
	listeners := c.listenersLocked()
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	} else {
		close(c.done)
	}
	c.notifyState(from, StateClosed, listeners)
	c.logger.Info().Msg("channel closed")
	return nil
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	defer close(c.done)

	push := c.dialer != nil
	attempt := 0
	var conn PushConn

	for {
		var err error
		switch {
		case conn != nil:
			attempt = 0
			err = c.serve(ctx, gen, conn)
			conn = nil
		case push:
			c.setState(gen, StateConnecting)
			conn, err = c.dialer.Dial(ctx, c.key)
			if err == nil {
				continue
			}
		default:
			// No usable push transport: poll for the rest of the channel's life.
			if conn, push, err = c.fallback(ctx, gen, false); err != nil {
				c.finish(ctx, gen, err)
				return
			}
			continue
		}

		if ctx.Err() != nil {
			c.finish(ctx, gen, nil)
			return
		}
		if errors.Is(err, syncerr.ErrAuthExpired) {
			c.finish(ctx, gen, err)
			return
		}
		if errors.Is(err, ErrPushUnsupported) {
			c.logger.Info().Err(err).Msg("push unsupported for entity, long-polling only")
			push = false
			continue
		}
		c.recordError(err)

		if c.poller != nil && c.config.FallbackAfter >= 0 && attempt >= c.config.FallbackAfter {
			c.setState(gen, StateReconnecting)
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Msg("push transport lost, falling back to long-polling")
			if conn, push, err = c.fallback(ctx, gen, push); err != nil {
				c.finish(ctx, gen, err)
				return
			}
			continue
		}

		delay := Backoff(attempt, c.config.ReconnectBase, c.config.ReconnectCap)
		c.metrics.RecordReconnect(c.key, attempt, delay)
		c.setState(gen, StateReconnecting)
		c.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("push transport lost, reconnecting")
		attempt++

		if !sleep(ctx, c.clock, delay) {
			c.finish(ctx, gen, nil)
			return
		}
	}
}

// serve reads deltas from an open push connection until it fails.
func (c *Channel) serve(ctx context.Context, gen uint64, conn PushConn) error {
	defer conn.Close()

	if !c.setState(gen, StateOpen) {
		return ctx.Err()
	}
	c.pollSucceeded()
	c.logger.Info().Msg("push transport open")

	if c.poller != nil && !c.store.Has(c.key) {
		if err := c.fetchSnapshot(ctx, gen); err != nil {
			if errors.Is(err, syncerr.ErrAuthExpired) {
				return err
			}
			c.logger.Warn().Err(err).Msg("initial snapshot fetch failed")
		}
	}

	for {
		d, err := conn.Next(ctx)
		if err != nil {
			return err
		}
		c.apply(gen, d, TransportPush)
	}
}

// fallback long-polls until a push probe connects (returning the open
// connection), ctx ends, or credentials are rejected. Other poll failures
// back off and may mark the channel unavailable.
func (c *Channel) fallback(ctx context.Context, gen uint64, push bool) (PushConn, bool, error) {
	if c.poller == nil {
		<-ctx.Done()
		return nil, push, ctx.Err()
	}

	c.setState(gen, StateFallbackPolling)
	c.logger.Info().Bool("push_probe", push).Msg("long-polling")

	nextProbe := c.clock.Now().Add(c.config.PushRetryInterval)
	failures := 0

	for {
		if ctx.Err() != nil {
			return nil, push, ctx.Err()
		}

		if push && c.config.PushRetryInterval > 0 && !c.clock.Now().Before(nextProbe) {
			c.setState(gen, StateConnecting)
			conn, err := c.dialer.Dial(ctx, c.key)
			if err == nil {
				return conn, true, nil
			}
			if ctx.Err() != nil {
				return nil, push, ctx.Err()
			}
			if errors.Is(err, syncerr.ErrAuthExpired) {
				return nil, push, err
			}
			if errors.Is(err, ErrPushUnsupported) {
				push = false
			}
			c.logger.Debug().Err(err).Msg("push probe failed, staying on long-poll")
			c.setState(gen, StateFallbackPolling)
			nextProbe = c.clock.Now().Add(c.config.PushRetryInterval)
		}

		err := c.pollOnce(ctx, gen)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil, push, ctx.Err()
		}
		if errors.Is(err, syncerr.ErrAuthExpired) {
			return nil, push, err
		}

		failures++
		c.recordPollFailure(failures, err)
		if !sleep(ctx, c.clock, Backoff(failures-1, c.config.ReconnectBase, c.config.ReconnectCap)) {
			return nil, push, ctx.Err()
		}
	}
}

// pollOnce issues one long-poll from the held version.
func (c *Channel) pollOnce(ctx context.Context, gen uint64) error {
	since := c.store.Version(c.key)

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if c.config.PollTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, c.config.PollTimeout)
	}
	start := c.clock.Now()
	delta, err := c.poller.Poll(pctx, c.key, since, c.config.PollHold)
	timedOut := ctx.Err() == nil && errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := c.clock.Now().Sub(start)

	if !c.current(gen) {
		return nil
	}

	switch {
	case err != nil && timedOut:
		c.metrics.RecordPoll(c.key, PollTimeout, elapsed)
		c.pollSucceeded()
		return nil
	case err != nil:
		c.metrics.RecordPoll(c.key, PollFailed, elapsed)
		return err
	case delta == nil:
		c.metrics.RecordPoll(c.key, PollUnchanged, elapsed)
		c.pollSucceeded()
		return nil
	default:
		c.metrics.RecordPoll(c.key, PollChanged, elapsed)
		c.pollSucceeded()
		c.apply(gen, *delta, TransportPoll)
		return nil
	}
}

func (c *Channel) fetchSnapshot(ctx context.Context, gen uint64) error {
	pctx, cancel := ctx, context.CancelFunc(func() {})
	if c.config.PollTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, c.config.PollTimeout)
	}
	defer cancel()

	delta, err := c.poller.Poll(pctx, c.key, 0, 0)
	if err != nil {
		return fmt.Errorf("fetch snapshot: %w", err)
	}
	if delta != nil {
		c.apply(gen, *delta, TransportPoll)
	}
	return nil
}

func (c *Channel) apply(gen uint64, d Delta, transport string) {
	if !c.current(gen) {
		return
	}
	applied := c.store.Apply(d)
	c.metrics.RecordDelta(d.Key(), transport, applied)
	if !applied {
		return
	}

	c.mu.Lock()
	c.deltasApplied++
	c.lastDeltaAt = c.clock.Now()
	c.mu.Unlock()
}

func (c *Channel) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.state != StateClosed
}

// setState moves to a new state if gen is still current. It returns false
// for stale or closed runs.
func (c *Channel) setState(gen uint64, to State) bool {
	c.mu.Lock()
	if gen != c.generation || c.state == StateClosed {
		c.mu.Unlock()
		return false
	}
	from := c.state
	if from == to {
		c.mu.Unlock()
		return true
	}
	c.state = to
	switch to {
	case StateOpen:
		c.transport = TransportPush
	case StateFallbackPolling:
		c.transport = TransportPoll
	}
	listeners := c.listenersLocked()
	c.mu.Unlock()

	c.notifyState(from, to, listeners)
	return true
}

// finish closes the channel from inside the run loop.
func (c *Channel) finish(ctx context.Context, gen uint64, err error) {
	if err == nil {
		err = ctx.Err()
	}

	c.mu.Lock()
	if gen != c.generation || c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	from := c.state
	c.state = StateClosed
	c.closeErr = err
	c.generation++
	cancel := c.cancel
	listeners := c.listenersLocked()
	c.mu.Unlock()

	cancel()
	c.notifyState(from, StateClosed, listeners)
	if errors.Is(err, syncerr.ErrAuthExpired) {
		c.logger.Error().Err(err).Msg("channel closed, authentication required")
	} else {
		c.logger.Info().Err(err).Msg("channel stopped")
	}
}

func (c *Channel) listenersLocked() []func(from, to State) {
	fns := make([]func(from, to State), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func (c *Channel) notifyState(from, to State, listeners []func(from, to State)) {
	c.metrics.RecordStateChange(c.key, from, to)
	c.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	for _, fn := range listeners {
		fn(from, to)
	}
}

func (c *Channel) recordError(err error) {
	c.mu.Lock()
	c.lastErr = err
	c.mu.Unlock()
}

func (c *Channel) recordPollFailure(failures int, err error) {
	c.mu.Lock()
	c.pollFailures = failures
	crossed := c.config.UnavailableAfter > 0 && failures >= c.config.UnavailableAfter && !c.unavailable
	if crossed {
		c.unavailable = true
	}
	c.lastErr = err
	if c.unavailable {
		c.lastErr = fmt.Errorf("%w: %w", syncerr.ErrUnavailable, err)
	}
	c.mu.Unlock()

	if crossed {
		c.logger.Error().Err(err).Int("failures", failures).Msg("sync unavailable")
		return
	}
	c.logger.Warn().Err(err).Int("failures", failures).Msg("poll failed")
}

func (c *Channel) pollSucceeded() {
	c.mu.Lock()
	restored := c.unavailable
	c.pollFailures = 0
	c.unavailable = false
	c.mu.Unlock()

	if restored {
		c.logger.Info().Msg("sync restored")
	}
}
