package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// NATSConfig holds configuration for the NATS push transport
type NATSConfig struct {
	URL            string
	SubjectPrefix  string // subjects are <prefix>.<entity_type>.<entity_id>
	Name           string
	ConnectTimeout time.Duration
	BufferSize     int
}

// DefaultNATSConfig returns default NATS configuration
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		SubjectPrefix:  "partyboom.sync",
		Name:           "partysync",
		ConnectTimeout: 5 * time.Second,
		BufferSize:     64,
	}
}

// NATSDialer subscribes to one subject per entity. The client library's own
// reconnect is disabled: a disconnect surfaces as a Next error so the
// channel runs its reconnect policy and resynchronizes.
type NATSDialer struct {
	config NATSConfig
	auth   Authorizer
	logger zerolog.Logger
}

// NewNATSDialer creates a dialer. When auth is set the access token is sent
// as the NATS connect token.
func NewNATSDialer(config NATSConfig, auth Authorizer) *NATSDialer {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultNATSConfig().BufferSize
	}
	return &NATSDialer{
		config: config,
		auth:   auth,
		logger: log.Logger.With().Str("component", "nats_dialer").Logger(),
	}
}

// SetLogger replaces the default component logger.
func (d *NATSDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Subject returns the subject carrying deltas for key.
func (d *NATSDialer) Subject(key EntityKey) string {
	return fmt.Sprintf("%s.%s.%s", d.config.SubjectPrefix, key.Type, key.ID)
}

// Dial implements PushDialer.
func (d *NATSDialer) Dial(ctx context.Context, key EntityKey) (PushConn, error) {
	nc, used, err := d.connect()
	if errors.Is(err, nats.ErrAuthorization) && d.auth != nil {
		d.logger.Debug().Msg("nats authorization violation, renewing credentials")
		if _, rerr := d.auth.RenewIfCurrent(ctx, used); rerr != nil {
			return nil, fmt.Errorf("renew credentials for nats: %w", rerr)
		}
		nc, _, err = d.connect()
	}
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) {
			return nil, fmt.Errorf("%w: nats: %w", syncerr.ErrAuthExpired, err)
		}
		return nil, fmt.Errorf("%w: connect to NATS: %w", syncerr.ErrNetwork, err)
	}
	if ctx.Err() != nil {
		nc.Close()
		return nil, ctx.Err()
	}

	subject := d.Subject(key)
	msgs := make(chan *nats.Msg, d.config.BufferSize)
	status := nc.StatusChanged(nats.DISCONNECTED, nats.CLOSED)
	sub, err := nc.ChanSubscribe(subject, msgs)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %w", syncerr.ErrNetwork, subject, err)
	}

	d.logger.Info().Str("subject", subject).Str("url", nc.ConnectedUrl()).Msg("nats subscription established")
	return &natsConn{
		nc:     nc,
		sub:    sub,
		msgs:   msgs,
		status: status,
		logger: d.logger.With().Str("subject", subject).Logger(),
	}, nil
}

func (d *NATSDialer) connect() (*nats.Conn, string, error) {
	var used string
	opts := []nats.Option{
		nats.Name(d.config.Name),
		nats.Timeout(d.config.ConnectTimeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			d.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			d.logger.Error().Err(err).Msg("NATS error")
		}),
	}
	if d.auth != nil {
		if access, ok := d.auth.AccessToken(); ok {
			used = access
			opts = append(opts, nats.Token(access))
		}
	}

	nc, err := nats.Connect(d.config.URL, opts...)
	return nc, used, err
}

type natsConn struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	msgs   chan *nats.Msg
	status chan nats.Status
	logger zerolog.Logger

	closeOnce sync.Once
}

// Next implements PushConn.
func (c *natsConn) Next(ctx context.Context) (Delta, error) {
	for {
		select {
		case <-ctx.Done():
			return Delta{}, ctx.Err()
		case st := <-c.status:
			return Delta{}, fmt.Errorf("%w: nats connection %s", syncerr.ErrNetwork, st)
		case msg := <-c.msgs:
			d, err := ParseDelta(msg.Data)
			if err != nil {
				c.logger.Warn().Err(err).Msg("skipping malformed push message")
				continue
			}
			return d, nil
		}
	}
}

// Close implements PushConn.
func (c *natsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if uerr := c.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) {
			err = uerr
		}
		c.nc.Close()
	})
	return err
}
