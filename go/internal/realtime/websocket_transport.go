package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Xodls128/partyboom/go/internal/syncerr"
)

// WebSocketConfig holds configuration for push websocket connections
type WebSocketConfig struct {
	BaseURL          string // ws:// or wss:// origin, no trailing path
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
	MaxMessageSize   int64
	ReadBufferSize   int
	WriteBufferSize  int
}

// DefaultWebSocketConfig returns default websocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		BaseURL:          "ws://localhost:8000",
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     30 * time.Second,
		MaxMessageSize:   64 * 1024,
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
	}
}

// PathFunc maps an entity to its websocket path. Returning an error marks
// the entity as not served by push.
type PathFunc func(key EntityKey) (string, error)

// WebSocketDialer opens one websocket per entity. The access token goes in
// the handshake's Authorization header; a 401 handshake renews it and
// retries once.
type WebSocketDialer struct {
	config WebSocketConfig
	auth   Authorizer
	path   PathFunc
	dialer *websocket.Dialer
	logger zerolog.Logger
}

// NewWebSocketDialer creates a dialer. auth may be nil for anonymous
// connections.
func NewWebSocketDialer(config WebSocketConfig, auth Authorizer, path PathFunc) *WebSocketDialer {
	return &WebSocketDialer{
		config: config,
		auth:   auth,
		path:   path,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			ReadBufferSize:   config.ReadBufferSize,
			WriteBufferSize:  config.WriteBufferSize,
		},
		logger: log.Logger.With().Str("component", "websocket_dialer").Logger(),
	}
}

// SetLogger replaces the default component logger.
func (d *WebSocketDialer) SetLogger(logger zerolog.Logger) {
	d.logger = logger
}

// Dial implements PushDialer.
func (d *WebSocketDialer) Dial(ctx context.Context, key EntityKey) (PushConn, error) {
	path, err := d.path(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPushUnsupported, err)
	}
	target := strings.TrimRight(d.config.BaseURL, "/") + path

	conn, resp, used, err := d.handshake(ctx, target)
	if err != nil && isStatus(resp, http.StatusUnauthorized) && d.auth != nil {
		d.logger.Debug().Str("path", path).Msg("handshake rejected, renewing credentials")
		if _, rerr := d.auth.RenewIfCurrent(ctx, used); rerr != nil {
			return nil, fmt.Errorf("renew credentials for %s: %w", path, rerr)
		}
		conn, resp, _, err = d.handshake(ctx, target)
	}
	if err != nil {
		switch {
		case isStatus(resp, http.StatusNotFound):
			return nil, fmt.Errorf("%w: %s not served", ErrPushUnsupported, path)
		case resp != nil && resp.StatusCode >= 400:
			return nil, &syncerr.StatusError{StatusCode: resp.StatusCode, Path: path, Detail: "websocket handshake"}
		default:
			return nil, fmt.Errorf("%w: dial %s: %w", syncerr.ErrNetwork, path, err)
		}
	}

	d.logger.Info().Str("entity", key.String()).Str("path", path).Msg("websocket connection established")
	return newWebSocketConn(conn, d.config, d.logger.With().Str("entity", key.String()).Logger()), nil
}

func (d *WebSocketDialer) handshake(ctx context.Context, target string) (*websocket.Conn, *http.Response, string, error) {
	header := http.Header{}
	var used string
	if d.auth != nil {
		if access, ok := d.auth.AccessToken(); ok {
			used = access
			header.Set("Authorization", "Bearer "+access)
		}
	}
	conn, resp, err := d.dialer.DialContext(ctx, target, header)
	return conn, resp, used, err
}

func isStatus(resp *http.Response, code int) bool {
	return resp != nil && resp.StatusCode == code
}

// websocketConn pumps frames from one websocket into Next.
type websocketConn struct {
	conn   *websocket.Conn
	config WebSocketConfig
	logger zerolog.Logger

	msgs      chan []byte
	done      chan struct{}
	readErr   error // set before msgs is closed
	closeOnce sync.Once
}

func newWebSocketConn(conn *websocket.Conn, config WebSocketConfig, logger zerolog.Logger) *websocketConn {
	c := &websocketConn{
		conn:   conn,
		config: config,
		logger: logger,
		msgs:   make(chan []byte, 16),
		done:   make(chan struct{}),
	}
	go c.readPump()
	if config.PingInterval > 0 {
		go c.pingPump()
	}
	return c
}

// readPump handles reading messages from the websocket connection
func (c *websocketConn) readPump() {
	defer close(c.msgs)

	if c.config.MaxMessageSize > 0 {
		c.conn.SetReadLimit(c.config.MaxMessageSize)
	}
	c.extendReadDeadline()
	c.conn.SetPongHandler(func(string) error {
		c.extendReadDeadline()
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("unexpected websocket close")
			}
			c.readErr = err
			return
		}
		c.extendReadDeadline()

		select {
		case c.msgs <- message:
		case <-c.done:
			return
		}
	}
}

// pingPump keeps the connection alive
func (c *websocketConn) pingPump() {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.config.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("failed to send ping")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *websocketConn) extendReadDeadline() {
	if c.config.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	}
}

// Next implements PushConn. Frames that do not parse as deltas are logged
// and skipped.
func (c *websocketConn) Next(ctx context.Context) (Delta, error) {
	for {
		select {
		case <-ctx.Done():
			return Delta{}, ctx.Err()
		case message, ok := <-c.msgs:
			if !ok {
				err := c.readErr
				if err == nil {
					err = errors.New("connection closed")
				}
				return Delta{}, fmt.Errorf("%w: websocket: %w", syncerr.ErrNetwork, err)
			}
			d, err := ParseDelta(message)
			if err != nil {
				c.logger.Warn().Err(err).Msg("skipping malformed push message")
				continue
			}
			return d, nil
		}
	}
}

// Close implements PushConn. It is safe to call more than once.
func (c *websocketConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(c.config.WriteTimeout)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}
