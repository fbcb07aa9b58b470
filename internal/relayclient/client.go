// Package relayclient implements the persistent WebSocket connection an
// endpoint keeps open to the relay server.
package relayclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/meshobj/p2p/internal/config"
	"github.com/meshobj/p2p/internal/message"
)

const wsWriteWait = 1 * time.Second

// Client is a single endpoint's connection to the relay server. It satisfies
// internal/webrtcpeer.Signaler.
type Client struct {
	rawURL     string
	self       uuid.UUID
	name       string
	credential string
	cfg        config.Config
	log        *slog.Logger
	dialer     *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	readMu sync.Mutex
}

// New builds a Client for the given relay URL (ws:// or wss://).
// credential is the pre-computed api_key/jwt token value, or empty when
// cfg.AuthMode is config.AuthModeNone.
func New(rawURL string, self uuid.UUID, name, credential string, cfg config.Config, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		rawURL:     rawURL,
		self:       self,
		name:       name,
		credential: credential,
		cfg:        cfg,
		log:        log,
		dialer: &websocket.Dialer{
			TLSClientConfig:  &tls.Config{},
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (c *Client) dialURL() (string, error) {
	u, err := url.Parse(c.rawURL)
	if err != nil {
		return "", fmt.Errorf("relayclient: invalid url: %w", err)
	}
	q := u.Query()
	switch c.cfg.AuthMode {
	case config.AuthModeAPIKey:
		q.Set("apiKey", c.credential)
	case config.AuthModeJWT:
		q.Set("token", c.credential)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect ensures the relay connection is open and registered, retrying
// transient transport failures with exponential backoff until one succeeds
// or ctx is cancelled. It is idempotent: a no-op when already connected.
// Permanent failures (bad credentials, an explicit rejection, a garbled
// response) return immediately without retrying.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	b := &backoff.Backoff{Min: c.cfg.BackoffInitial, Max: c.cfg.BackoffMax}
	for {
		conn, err := c.dialAndRegister(ctx)
		if err == nil {
			c.mu.Lock()
			c.conn = conn
			c.mu.Unlock()
			return nil
		}

		var regErr *RegistrationError
		if !errors.As(err, &regErr) || !regErr.retryable() {
			return err
		}

		c.log.Warn("relay registration failed, retrying", "err", err, "attempt", b.Attempt())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
}

func (c *Client) dialAndRegister(ctx context.Context) (*websocket.Conn, error) {
	dialURL, err := c.dialURL()
	if err != nil {
		return nil, err
	}

	conn, resp, err := c.dialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		if resp != nil {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
			return nil, &RegistrationError{
				Reason:    "dial",
				Err:       fmt.Errorf("relay rejected handshake with status %d: %w", resp.StatusCode, err),
				Permanent: true,
			}
		}
		return nil, &RegistrationError{Reason: "dial", Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err := c.register(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) register(conn *websocket.Conn) error {
	payload, err := message.Encode(message.Message{
		Type:               message.TypeServerRegistration,
		ServerRegistration: &message.ServerRegistration{Name: c.name, UUID: c.self},
	})
	if err != nil {
		return &RegistrationError{Reason: "encode", Err: err, Permanent: true}
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &RegistrationError{Reason: "write", Err: err}
	}

	timeout := c.cfg.RegistrationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return &RegistrationError{Reason: "read response", Err: err}
	}
	resp, err := message.Decode(raw)
	if err != nil {
		return &RegistrationError{Reason: "decode response", Err: err, Permanent: true}
	}
	if resp.Type != message.TypeServerResponse || resp.ServerResponse == nil || !resp.ServerResponse.Success {
		return &RegistrationError{Reason: "rejected", Permanent: true}
	}
	return nil
}

// Send writes m to the relay, connecting first if necessary. Safe for
// concurrent use.
func (c *Client) Send(m message.Message) error {
	if err := c.Connect(context.Background()); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("relayclient: not connected")
	}

	payload, err := message.Encode(m)
	if err != nil {
		return err
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.dropConn(conn)
		return err
	}
	return nil
}

// Recv blocks for the next message from the relay, connecting first if
// necessary, or until ctx is cancelled.
func (c *Client) Recv(ctx context.Context) (message.Message, error) {
	if err := c.Connect(ctx); err != nil {
		return message.Message{}, err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return message.Message{}, errors.New("relayclient: not connected")
	}

	type result struct {
		msg message.Message
		err error
	}
	out := make(chan result, 1)
	go func() {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			out <- result{err: err}
			return
		}
		msg, err := message.Decode(raw)
		out <- result{msg: msg, err: err}
	}()

	select {
	case <-ctx.Done():
		return message.Message{}, ctx.Err()
	case r := <-out:
		if r.err != nil {
			c.dropConn(conn)
		}
		return r.msg, r.err
	}
}

func (c *Client) dropConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

// MaintainConnection keeps Connect retrying with exponential backoff until
// ctx is cancelled, reconnecting whenever the current connection drops. This
// is the optional background auto-reconnect task; callers that only need a
// single connection can call Connect directly instead.
func (c *Client) MaintainConnection(ctx context.Context) {
	b := &backoff.Backoff{Min: c.cfg.BackoffInitial, Max: c.cfg.BackoffMax}
	for {
		if ctx.Err() != nil {
			return
		}

		c.mu.Lock()
		connected := c.conn != nil
		c.mu.Unlock()

		if connected {
			b.Reset()
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := c.Connect(ctx); err != nil {
			c.log.Warn("relay connection failed", "err", err, "attempt", b.Attempt())
			select {
			case <-ctx.Done():
				return
			case <-time.After(b.Duration()):
			}
			continue
		}
		b.Reset()
	}
}

// Close tears down the current connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
