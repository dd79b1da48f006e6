package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/lanmesh/internal/util"
	"github.com/1ureka/lanmesh/internal/wire"
)

// Client is one relay connection. Connect resolves once the server's
// welcome arrives; every later envelope is handed to the onEnvelope
// callback in receipt order from a single read goroutine.
type Client struct {
	conn       *websocket.Conn
	onEnvelope func(wire.Envelope)

	you          string
	participants []wire.Participant

	writeMu sync.Mutex

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

// Connect dials the relay URL, announces identity, and waits for the
// welcome reply. It never hangs: a connection that closes before welcome,
// a non-welcome first envelope, or ctx cancellation all fail the call.
func Connect(ctx context.Context, url, clientID, displayName string, onEnvelope func(wire.Envelope)) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to connect to %s: %w", url, err)
	}

	c := &Client{
		conn:       conn,
		onEnvelope: onEnvelope,
		done:       make(chan struct{}),
	}

	if err := c.write(wire.Envelope{
		Type:        wire.TypeJoin,
		ClientID:    clientID,
		DisplayName: displayName,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("relay: failed to send join: %w", err)
	}

	// Unblock the welcome read if the caller gives up first.
	welcomed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-welcomed:
		}
	}()

	var welcome wire.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		close(welcomed)
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("relay: connection closed before welcome: %w", err)
	}
	close(welcomed)

	if welcome.Type != wire.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("relay: expected welcome, got %q", welcome.Type)
	}

	c.you = welcome.You
	c.participants = welcome.Participants
	return c, nil
}

// Start launches envelope dispatch. Separate from Connect so the caller
// can finish wiring its handler state (the welcome snapshot is available
// from Participants) before the first envelope is delivered.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
}

// You returns the client id the server acknowledged.
func (c *Client) You() string { return c.you }

// Participants returns the membership snapshot from the welcome: every
// other client joined at that moment.
func (c *Client) Participants() []wire.Participant { return c.participants }

// Done is closed when the connection is gone, however it went.
func (c *Client) Done() <-chan struct{} { return c.done }

// Send writes an envelope to the relay.
func (c *Client) Send(env wire.Envelope) error {
	return c.write(env)
}

// Leave announces departure and closes the connection.
func (c *Client) Leave() {
	if err := c.write(wire.Envelope{Type: wire.TypeLeave}); err != nil {
		util.LogDebug("relay: leave write failed: %v", err)
	}
	c.Close()
}

// Close tears the connection down. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
	})
}

func (c *Client) write(env wire.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(env)
}

// readLoop delivers envelopes until the connection dies, then closes done.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		var env wire.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.Close()
			return
		}
		if err := env.Validate(); err != nil {
			util.LogDebug("relay: dropping envelope: %v", err)
			continue
		}
		if c.onEnvelope != nil {
			c.onEnvelope(env)
		}
	}
}
