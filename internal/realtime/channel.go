package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nmtri/vichat/internal/bus"
	"github.com/nmtri/vichat/internal/credential"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 25 * time.Second

	// Max inbound frame size.
	readLimit = 65536

	sendQueueSize = 64
	maxBackoff    = 30 * time.Second
)

// ErrChannelClosed is returned by Emit after Close.
var ErrChannelClosed = errors.New("realtime channel closed")

// frame is the wire envelope for both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Channel is the realtime control/push connection. Inbound frames are
// decoded and republished on the bus as "rt.<event>" with the raw JSON
// payload; consumers decode their own shapes. Outbound emits are
// fire-and-forget enqueues drained by the write pump.
//
// A read failure publishes "rt.disconnected" and starts passive
// reconnection with capped exponential backoff; state held by the sync
// and call clients survives the gap.
type Channel struct {
	url    string
	creds  credential.Provider
	bus    *bus.Bus
	logger *zap.Logger
	peerID string

	sendQ     chan frame
	done      chan struct{}
	closeOnce sync.Once
	backoff0  time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// New creates a channel for the given websocket URL. A fresh signaling
// peer id is minted per channel lifetime.
func New(wsURL string, creds credential.Provider, b *bus.Bus, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		url:      wsURL,
		creds:    creds,
		bus:      b,
		logger:   logger,
		peerID:   uuid.NewString(),
		sendQ:    make(chan frame, sendQueueSize),
		done:     make(chan struct{}),
		backoff0: time.Second,
	}
}

// PeerID returns the local signaling peer identifier.
func (c *Channel) PeerID() string {
	return c.peerID
}

// Connect dials the channel and starts the pump/reconnect loop. A missing
// credential is a hard stop: there is no anonymous mode.
func (c *Channel) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	c.bus.Publish(bus.E("rt.connected", nil))
	go c.run(ctx)
	return nil
}

// Emit enqueues an outbound frame. It never blocks: a full queue drops the
// frame with an error the caller may log.
func (c *Channel) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}
	select {
	case c.sendQ <- frame{Event: event, Data: data}:
		return nil
	default:
		return fmt.Errorf("send queue full, dropped %s", event)
	}
}

// Close stops the pumps and the reconnect loop.
func (c *Channel) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.mu.Unlock()
	})
}

func (c *Channel) dial(ctx context.Context) error {
	token, err := c.creds.Token()
	if err != nil {
		return err
	}

	u := c.url
	if parsed, perr := url.Parse(u); perr == nil {
		q := parsed.Query()
		q.Set("token", token)
		q.Set("peer_id", c.peerID)
		parsed.RawQuery = q.Encode()
		u = parsed.String()
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial channel: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Register the local signaling peer before anything else.
	_ = c.Emit("register_peer", map[string]string{"peer_id": c.peerID})
	return nil
}

// run owns one connection at a time: pumps until the reader dies, then
// reconnects with backoff until success, Close or ctx cancellation.
func (c *Channel) run(ctx context.Context) {
	backoff := c.backoff0
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		connDone := make(chan struct{})
		go c.writePump(conn, connDone)
		err := c.readPump(conn)
		close(connDone)
		_ = conn.Close()

		// Even a deliberate shutdown must not leave consumers believing
		// they are still connected.
		select {
		case <-c.done:
			c.bus.Publish(bus.E("rt.disconnected", nil))
			return
		case <-ctx.Done():
			c.bus.Publish(bus.E("rt.disconnected", nil))
			return
		default:
		}

		c.logger.Warn("channel disconnected", zap.Error(err))
		c.bus.Publish(bus.E("rt.disconnected", nil))

		for {
			select {
			case <-time.After(backoff):
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
			if err := c.dial(ctx); err != nil {
				c.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			backoff = c.backoff0
			c.bus.Publish(bus.E("rt.connected", nil))
			break
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(readLimit)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		if f.Event == "" {
			continue
		}
		c.bus.Publish(bus.E("rt."+f.Event, f.Data))
	}
}

func (c *Channel) writePump(conn *websocket.Conn, connDone chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f := <-c.sendQ:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-connDone:
			return
		}
	}
}
