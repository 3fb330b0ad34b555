package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ClientHandlers is implemented by the worker agent to react to frames
// arriving from the orchestrator.
type ClientHandlers interface {
	OnRegistered(workerID int64)
	OnDeployRepository(msg DeployRepository)
	OnRemoveReplica(msg RemoveReplica)
	OnError(msg ErrorMessage)
}

// ClientConfig configures Client.
type ClientConfig struct {
	ServerURL      string
	Hostname       string
	CurrentUser    string
	Reconnect      bool
	ReconnectDelay time.Duration
	Handlers       ClientHandlers
}

// Client is the worker-side counterpart to Hub: a persistent WebSocket
// connection that re-registers on every (re)connect and auto-reconnects on
// disconnect.
type Client struct {
	config ClientConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	workerID  int64

	reconnectMu   sync.Mutex
	stopReconnect chan struct{}
}

// NewClient returns a Client. Call Connect to establish the first connection.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:        cfg,
		ctx:           ctx,
		cancel:        cancel,
		stopReconnect: make(chan struct{}),
	}
}

// Connect dials the orchestrator, sends registerWorker, and starts the
// receive loop in the background.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return fmt.Errorf("transport: client already connected")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(c.ctx, c.config.ServerURL, nil)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.config.ServerURL, err)
	}

	reg := RegisterWorker{
		Hostname:    c.config.Hostname,
		StartTime:   time.Now(),
		CurrentUser: c.config.CurrentUser,
	}
	payload, err := json.Marshal(reg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("transport: marshal registerWorker: %w", err)
	}
	if err := conn.WriteJSON(Envelope{Type: TypeRegisterWorker, Payload: payload}); err != nil {
		conn.Close()
		return fmt.Errorf("transport: send registerWorker: %w", err)
	}

	c.conn = conn
	c.connected = true

	log.Printf("transport: connected to %s", c.config.ServerURL)

	go c.handleMessages()

	return nil
}

func (c *Client) handleMessages() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		if c.config.Reconnect {
			go c.reconnectLoop()
		}
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if err == io.EOF {
				log.Printf("transport: orchestrator closed the connection")
			} else {
				log.Printf("transport: read error: %v", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("transport: malformed frame: %v", err)
			continue
		}

		switch env.Type {
		case TypeWorkerRegistered:
			var msg WorkerRegistered
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode workerRegistered: %v", err)
				continue
			}
			c.mu.Lock()
			c.workerID = msg.ID
			c.mu.Unlock()
			c.config.Handlers.OnRegistered(msg.ID)
		case TypeDeployRepository:
			var msg DeployRepository
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode deployRepository: %v", err)
				continue
			}
			c.config.Handlers.OnDeployRepository(msg)
		case TypeRemoveReplica:
			var msg RemoveReplica
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode removeReplica: %v", err)
				continue
			}
			c.config.Handlers.OnRemoveReplica(msg)
		case TypeError:
			var msg ErrorMessage
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode error message: %v", err)
				continue
			}
			c.config.Handlers.OnError(msg)
		default:
			log.Printf("transport: unrecognized frame type %q", env.Type)
		}
	}
}

func (c *Client) reconnectLoop() {
	c.reconnectMu.Lock()
	defer c.reconnectMu.Unlock()

	log.Printf("transport: starting reconnection loop")

	ticker := time.NewTicker(c.config.ReconnectDelay)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopReconnect:
			return
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			connected := c.connected
			c.mu.RUnlock()
			if connected {
				return
			}

			c.closeConn()
			if err := c.Connect(); err != nil {
				log.Printf("transport: reconnect failed: %v", err)
				continue
			}
			log.Printf("transport: reconnected")
			return
		}
	}
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
}

// Disconnect stops reconnection attempts and closes the connection.
func (c *Client) Disconnect() {
	select {
	case <-c.stopReconnect:
	default:
		close(c.stopReconnect)
	}
	c.cancel()
	c.closeConn()
}

// IsConnected reports whether the client currently has a live connection.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Send delivers payload tagged as msgType to the orchestrator.
func (c *Client) Send(msgType Type, payload any) error {
	c.mu.RLock()
	conn := c.conn
	connected := c.connected
	c.mu.RUnlock()

	if !connected || conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", msgType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("transport: not connected")
	}
	return c.conn.WriteJSON(Envelope{Type: msgType, Payload: b})
}
