package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// ErrWorkerUnreachable is returned when routeTo targets a worker whose
// connection is gone or whose send buffer is full.
var ErrWorkerUnreachable = errors.New("transport: worker unreachable")

// SendBufferSize bounds the per-connection outbound queue, matching the
// buffered-channel-plus-sender-goroutine pattern used for every connection.
const SendBufferSize = 256

// Handlers is implemented by the orchestrator side to react to frames
// arriving from workers. Handler methods must not block.
type Handlers interface {
	// OnRegister assigns a worker id for hostname. Called once per
	// connection, before any other frame is accepted.
	OnRegister(hostname string) (workerID int64, err error)
	OnWorkerStatus(msg WorkerStatus)
	OnDeploymentStatus(msg DeploymentStatus)
	OnReplicaRemoved(msg ReplicaRemoved)
	// OnDisconnect fires when a worker's connection is lost, for any reason.
	OnDisconnect(workerID int64)
}

// handle is one live worker connection: an ordered outbound queue drained by
// a dedicated sender goroutine, so a slow write to one worker never blocks
// delivery to any other.
type handle struct {
	workerID int64
	conn     *websocket.Conn
	sendCh   chan Envelope
	closeMu  sync.Once
}

func (h *handle) startSender() {
	for env := range h.sendCh {
		b, err := json.Marshal(env)
		if err != nil {
			log.Printf("transport: marshal outbound frame for worker %d: %v", h.workerID, err)
			continue
		}
		if err := h.conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Printf("transport: send to worker %d: %v", h.workerID, err)
		}
	}
}

func (h *handle) close() {
	h.closeMu.Do(func() {
		close(h.sendCh)
		h.conn.Close()
	})
}

// Hub accepts worker WebSocket connections and routes messages both ways.
// It is the orchestrator-side counterpart to Client.
type Hub struct {
	handlers Handlers
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	conns map[int64]*handle
}

// NewHub returns a Hub dispatching to handlers.
func NewHub(handlers Handlers) *Hub {
	return &Hub{
		handlers: handlers,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[int64]*handle),
	}
}

// ServeHTTP upgrades the request to a WebSocket and runs the connection's
// read loop until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("transport: upgrade failed: %v", err)
		return
	}

	workerID, ok := h.awaitRegistration(conn)
	if !ok {
		conn.Close()
		return
	}

	hd := &handle{workerID: workerID, conn: conn, sendCh: make(chan Envelope, SendBufferSize)}
	h.mu.Lock()
	if old, exists := h.conns[workerID]; exists {
		old.close()
	}
	h.conns[workerID] = hd
	h.mu.Unlock()

	go hd.startSender()

	h.readLoop(hd)
}

func (h *Hub) awaitRegistration(conn *websocket.Conn) (int64, bool) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		log.Printf("transport: read registration frame: %v", err)
		return 0, false
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != TypeRegisterWorker {
		log.Printf("transport: first frame was not registerWorker: %v", err)
		return 0, false
	}

	var reg RegisterWorker
	if err := json.Unmarshal(env.Payload, &reg); err != nil {
		log.Printf("transport: decode registerWorker: %v", err)
		return 0, false
	}

	workerID, err := h.handlers.OnRegister(reg.Hostname)
	if err != nil {
		log.Printf("transport: register %s: %v", reg.Hostname, err)
		return 0, false
	}

	ack, _ := json.Marshal(WorkerRegistered{ID: workerID})
	if err := conn.WriteMessage(websocket.TextMessage, mustEnvelope(TypeWorkerRegistered, ack)); err != nil {
		log.Printf("transport: send workerRegistered: %v", err)
		return 0, false
	}

	return workerID, true
}

func (h *Hub) readLoop(hd *handle) {
	defer func() {
		h.mu.Lock()
		if cur, ok := h.conns[hd.workerID]; ok && cur == hd {
			delete(h.conns, hd.workerID)
		}
		h.mu.Unlock()
		hd.close()
		h.handlers.OnDisconnect(hd.workerID)
	}()

	for {
		_, raw, err := hd.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			log.Printf("transport: malformed frame from worker %d: %v", hd.workerID, err)
			continue
		}

		switch env.Type {
		case TypeWorkerStatus:
			var msg WorkerStatus
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode workerStatus: %v", err)
				continue
			}
			h.handlers.OnWorkerStatus(msg)
		case TypeDeploymentStatus:
			var msg DeploymentStatus
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode deploymentStatus: %v", err)
				continue
			}
			h.handlers.OnDeploymentStatus(msg)
		case TypeReplicaRemoved:
			var msg ReplicaRemoved
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				log.Printf("transport: decode replicaRemoved: %v", err)
				continue
			}
			h.handlers.OnReplicaRemoved(msg)
		default:
			log.Printf("transport: unrecognized frame type %q from worker %d", env.Type, hd.workerID)
		}
	}
}

// RouteTo enqueues payload for delivery to workerID, tagged as msgType. The
// send is non-blocking: a full buffer or a missing connection both surface
// as ErrWorkerUnreachable.
func (h *Hub) RouteTo(workerID int64, msgType Type, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s: %w", msgType, err)
	}

	h.mu.RLock()
	hd, ok := h.conns[workerID]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: worker %d has no live connection", ErrWorkerUnreachable, workerID)
	}

	select {
	case hd.sendCh <- Envelope{Type: msgType, Payload: b}:
		return nil
	default:
		return fmt.Errorf("%w: worker %d send buffer full", ErrWorkerUnreachable, workerID)
	}
}

// Connected reports whether workerID currently has a live connection.
func (h *Hub) Connected(workerID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[workerID]
	return ok
}

func mustEnvelope(t Type, payload json.RawMessage) []byte {
	b, err := json.Marshal(Envelope{Type: t, Payload: payload})
	if err != nil {
		// payload is always a prior json.Marshal result; this cannot fail.
		panic(err)
	}
	return b
}
