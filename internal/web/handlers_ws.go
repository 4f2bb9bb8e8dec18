package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"ccu-hap-bridge/internal/events"
)

// typeSnapshot is the first message on every stream. It carries the cached
// state of all published accessories.
const typeSnapshot = "snapshot"

// streamTypes are the message types a client may select with ?types=.
var streamTypes = map[string]bool{
	typeSnapshot:              true,
	events.TypeValue:          true,
	events.TypeCharacteristic: true,
	events.TypeAccessory:      true,
}

// wsMessage is the envelope of every frame sent on /ws.
//
//	snapshot        data: []accessoryView
//	value           data: {"datapoint": "BidCos-RF.KEQ0123456:1.STATE", "value": true}
//	characteristic  data: {"address": ..., "characteristic": ..., "value": ...}
//	accessory       data: {"action": "published"|"removed", "address": ..., "service": ...}
type wsMessage struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

type datapointValue struct {
	Datapoint string `json:"datapoint"`
	Value     any    `json:"value"`
}

// messageFromEvent shapes a bus event into its wire form. Characteristic and
// accessory payloads already carry their own addresses, so only value events
// need the source folded into the data.
func messageFromEvent(e events.Event) wsMessage {
	m := wsMessage{Type: e.Type, Time: e.Time, Data: e.Data}
	if e.Type == events.TypeValue {
		m.Data = datapointValue{Datapoint: e.Source, Value: e.Data}
	}
	return m
}

// parseStreamTypes reads the comma separated ?types= filter. An empty filter
// selects every type.
func parseStreamTypes(raw string) (map[string]bool, error) {
	if raw == "" {
		return nil, nil
	}
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if !streamTypes[t] {
			return nil, fmt.Errorf("unknown stream type %q", t)
		}
		types[t] = true
	}
	return types, nil
}

type wsClient struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool // nil: all
}

func (c *wsClient) wants(typ string) bool {
	return c.types == nil || c.types[typ]
}

// WSHub fans bridge events out to the connected stream clients.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run delivers queued messages until Stop is called.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("stream client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("stream client disconnected", "total", total)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// deliver encodes msg once and queues it for every client that selected its
// type. A client whose queue is full is dropped; it reconnects and resyncs
// from the snapshot.
func (h *WSHub) deliver(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("encode stream message", "type", msg.Type, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(msg.Type) {
			continue
		}
		select {
		case client.send <- data:
		default:
			h.dropLocked(client)
			h.logger.Warn("stream client evicted", "type", msg.Type)
		}
	}
}

// dropLocked removes a registered client and closes its queue. h.mu must
// be held.
func (h *WSHub) dropLocked(client *wsClient) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Publish queues a bus event for the stream. Events are dropped while the
// queue is full.
func (h *WSHub) Publish(e events.Event) {
	select {
	case h.broadcast <- messageFromEvent(e):
	default:
		h.logger.Warn("stream queue full, dropping event", "type", e.Type, "source", e.Source)
	}
}

// snapshot renders the cached state of every published accessory.
func (s *Server) snapshot(ctx context.Context) ([]byte, error) {
	accs := s.bridge.Accessories()
	views := make([]accessoryView, 0, len(accs))
	for _, a := range accs {
		views = append(views, viewAccessory(ctx, a, false))
	}
	return json.Marshal(wsMessage{Type: typeSnapshot, Time: time.Now(), Data: views})
}

// handleWS streams bridge events. The client is registered before the
// snapshot is taken so no change between the two is lost; events queued in
// the meantime follow the snapshot.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	types, err := parseStreamTypes(r.URL.Query().Get("types"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &wsClient{
		conn:  conn,
		send:  make(chan []byte, 64),
		types: types,
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	if client.wants(typeSnapshot) {
		if err := s.writeSnapshot(r.Context(), client); err != nil {
			s.logger.Debug("ws snapshot", "err", err)
			s.releaseClient(client)
			return
		}
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) writeSnapshot(ctx context.Context, client *wsClient) error {
	data, err := s.snapshot(ctx)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.conn.Write(ctx, websocket.MessageText, data)
}

// releaseClient unregisters a client and closes its connection.
func (s *Server) releaseClient(client *wsClient) {
	select {
	case s.wsHub.unregister <- client:
	case <-s.wsHub.done:
	}
	client.conn.Close(websocket.StatusGoingAway, "")
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Queue closed by the hub.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer s.releaseClient(client)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The stream is one way; incoming frames are read only to notice the
	// client going away.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
