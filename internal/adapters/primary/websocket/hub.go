package websocket

import (
	"log/slog"
	"sync"

	"github.com/crestline/tickethub-backend/internal/core/domain"
	"github.com/crestline/tickethub-backend/internal/core/ports"
)

// Hub maintains the set of active clients and fans ticket events out to
// the room subscribed to each ticket.
type Hub struct {
	// clients is the set of every open connection, roomed or not.
	clients map[*Client]bool

	// rooms maps ticket IDs to the clients watching that ticket.
	rooms map[int64]map[*Client]bool

	// broadcast receives events from the core services.
	broadcast chan domain.Event

	// Register requests from clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	// mu protects the clients and rooms maps.
	mu sync.RWMutex

	// quit stops the event loop. Closed at most once by Stop.
	quit     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[int64]map[*Client]bool),
		broadcast:  make(chan domain.Event, 256),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		quit:       make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
	}
}

// Broadcast queues an event for delivery to the ticket's room. Delivery
// is best effort: a full queue drops the event rather than blocking the
// calling service.
func (h *Hub) Broadcast(event domain.Event) error {
	select {
	case h.broadcast <- event:
		return nil
	default:
		h.logger.Warn("broadcast channel full, dropping event",
			"event_type", event.Type,
			"ticket_id", event.TicketID,
		)
		return nil
	}
}

// Run starts the hub's event loop. This MUST be run as a goroutine. It
// returns after Stop is called, once every remaining client has been
// disconnected.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.registerClient(client)

		case client := <-h.Unregister:
			h.unregisterClient(client)

		case event := <-h.broadcast:
			h.broadcastEvent(event)

		case <-h.quit:
			h.closeAllClients()
			return
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.quit)
	})
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		client.CloseSend()
	}
	h.clients = make(map[*Client]bool)
	h.rooms = make(map[int64]map[*Client]bool)

	h.logger.Info("hub stopped")
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true

	h.logger.Info("client connected",
		"user_id", client.UserID,
		"role", client.Role,
		"total_connections", len(h.clients),
	)
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)

	for _, ticketID := range client.JoinedTickets() {
		h.removeFromRoom(client, ticketID)
	}

	client.CloseSend()

	h.logger.Info("client disconnected", "user_id", client.UserID)
}

// broadcastEvent delivers an event to every client in the ticket's room.
// Clients whose outbound queue is full are kicked rather than allowed to
// stall delivery for the rest of the room.
func (h *Hub) broadcastEvent(event domain.Event) {
	h.mu.RLock()
	room, ok := h.rooms[event.TicketID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	// Copy the member list so sends happen outside the lock.
	members := make([]*Client, 0, len(room))
	for client := range room {
		members = append(members, client)
	}
	h.mu.RUnlock()

	h.logger.Debug("broadcasting event",
		"event_type", event.Type,
		"ticket_id", event.TicketID,
		"client_count", len(members),
	)

	for _, client := range members {
		select {
		case client.Send <- event:
		default:
			h.logger.Warn("client send buffer full, disconnecting",
				"user_id", client.UserID,
				"ticket_id", event.TicketID,
			)
			h.unregisterClient(client)
		}
	}
}

// joinRoom adds a client to a ticket's room, creating the room on first join.
func (h *Hub) joinRoom(client *Client, ticketID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[ticketID] == nil {
		h.rooms[ticketID] = make(map[*Client]bool)
	}
	h.rooms[ticketID][client] = true
	client.recordJoin(ticketID)

	h.logger.Debug("client joined ticket room",
		"user_id", client.UserID,
		"ticket_id", ticketID,
	)
}

// leaveRoom removes a client from a ticket's room.
func (h *Hub) leaveRoom(client *Client, ticketID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeFromRoom(client, ticketID)
	client.recordLeave(ticketID)

	h.logger.Debug("client left ticket room",
		"user_id", client.UserID,
		"ticket_id", ticketID,
	)
}

// removeFromRoom drops empty rooms. Callers must hold h.mu.
func (h *Hub) removeFromRoom(client *Client, ticketID int64) {
	room, ok := h.rooms[ticketID]
	if !ok {
		return
	}
	delete(room, client)
	if len(room) == 0 {
		delete(h.rooms, ticketID)
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of tickets with at least one watcher.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// RoomSize returns the number of clients watching a ticket.
func (h *Hub) RoomSize(ticketID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[ticketID])
}
