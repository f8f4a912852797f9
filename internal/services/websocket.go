package services

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for development
	},
}

// Client represents a WebSocket client identified by phone number.
type Client struct {
	Phone    string
	UserType string // "client" or "driver"
	Conn     *websocket.Conn
	Send     chan []byte
	Hub      *Hub
}

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mutex      sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte),
	}
}

// Run starts the hub
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			h.mutex.Unlock()
			log.Printf("WebSocket %s %s connected", client.UserType, client.Phone)

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mutex.Unlock()
			log.Printf("WebSocket %s %s disconnected", client.UserType, client.Phone)

		case message := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.clients {
				select {
				case client.Send <- message:
				default:
					close(client.Send)
					delete(h.clients, client)
				}
			}
			h.mutex.RUnlock()
		}
	}
}

// SendToPhone sends a message to every connection held by a phone number.
func (h *Hub) SendToPhone(phone string, message []byte) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for client := range h.clients {
		if client.Phone == phone {
			select {
			case client.Send <- message:
			default:
				close(client.Send)
				delete(h.clients, client)
			}
		}
	}
}

// GetConnectedClients returns the number of connected clients
func (h *Hub) GetConnectedClients() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// WebSocketMessage is the envelope for all hub messages.
type WebSocketMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// RideEvent carries ride lifecycle updates to the client and driver apps.
type RideEvent struct {
	RideID            uint   `json:"ride_id"`
	Status            string `json:"status"`
	NegotiationStatus string `json:"negotiation_status,omitempty"`
	DriverPhone       string `json:"driver_phone,omitempty"`
	ConfirmedPrice    *int   `json:"confirmed_price,omitempty"`
}

// DriverPositionEvent carries live driver position pushes during a ride.
type DriverPositionEvent struct {
	DriverPhone string  `json:"driver_phone"`
	Lat         float64 `json:"lat"`
	Lng         float64 `json:"lng"`
}

// NotifyRideEvent pushes a ride event to both parties of a ride.
func (h *Hub) NotifyRideEvent(clientPhone, driverPhone string, event RideEvent) {
	data, err := json.Marshal(WebSocketMessage{Type: "ride_update", Data: event})
	if err != nil {
		log.Printf("Error marshaling ride event: %v", err)
		return
	}
	if clientPhone != "" {
		h.SendToPhone(clientPhone, data)
	}
	if driverPhone != "" {
		h.SendToPhone(driverPhone, data)
	}
}

// NotifyDriverPosition pushes a driver position update to the ride's client.
func (h *Hub) NotifyDriverPosition(clientPhone string, event DriverPositionEvent) {
	data, err := json.Marshal(WebSocketMessage{Type: "driver_position", Data: event})
	if err != nil {
		log.Printf("Error marshaling position event: %v", err)
		return
	}
	h.SendToPhone(clientPhone, data)
}

// inboundMessage is what connected apps send over the socket. To routes
// a relayed message to another phone's connections.
type inboundMessage struct {
	Type string          `json:"type"`
	To   string          `json:"to,omitempty"`
	Data json.RawMessage `json:"data"`
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func HandleWebSocket(hub *Hub, w http.ResponseWriter, r *http.Request, phone, userType string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &Client{
		Phone:    phone,
		UserType: userType,
		Conn:     conn,
		Send:     make(chan []byte, 256),
		Hub:      hub,
	}

	client.Hub.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump pumps messages from the websocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var in inboundMessage
		if err := json.Unmarshal(message, &in); err != nil {
			log.Printf("Error unmarshaling WebSocket message: %v", err)
			continue
		}

		switch in.Type {
		case "driver_position":
			// A driver streams position to the ride's client.
			if in.To == "" {
				continue
			}
			out, err := json.Marshal(WebSocketMessage{Type: "driver_position", Data: in.Data})
			if err != nil {
				continue
			}
			c.Hub.SendToPhone(in.To, out)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *Client) writePump() {
	defer c.Conn.Close()

	for message := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
}
