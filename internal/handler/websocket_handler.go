// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"loadcell-service/internal/client"
	"loadcell-service/internal/connection"
	"loadcell-service/internal/utils"
)

const (
	clientTypeEvents = "events"

	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// StateSource provides the snapshot sent to newly connected clients
type StateSource interface {
	State() client.ClientState
	ConnectionHealth() connection.HealthSnapshot
}

// WebSocketHandler streams client events to WebSocket subscribers
type WebSocketHandler struct {
	upgrader    websocket.Upgrader
	connections *ConnectionManager
	eventBus    *EventBus
	source      StateSource
	logger      *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(eventBus *EventBus, source StateSource, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}

	return &WebSocketHandler{
		upgrader:    upgrader,
		connections: NewConnectionManager(),
		eventBus:    eventBus,
		source:      source,
		logger:      utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	origins := make(map[string]bool, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			allowAll = true
		}
		origins[origin] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no Origin header.
		return allowAll || origin == "" || origins[origin]
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
	router.GET("/stats", h.GetStats)
}

// Start broadcasts bus events to connected clients until ctx is done,
// then closes every client connection.
func (h *WebSocketHandler) Start(ctx context.Context) {
	events := h.eventBus.Subscribe(
		string(client.EventStateChanged),
		string(client.EventError),
		string(client.EventHealthChanged),
	)

	for {
		select {
		case <-ctx.Done():
			h.connections.Close()
			return
		case event := <-events:
			h.broadcastEvent(event)
		}
	}
}

// HandleEventConnection handles event stream WebSocket connections
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	wsClient := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, 256),
		Type:        clientTypeEvents,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}

	if !h.connections.Register(wsClient) {
		conn.Close()
		return
	}
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", wsClient.ID),
		zap.String("remote_addr", wsClient.RemoteAddr),
	)

	h.sendSnapshot(wsClient, "initial_state")

	go h.handleClientRead(wsClient)
	go h.handleClientWrite(wsClient)
}

// GetStats returns connection statistics
func (h *WebSocketHandler) GetStats(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "WebSocket stats retrieved successfully", h.connections.GetStats())
}

// handleClientRead handles reading messages from WebSocket client
func (h *WebSocketHandler) handleClientRead(wsClient *Client) {
	defer func() {
		h.connections.Unregister(wsClient)
		wsClient.Connection.Close()
		h.logger.Info("Event WebSocket client disconnected", zap.String("client_id", wsClient.ID))
	}()

	wsClient.Connection.SetReadDeadline(time.Now().Add(pongWait))
	wsClient.Connection.SetPongHandler(func(string) error {
		wsClient.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := wsClient.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", wsClient.ID),
				)
			}
			break
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.logger.Warn("Failed to parse WebSocket message",
				zap.Error(err),
				zap.String("client_id", wsClient.ID),
			)
			h.sendError(wsClient, "invalid message")
			continue
		}

		h.handleClientMessage(wsClient, &message)
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(wsClient *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wsClient.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-wsClient.Send:
			wsClient.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wsClient.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := wsClient.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", wsClient.ID),
				)
				return
			}

		case <-ticker.C:
			wsClient.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsClient.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(wsClient *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		topic, ok := topicOf(message)
		if !ok {
			h.sendError(wsClient, "topic is required")
			return
		}
		if message.Type == "subscribe" {
			wsClient.Subscribe(topic)
		} else {
			wsClient.Unsubscribe(topic)
		}
		h.logger.Debug("Client subscription changed",
			zap.String("client_id", wsClient.ID),
			zap.String("action", message.Type),
			zap.String("topic", topic),
		)
		h.sendMessage(wsClient, &WebSocketMessage{
			Type:      message.Type + "_confirmed",
			Data:      map[string]interface{}{"topic": topic},
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	case "get_state":
		h.sendSnapshot(wsClient, "state")
	case "ping":
		h.sendMessage(wsClient, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.logger.Warn("Unknown message type",
			zap.String("type", message.Type),
			zap.String("client_id", wsClient.ID),
		)
		h.sendError(wsClient, "unknown message type: "+message.Type)
	}
}

func topicOf(message *WebSocketMessage) (string, bool) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		return "", false
	}
	topic, ok := data["topic"].(string)
	return topic, ok && topic != ""
}

func (h *WebSocketHandler) sendSnapshot(wsClient *Client, messageType string) {
	h.sendMessage(wsClient, &WebSocketMessage{
		Type: messageType,
		Data: map[string]interface{}{
			"state":  h.source.State(),
			"health": h.source.ConnectionHealth(),
		},
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(wsClient *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	if !h.connections.Send(wsClient, messageBytes) {
		h.logger.Warn("Client unavailable, dropping message",
			zap.String("client_id", wsClient.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(wsClient *Client, errorMsg string) {
	h.sendMessage(wsClient, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// broadcastEvent broadcasts a bus event to every interested event client
func (h *WebSocketHandler) broadcastEvent(event Event) {
	messageBytes, err := json.Marshal(&WebSocketMessage{
		Type:      event.Type,
		Data:      event.Data,
		Timestamp: event.Timestamp,
	})
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.connections.Broadcast(clientTypeEvents, event.Type, messageBytes)
}
