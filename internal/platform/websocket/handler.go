package websocket

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second
	readLimit  = 4096
	sendBuffer = 256
)

var upgrader = gorillawebsocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// Handler upgrades HTTP connections and runs the per-client pumps.
type Handler struct {
	hub *Hub
	log zerolog.Logger
}

func NewHandler(hub *Hub, log zerolog.Logger) *Handler {
	return &Handler{hub: hub, log: log.With().Str("component", "websocket").Logger()}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.Connect)
}

// Connect upgrades the request and starts the read and write pumps. Initial
// topics come from the comma-separated topics query parameter; clients that
// name none get the firehose and can adjust with subscribe and unsubscribe
// messages.
func (h *Handler) Connect(c echo.Context) error {
	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := &Client{
		ID:   uuid.New().String(),
		Send: make(chan []byte, sendBuffer),
		conn: ws,
	}
	h.hub.Register(client, initialTopics(c.QueryParam("topics")))
	h.log.Debug().Str("client_id", client.ID).Msg("client connected")

	go h.writePump(client)
	go h.readPump(client)
	return nil
}

func initialTopics(raw string) []string {
	topics := make([]string, 0, 4)
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			topics = append(topics, part)
		}
	}
	if len(topics) == 0 {
		return []string{TopicAll}
	}
	return topics
}

func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.Unregister(client)
		client.conn.Close()
		h.log.Debug().Str("client_id", client.ID).Msg("client disconnected")
	}()

	client.conn.SetReadLimit(readLimit)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		h.hub.HandleMessage(client, msg)
	}
}

func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(gorillawebsocket.CloseMessage, nil)
				return
			}
			if err := client.conn.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
