package report

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second

	pongWait = 60 * time.Second

	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 512
	maxEventSize   = 1 << 20
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Monitor receives reported events over HTTP (and optionally MQTT) and
// broadcasts each one to every connected WebSocket client.
type Monitor struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	mqtt       mqtt.Client
}

type Client struct {
	monitor *Monitor
	conn    *websocket.Conn
	send    chan []byte
}

func NewMonitor() *Monitor {
	return &Monitor{
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
	}
}

// Handler routes POST /message and GET /ws.
func (m *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", m.HandleMessage)
	mux.HandleFunc("GET /ws", m.ServeWS)
	return mux
}

// Run services client registration and broadcasts until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for client := range m.clients {
				delete(m.clients, client)
				close(client.send)
			}
			m.mu.Unlock()
			if m.mqtt != nil {
				m.mqtt.Disconnect(250)
			}
			return

		case client := <-m.register:
			m.mu.Lock()
			m.clients[client] = true
			n := len(m.clients)
			m.mu.Unlock()
			logs.Infof("[WebSocket] Client connected. Total clients: %d", n)

		case client := <-m.unregister:
			m.mu.Lock()
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.send)
			}
			n := len(m.clients)
			m.mu.Unlock()
			logs.Infof("[WebSocket] Client disconnected. Total clients: %d", n)

		case message := <-m.broadcast:
			m.mu.Lock()
			for client := range m.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(m.clients, client)
				}
			}
			m.mu.Unlock()
		}
	}
}

// Publish queues a raw event body for broadcast. It never blocks.
func (m *Monitor) Publish(body []byte) bool {
	select {
	case m.broadcast <- body:
		return true
	default:
		logs.Warnf("[Monitor] Broadcast channel full, dropping message")
		return false
	}
}

// HandleMessage validates a reported event and broadcasts the body as-is.
func (m *Monitor) HandleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventSize))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	ev, err := ParseEvent(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logs.Debugf("[Monitor] %s %s -> %s: %s", ev.Type, ev.FromNode, ev.ToNode, ev.Message)
	if !m.Publish(body) {
		http.Error(w, "monitor busy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// SubscribeMQTT relays events published by MQTTReporters on topic.
func (m *Monitor) SubscribeMQTT(brokerURL, topic string) error {
	if topic == "" {
		topic = DefaultTopic
	}
	c, err := connectMQTT(brokerURL, "dps-monitor")
	if err != nil {
		return err
	}
	token := c.Subscribe(topic, 0, m.handleMQTTMessage)
	token.Wait()
	if err := token.Error(); err != nil {
		c.Disconnect(250)
		return err
	}
	m.mqtt = c
	logs.Infof("[Monitor] Subscribed to MQTT topic: %s", topic)
	return nil
}

func (m *Monitor) handleMQTTMessage(_ mqtt.Client, msg mqtt.Message) {
	if _, err := ParseEvent(msg.Payload()); err != nil {
		logs.Warnf("[Monitor] Failed to parse MQTT message: %v", err)
		return
	}
	m.Publish(msg.Payload())
}

func (m *Monitor) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Warnf("[WebSocket] Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		monitor: m,
		conn:    conn,
		send:    make(chan []byte, 256),
	}
	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (m *Monitor) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// readPump only drains control frames; clients never send events.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.monitor.unregister <- c:
		case <-c.monitor.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logs.Warnf("[WebSocket] Error reading message: %v", err)
			}
			return
		}
	}
}

// writePump sends one text frame per event.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
