// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/olivere/servicequeue"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// connection is a middleman between the websocket connection and the
// manager's update hub.
type connection struct {
	// The websocket connection.
	ws *websocket.Conn
	// Buffered channel of outbound messages.
	send chan []byte
	m    *servicequeue.Manager

	mu      sync.Mutex // guards subs
	subs    map[string]func()
	closing chan struct{}
}

// clientMessage is what peers send us.
type clientMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic"`
}

// readPump pumps messages from the websocket connection to the hub.
func (c *connection) readPump() {
	defer func() {
		c.cancelSubscriptions()
		close(c.closing)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error { c.ws.SetReadDeadline(time.Now().Add(pongWait)); return nil })
	for {
		var msg clientMessage
		err := c.ws.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("%v", err)
			}
			break
		}
		switch msg.Action {
		case "subscribe":
			topic := msg.Topic
			if topic == "" {
				topic = servicequeue.GlobalTopic
			}
			c.subscribe(topic)
			c.sendJSON(map[string]interface{}{
				"type":  "subscription_confirmed",
				"topic": topic,
			})
		case "ping":
			c.sendJSON(map[string]interface{}{
				"type":      "pong",
				"timestamp": time.Now().Unix(),
			})
		default:
			c.sendJSON(map[string]interface{}{
				"type":    "error",
				"message": "unknown action",
			})
		}
	}
}

// subscribe attaches the connection to a topic of the manager's hub.
// Subscribing twice to the same topic is a no-op.
func (c *connection) subscribe(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, found := c.subs[topic]; found {
		return
	}
	updates, cancel := c.m.Subscribe(topic)
	c.subs[topic] = cancel
	go func() {
		for {
			select {
			case u, ok := <-updates:
				if !ok {
					return
				}
				v, err := json.Marshal(u)
				if err != nil {
					log.Printf("%v", err)
					continue
				}
				select {
				case c.send <- v:
				default:
					// Slow consumer; the snapshot endpoint is the backstop.
				}
			case <-c.closing:
				return
			}
		}
	}()
}

func (c *connection) cancelSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, cancel := range c.subs {
		cancel()
		delete(c.subs, topic)
	}
}

func (c *connection) sendJSON(v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

// write writes a message with the given message type and payload.
func (c *connection) write(mt int, payload []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(mt, payload)
}

// writePump pumps messages from the hub to the websocket connection.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				c.write(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		case <-c.closing:
			c.write(websocket.CloseMessage, []byte{})
			return
		}
	}
}

type wsserver struct {
	m *servicequeue.Manager
}

// ServeHTTP handles websocket requests from the peer.
func (srv wsserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("%v", err)
		return
	}
	c := &connection{
		send:    make(chan []byte, 256),
		ws:      ws,
		m:       srv.m,
		subs:    make(map[string]func()),
		closing: make(chan struct{}),
	}
	go c.writePump()
	c.sendJSON(map[string]interface{}{
		"type":      "connection_established",
		"timestamp": time.Now().Unix(),
	})
	c.readPump()
}
