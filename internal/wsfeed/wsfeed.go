// Package wsfeed exposes the engine's event bus over a WebSocket, so a
// local UI can chart phases, latency and throughput while a session runs.
// The feed is transport only: all rendering lives outside the engine.
package wsfeed

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/bloat/internal/eventbus"
)

// wireEvent is the JSON frame sent to feed subscribers.
type wireEvent struct {
	Topic   eventbus.Topic `json:"topic"`
	Time    time.Time      `json:"time"`
	Payload any            `json:"payload"`
}

// Feed serves bus events to WebSocket clients.
type Feed struct {
	bus      *eventbus.Bus
	upgrader websocket.Upgrader
}

// New returns a Feed for the given bus.
func New(bus *eventbus.Bus) *Feed {
	return &Feed{
		bus: bus,
		upgrader: websocket.Upgrader{
			// Every origin is accepted, so a browser UI served from a file
			// or another local port can connect. The feed listens on
			// whatever address the caller configures.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request and streams every bus event to the client
// until the client goes away.
func (f *Feed) ServeHTTP(rw http.ResponseWriter, req *http.Request) {
	conn, err := f.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		log.Info("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := f.bus.Subscribe()
	defer sub.Close()

	// Drain client frames so close handshakes are processed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev := <-sub.C:
			err := conn.WriteJSON(wireEvent{
				Topic:   ev.Topic,
				Time:    ev.Time,
				Payload: ev.Payload,
			})
			if err != nil {
				return
			}
		}
	}
}
