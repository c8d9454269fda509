// Package relaytest provides an in-process NIP-01 relay for tests.
package relaytest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Relay stores every accepted event in memory and serves REQ subscriptions.
type Relay struct {
	srv *httptest.Server

	mu       sync.Mutex
	events   []nostr.Event
	clients  map[*client]struct{}
	rejectOK bool
	accepted int
}

type client struct {
	conn *websocket.Conn
	wmu  sync.Mutex
	subs map[string]nostr.Filters
}

func (c *client) send(v ...any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

// New starts a relay; it is shut down automatically by Close.
func New() *Relay {
	r := &Relay{clients: make(map[*client]struct{})}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	return r
}

// URL returns the ws:// address of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

// Close stops the relay and drops all connections.
func (r *Relay) Close() {
	r.mu.Lock()
	for c := range r.clients {
		_ = c.conn.Close()
	}
	r.mu.Unlock()
	r.srv.Close()
}

// DropConnections closes every client connection but keeps accepting new ones.
func (r *Relay) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for c := range r.clients {
		_ = c.conn.Close()
	}
}

// Connections counts the websocket connections accepted so far.
func (r *Relay) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepted
}

// Subscriptions counts the open REQ subscriptions across all clients.
func (r *Relay) Subscriptions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for c := range r.clients {
		n += len(c.subs)
	}
	return n
}

// RejectPublishes makes the relay answer every EVENT with OK=false.
func (r *Relay) RejectPublishes(reject bool) {
	r.mu.Lock()
	r.rejectOK = reject
	r.mu.Unlock()
}

// Events returns a copy of every stored event.
func (r *Relay) Events() []nostr.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]nostr.Event(nil), r.events...)
}

// Store inserts an event directly, bypassing the websocket.
func (r *Relay) Store(evt nostr.Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *Relay) serve(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &client{conn: conn, subs: make(map[string]nostr.Filters)}
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.accepted++
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if err := json.Unmarshal(data, &frame); err != nil || len(frame) < 2 {
			continue
		}
		var label string
		if err := json.Unmarshal(frame[0], &label); err != nil {
			continue
		}
		switch label {
		case "EVENT":
			r.handleEvent(c, frame[1])
		case "REQ":
			r.handleReq(c, frame[1:])
		case "CLOSE":
			var id string
			if json.Unmarshal(frame[1], &id) == nil {
				r.mu.Lock()
				delete(c.subs, id)
				r.mu.Unlock()
			}
		}
	}
}

func (r *Relay) handleEvent(c *client, raw json.RawMessage) {
	var evt nostr.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return
	}
	r.mu.Lock()
	if r.rejectOK {
		r.mu.Unlock()
		c.send("OK", evt.ID, false, "blocked: test relay rejects events")
		return
	}
	r.events = append(r.events, evt)
	type target struct {
		c  *client
		id string
	}
	var targets []target
	for other := range r.clients {
		for id, filters := range other.subs {
			if filters.Match(&evt) {
				targets = append(targets, target{other, id})
			}
		}
	}
	r.mu.Unlock()

	c.send("OK", evt.ID, true, "")
	for _, t := range targets {
		t.c.send("EVENT", t.id, evt)
	}
}

func (r *Relay) handleReq(c *client, args []json.RawMessage) {
	var id string
	if err := json.Unmarshal(args[0], &id); err != nil {
		return
	}
	filters := make(nostr.Filters, 0, len(args)-1)
	for _, raw := range args[1:] {
		var f nostr.Filter
		if err := json.Unmarshal(raw, &f); err != nil {
			continue
		}
		filters = append(filters, f)
	}

	r.mu.Lock()
	c.subs[id] = filters
	var matched []nostr.Event
	for _, evt := range r.events {
		if filters.Match(&evt) {
			matched = append(matched, evt)
		}
	}
	r.mu.Unlock()

	for _, evt := range matched {
		c.send("EVENT", id, evt)
	}
	c.send("EOSE", id)
}
