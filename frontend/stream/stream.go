// Package stream serves sync progress events to websocket listeners. Clients
// subscribe with glob patterns over queue names and receive msgpack frames as
// the master driver reports progress.
package stream

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/channels"
	"github.com/gobwas/glob"
	"github.com/gorilla/websocket"
	msgpack "github.com/vmihailenco/msgpack"

	"github.com/mirrorq/mirrorq/replication"
	"github.com/mirrorq/mirrorq/utils/log"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	catalog  *Catalog
	send     *channels.InfiniteChannel
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
)

// Catalog maintains the set of active subscribers
type Catalog struct {
	sync.RWMutex
	subs map[*Subscriber]struct{}
}

// Add a new subscriber to the catalog
func (sc *Catalog) Add(sub *Subscriber) {
	sc.Lock()
	defer sc.Unlock()

	sc.subs[sub] = struct{}{}
}

// Remove a subscriber from the catalog
func (sc *Catalog) Remove(sub *Subscriber) {
	sc.Lock()
	defer sc.Unlock()

	delete(sc.subs, sub)
}

// NewCatalog initializes the stream catalog
func NewCatalog() *Catalog {
	return &Catalog{
		subs: map[*Subscriber]struct{}{},
	}
}

// Subscriber manages one websocket listener and its queue subscriptions.
type Subscriber struct {
	sync.RWMutex
	c      *websocket.Conn
	done   chan struct{}
	queues map[string]struct{}
}

// Subscribed matches the subscriber's patterns against a queue name.
func (s *Subscriber) Subscribed(queueName string) bool {
	s.RLock()
	defer s.RUnlock()
	for pattern := range s.queues {
		if g, err := glob.Compile(pattern, '.'); err == nil {
			if g.Match(queueName) {
				return true
			}
		}
	}
	return false
}

// SubscribeMessage is an inbound message for the client to pick the queues
// whose sync progress it wants.
type SubscribeMessage struct {
	Queues []string `msgpack:"queues"`
}

// ErrorMessage is used to report errors when a client
// subscribes to invalid queue patterns
type ErrorMessage struct {
	Error string `msgpack:"error"`
}

func (s *Subscriber) handleOutbound(buf []byte) error {
	// prevents concurrent write to the websocket connection
	s.Lock()
	defer s.Unlock()
	return s.c.WriteMessage(websocket.BinaryMessage, buf)
}

func (s *Subscriber) handleInbound(msg SubscribeMessage) error {
	if len(msg.Queues) == 0 {
		return nil
	}
	// validate every pattern before touching the subscription map
	m := map[string]struct{}{}
	for _, pattern := range msg.Queues {
		if _, err := glob.Compile(pattern, '.'); err != nil {
			return fmt.Errorf("%s is an invalid queue pattern", pattern)
		}
		m[pattern] = struct{}{}
	}

	s.Lock()
	defer s.Unlock()
	s.queues = m
	return nil
}

func (s *Subscriber) consume() {
	defer func() {
		catalog.Remove(s)
		s.done <- struct{}{}
	}()

	s.c.SetPongHandler(func(string) error {
		return s.c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, buf, err := s.c.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Error("unexpected websocket closure (%v)", err)
			}
			return
		}

		switch msgType {
		case websocket.TextMessage:
			fallthrough
		case websocket.BinaryMessage:
			m := SubscribeMessage{}

			if err = msgpack.Unmarshal(buf, &m); err != nil {
				log.Error("failed to unmarshal inbound stream message (%v)", err)
				continue
			}
			if err := s.handleInbound(m); err != nil {
				buf, _ = msgpack.Marshal(ErrorMessage{Error: err.Error()})
			}
			if err := s.handleOutbound(buf); err != nil {
				log.Error("failed to send stream message (%v)", err)
			}
		case websocket.CloseMessage:
			return
		}
	}
}

func (s *Subscriber) produce() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Lock()
			s.c.WriteMessage(websocket.PingMessage, []byte{})
			s.Unlock()
		case <-s.done:
			return
		}
	}
}

func stream() {
	for v := range send.Out() {
		if v == nil {
			continue
		}
		ev := v.(replication.ProgressEvent)

		buf, err := msgpack.Marshal(ev)
		if err != nil {
			log.Error("failed to marshal outbound progress event (%v)", err)
			continue
		}

		catalog.RLock()

		for s := range catalog.subs {
			if s.Subscribed(ev.Queue) {
				if err := s.handleOutbound(buf); err != nil {
					log.Error("failed to stream outbound (%s)", err)
				}
			}
		}

		catalog.RUnlock()
	}
}

// Push sends a progress event over the stream interface. It never blocks the
// caller, so the driver's handshake loop is not slowed by listeners.
func Push(ev replication.ProgressEvent) {
	send.In() <- ev
}

// Initialize builds the send channel as well as the catalog, and
// must be called before any events flow over the stream interface
func Initialize() {
	send = channels.NewInfiniteChannel()
	catalog = NewCatalog()

	go stream()
}

// Handler hooks into the HTTP interface, handles the incoming
// streaming requests, and upgrades the connection
func Handler(w http.ResponseWriter, r *http.Request) {
	// upgrade the socket
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("failed to upgrade stream socket (%s)", err)
		return
	}

	// build the subscriber
	s := &Subscriber{
		c:    ws,
		done: make(chan struct{}),
	}

	log.Info("new stream listener: %v", ws.RemoteAddr().String())

	catalog.Add(s)

	// begin streaming
	go s.consume()
	go s.produce()
}
