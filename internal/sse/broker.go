// Package sse implements a Server-Sent Events broker for ingestion status
// and index updates.
package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Event represents an SSE event to broadcast.
type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type messageEventReq struct {
	status string
	data   any
}

// Broker manages SSE client connections and broadcasts events. Every event
// carries an increasing id.
//
// A single internal event loop owns the client set and the index throttle
// state. Public methods reach it through channels.
type Broker struct {
	indexMin time.Duration

	subscribeCh    chan chan []byte
	unsubscribeCh  chan chan []byte
	publishCh      chan Event
	messageEventCh chan messageEventReq
	indexEventCh   chan int
	countReqCh     chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker. index.updated events are sent at most
// once per indexThrottle; counts reported in between are summed into one
// trailing event.
func NewBroker(indexThrottle time.Duration) *Broker {
	if indexThrottle <= 0 {
		indexThrottle = 2 * time.Second
	}

	b := &Broker{
		indexMin:       indexThrottle,
		subscribeCh:    make(chan chan []byte),
		unsubscribeCh:  make(chan chan []byte),
		publishCh:      make(chan Event, 256),
		messageEventCh: make(chan messageEventReq, 256),
		indexEventCh:   make(chan int, 256),
		countReqCh:     make(chan chan int),
		stopCh:         make(chan struct{}),
		stopped:        make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]struct{})
	var (
		seq            uint64
		lastIndex      time.Time
		pendingIndexed int
		trailing       <-chan time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		for ch := range clients {
			select {
			case ch <- raw:
			default:
				// Client buffer full; skip to avoid blocking broker loop.
			}
		}
	}

	// flushIndexed sends the accumulated count. Counts arriving inside the
	// throttle window are held for one trailing event so none are lost.
	flushIndexed := func(now time.Time) {
		if pendingIndexed == 0 {
			return
		}
		lastIndex = now
		broadcast(Event{Type: "index.updated", Data: map[string]int{"indexed": pendingIndexed}})
		pendingIndexed = 0
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case ch := <-b.subscribeCh:
			clients[ch] = struct{}{}

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)

		case req := <-b.messageEventCh:
			switch req.status {
			case "pending", "partial", "complete", "failed":
				broadcast(Event{Type: "message." + req.status, Data: req.data})
			}

		case n := <-b.indexEventCh:
			pendingIndexed += n
			now := time.Now()
			if wait := b.indexMin - now.Sub(lastIndex); wait <= 0 {
				flushIndexed(now)
			} else if trailing == nil {
				trailing = time.After(wait)
			}

		case <-trailing:
			trailing = nil
			flushIndexed(time.Now())

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a new client and returns its channel.
func (b *Broker) Subscribe() chan []byte {
	ch := make(chan []byte, 64)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- ch:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish sends an event to all connected clients.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishMessageEvent broadcasts message.<status> for a message status
// change. Unknown statuses are ignored.
func (b *Broker) PublishMessageEvent(status string, data any) {
	if b.closed.Load() {
		return
	}
	select {
	case b.messageEventCh <- messageEventReq{status: status, data: data}:
	case <-b.stopped:
	}
}

// PublishIndexed reports n vectors made searchable. Counts are accumulated
// into a throttled index.updated event.
func (b *Broker) PublishIndexed(n int) {
	if b.closed.Load() || n <= 0 {
		return
	}
	select {
	case b.indexEventCh <- n:
	case <-b.stopped:
	}
}

// ServeHTTP is the SSE endpoint handler (GET /api/events).
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe()
	defer b.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
