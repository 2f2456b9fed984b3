package backend

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/volthub/volthub/internal/events"
)

const streamRedialDelay = 5 * time.Second

// NodeEvent is one frame from the backend's realtime event feed.
type NodeEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Stream subscribes to the node backend's event feed over websocket and
// republishes domain events onto the internal bus. Reconnect makes it drop
// the current connection and re-dial against the live configuration, which
// is how connection activation swaps the event source.
type Stream struct {
	live      *LiveConfig
	nc        *nats.Conn
	dialer    *websocket.Dialer
	reconnect chan struct{}
	done      chan struct{}
}

// NewStream creates a new event-stream subscriber.
func NewStream(live *LiveConfig, nc *nats.Conn) *Stream {
	return &Stream{
		live:      live,
		nc:        nc,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start begins the subscribe loop.
func (s *Stream) Start() {
	log.Println("[INFO] Starting node event stream subscriber...")
	go s.run()
}

// Stop terminates the subscriber.
func (s *Stream) Stop() {
	close(s.done)
}

// Reconnect signals the loop to re-dial. Repeated signals coalesce.
func (s *Stream) Reconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Stream) run() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		backendURL, password, _ := s.live.Snapshot()
		if backendURL == "" {
			if !s.wait(streamRedialDelay) {
				return
			}
			continue
		}

		wsURL := websocketURL(backendURL) + "/api/v1/events/ws"
		header := http.Header{"X-Node-Password": []string{password}}
		conn, _, err := s.dialer.Dial(wsURL, header)
		if err != nil {
			log.Printf("[ERROR] Connecting to node event stream at %s: %v", wsURL, err)
			if !s.wait(streamRedialDelay) {
				return
			}
			continue
		}
		log.Printf("[INFO] Subscribed to node event stream at %s", wsURL)
		s.consume(conn)
	}
}

// wait sleeps for d but wakes early on a reconnect signal. Returns false
// when the stream has been stopped.
func (s *Stream) wait(d time.Duration) bool {
	select {
	case <-s.done:
		return false
	case <-s.reconnect:
		return true
	case <-time.After(d):
		return true
	}
}

// consume reads events until the connection drops, the subscriber stops, or
// a reconnect is requested.
func (s *Stream) consume(conn *websocket.Conn) {
	defer conn.Close()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.done:
		case <-s.reconnect:
			log.Println("[INFO] Node event stream reconnect requested.")
		case <-finished:
			return
		}
		// Closing the connection unblocks ReadMessage below.
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[INFO] Node event stream disconnected: %v", err)
			return
		}
		var evt NodeEvent
		if err := json.Unmarshal(payload, &evt); err != nil {
			log.Printf("[ERROR] Unmarshalling node event: %v", err)
			continue
		}
		if evt.Event == "" {
			continue
		}
		if err := events.Publish(s.nc, evt.Event, evt.Data); err != nil {
			log.Printf("[ERROR] Publishing node event '%s': %v", evt.Event, err)
		}
	}
}

func websocketURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https"):
		return "wss" + strings.TrimPrefix(httpURL, "https")
	case strings.HasPrefix(httpURL, "http"):
		return "ws" + strings.TrimPrefix(httpURL, "http")
	}
	return httpURL
}
