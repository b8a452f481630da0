package eventmesh

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/grace-platform/control-plane/pkg/logger"
)

// StreamUpgrader upgrades /clarity/events/stream requests to a websocket
// that receives every event matching pattern, live. The handler subscribes
// on connect and unsubscribes on disconnect; subscriptions are otherwise
// permanent, so this is only meant for observability dashboards, not
// durable consumers.
type StreamUpgrader struct {
	bus      *Bus
	upgrader websocket.Upgrader
	log      *logger.Logger
}

// NewStreamUpgrader builds a StreamUpgrader over bus.
func NewStreamUpgrader(bus *Bus, log *logger.Logger) *StreamUpgrader {
	return &StreamUpgrader{
		bus: bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// ServeHTTP implements http.Handler for the stream endpoint. The "pattern"
// query parameter selects which events to forward; defaults to "*".
func (s *StreamUpgrader) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		pattern = "*"
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithField("error", err).Warn("events stream upgrade failed")
		return
	}
	defer conn.Close()

	out := make(chan Event, 64)
	var closeOnce sync.Once
	closed := make(chan struct{})

	subID, _ := s.bus.Subscribe(pattern, "clarity-stream:"+r.RemoteAddr, func(ctx context.Context, e Event) error {
		select {
		case out <- e:
		case <-closed:
		default:
			// slow consumer: drop rather than block fan-out to others
		}
		return nil
	})
	defer func() { _ = s.bus.Unsubscribe(subID) }()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-closed:
				return
			case <-ticker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					closeOnce.Do(func() { close(closed) })
					return
				}
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case e := <-out:
			if err := conn.WriteJSON(e); err != nil {
				closeOnce.Do(func() { close(closed) })
				return
			}
		}
	}
}
