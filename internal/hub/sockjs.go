package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
)

const clientBuffer = 16

// session is the part of sockjs.Session the display protocol needs.
type session interface {
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

// NewHandler serves lobby displays over SockJS under prefix. A client gets a
// snapshot of its boards on every subscribe and a push after every change.
func NewHandler(prefix string, h *Hub, b *Broadcaster) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(s sockjs.Session) {
		serve(h, b, s)
	})
}

func serve(h *Hub, b *Broadcaster, s session) {
	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
	h.Register(client)
	defer h.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := s.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := s.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			h.logger.Debug("ignoring display message", "client", client.ID)
			continue
		}
		if parsed.Action == "unsubscribe" {
			h.UpdateSubscription(client, Subscription{})
			continue
		}
		if parsed.ServiceType != "" {
			if _, known := BoardFor(b.source, parsed.ServiceType); !known {
				_ = s.Close(4004, "unknown service type")
				return
			}
		}
		h.UpdateSubscription(client, Subscription{ServiceType: parsed.ServiceType})
		for _, payload := range b.snapshot(parsed.ServiceType) {
			select {
			case client.Send <- payload:
			default:
			}
		}
	}
}
