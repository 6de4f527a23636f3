package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/queue"
)

// QueuePreviewSize caps how many waiting tickets a board lists.
const QueuePreviewSize = 10

// BoardSource is the read side of the queue engine.
type BoardSource interface {
	QueueSnapshot(serviceKey string) []models.Ticket
	ServingTickets(serviceKey string) []models.Ticket
	AvailableServiceTypes() []models.ServiceType
}

type BoardEntry struct {
	TicketNumber   string                `json:"ticket_number"`
	PriorityReason models.PriorityReason `json:"priority_reason"`
	Priority       string                `json:"priority"`
	AgentID        string                `json:"agent_id,omitempty"`
	CalledAt       *time.Time            `json:"called_at,omitempty"`
}

// Board is what a lobby display renders for one service type.
type Board struct {
	ServiceType models.ServiceType `json:"service_type"`
	Waiting     int                `json:"waiting"`
	Queue       []BoardEntry       `json:"queue"`
	NowServing  []BoardEntry       `json:"now_serving"`
}

type envelope struct {
	Type      queue.UpdateKind `json:"type"`
	Ticket    string           `json:"ticket_number,omitempty"`
	Board     Board            `json:"board"`
	CreatedAt time.Time        `json:"created_at"`
}

func BuildBoard(source BoardSource, svc models.ServiceType) Board {
	waiting := source.QueueSnapshot(svc.Key)
	board := Board{
		ServiceType: svc,
		Waiting:     len(waiting),
		Queue:       make([]BoardEntry, 0, min(len(waiting), QueuePreviewSize)),
		NowServing:  []BoardEntry{},
	}
	for i, ticket := range waiting {
		if i == QueuePreviewSize {
			break
		}
		board.Queue = append(board.Queue, entry(ticket))
	}
	for _, ticket := range source.ServingTickets(svc.Key) {
		board.NowServing = append(board.NowServing, entry(ticket))
	}
	return board
}

// BoardFor looks the service type up by key.
func BoardFor(source BoardSource, key string) (Board, bool) {
	key = models.NormalizeServiceKey(key)
	for _, svc := range source.AvailableServiceTypes() {
		if svc.Key == key {
			return BuildBoard(source, svc), true
		}
	}
	return Board{}, false
}

func entry(ticket models.Ticket) BoardEntry {
	return BoardEntry{
		TicketNumber:   ticket.TicketNumber,
		PriorityReason: ticket.PriorityReason,
		Priority:       ticket.PriorityReason.DisplayName(),
		AgentID:        ticket.Agent(),
		CalledAt:       ticket.CallTime,
	}
}

// Broadcaster turns engine updates into board pushes.
type Broadcaster struct {
	hub    *Hub
	source BoardSource
	logger *slog.Logger
}

func NewBroadcaster(h *Hub, source BoardSource, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{hub: h, source: source, logger: logger}
}

func (b *Broadcaster) QueueUpdated(update queue.Update) error {
	if update.ServiceKey == "" {
		for _, svc := range b.source.AvailableServiceTypes() {
			if err := b.push(update, BuildBoard(b.source, svc)); err != nil {
				return err
			}
		}
		return nil
	}
	board, ok := BoardFor(b.source, update.ServiceKey)
	if !ok {
		board = Board{ServiceType: models.ServiceType{Key: update.ServiceKey}, Queue: []BoardEntry{}, NowServing: []BoardEntry{}}
	}
	return b.push(update, board)
}

func (b *Broadcaster) push(update queue.Update, board Board) error {
	payload, err := json.Marshal(envelope{
		Type:      update.Kind,
		Ticket:    update.TicketNumber,
		Board:     board,
		CreatedAt: update.At,
	})
	if err != nil {
		return err
	}
	b.hub.Broadcast(payload, Subscription{ServiceType: board.ServiceType.Key})
	return nil
}

func (b *Broadcaster) snapshot(key string) [][]byte {
	var boards []Board
	if key == "" {
		for _, svc := range b.source.AvailableServiceTypes() {
			boards = append(boards, BuildBoard(b.source, svc))
		}
	} else if board, ok := BoardFor(b.source, key); ok {
		boards = append(boards, board)
	}
	out := make([][]byte, 0, len(boards))
	for _, board := range boards {
		payload, err := json.Marshal(envelope{Type: "board.snapshot", Board: board, CreatedAt: time.Now().UTC()})
		if err != nil {
			b.logger.Error("encode board snapshot", "service_type", board.ServiceType.Key, "error", err)
			continue
		}
		out = append(out, payload)
	}
	return out
}
