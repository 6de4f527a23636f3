package queue

import (
	"container/heap"
	"sort"

	"qms/dispatch-service/internal/models"
)

// ticketHeap is a min-heap under models.Compare, so the root is the next
// ticket to dispatch. Implements container/heap.Interface.
type ticketHeap []*models.Ticket

func (h ticketHeap) Len() int           { return len(h) }
func (h ticketHeap) Less(i, j int) bool { return models.Compare(h[i], h[j]) < 0 }
func (h ticketHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *ticketHeap) Push(x any)        { *h = append(*h, x.(*models.Ticket)) }
func (h *ticketHeap) Pop() any {
	old := *h
	ticket := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return ticket
}

// waitingQueue holds the WAITING tickets of one service type.
type waitingQueue struct {
	tickets ticketHeap
}

func newWaitingQueue() *waitingQueue {
	return &waitingQueue{}
}

func (q *waitingQueue) push(ticket *models.Ticket) {
	heap.Push(&q.tickets, ticket)
}

func (q *waitingQueue) pop() (*models.Ticket, bool) {
	if len(q.tickets) == 0 {
		return nil, false
	}
	return heap.Pop(&q.tickets).(*models.Ticket), true
}

func (q *waitingQueue) find(ticketNumber string) (*models.Ticket, bool) {
	for _, ticket := range q.tickets {
		if ticket.TicketNumber == ticketNumber {
			return ticket, true
		}
	}
	return nil, false
}

func (q *waitingQueue) remove(ticketNumber string) (*models.Ticket, bool) {
	for i, ticket := range q.tickets {
		if ticket.TicketNumber == ticketNumber {
			return heap.Remove(&q.tickets, i).(*models.Ticket), true
		}
	}
	return nil, false
}

func (q *waitingQueue) len() int {
	return len(q.tickets)
}

// snapshot returns copies in dispatch order.
func (q *waitingQueue) snapshot() []models.Ticket {
	ordered := make([]*models.Ticket, len(q.tickets))
	copy(ordered, q.tickets)
	sort.Slice(ordered, func(i, j int) bool {
		return models.Compare(ordered[i], ordered[j]) < 0
	})
	out := make([]models.Ticket, 0, len(ordered))
	for _, ticket := range ordered {
		out = append(out, ticket.Clone())
	}
	return out
}

func (q *waitingQueue) numbers() map[string]*models.Ticket {
	out := make(map[string]*models.Ticket, len(q.tickets))
	for _, ticket := range q.tickets {
		out[ticket.TicketNumber] = ticket
	}
	return out
}
