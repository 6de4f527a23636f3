package queue

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type UpdateKind string

const (
	UpdateTicketGenerated     UpdateKind = "ticket.generated"
	UpdateTicketCalled        UpdateKind = "ticket.called"
	UpdateQueueEmpty          UpdateKind = "queue.empty"
	UpdateServiceStarted      UpdateKind = "service.started"
	UpdateServiceCompleted    UpdateKind = "service.completed"
	UpdateTicketReprioritized UpdateKind = "ticket.reprioritized"
	UpdateTicketCancelled     UpdateKind = "ticket.cancelled"
	UpdateServicesReloaded    UpdateKind = "services.reloaded"
	UpdateQueueReconciled     UpdateKind = "queue.reconciled"
)

// Update describes one engine state change. ServiceKey is empty when the
// change may touch every service type.
type Update struct {
	Kind         UpdateKind `json:"kind"`
	ServiceKey   string     `json:"service_type,omitempty"`
	TicketNumber string     `json:"ticket_number,omitempty"`
	AgentID      string     `json:"agent_id,omitempty"`
	At           time.Time  `json:"at"`
}

type Observer interface {
	QueueUpdated(update Update) error
}

type ObserverFunc func(update Update) error

func (f ObserverFunc) QueueUpdated(update Update) error {
	return f(update)
}

// FeedbackPromptFunc is called with the ticket number after a service
// completes.
type FeedbackPromptFunc func(ticketNumber string) error

type Notifier struct {
	mu        sync.RWMutex
	nextID    int
	observers map[int]Observer
	order     []int
	logger    *slog.Logger
}

func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{observers: make(map[int]Observer), logger: logger}
}

// Subscribe registers an observer and returns a func that removes it.
func (n *Notifier) Subscribe(observer Observer) func() {
	if observer == nil {
		return func() {}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.observers[id] = observer
	n.order = append(n.order, id)

	var once sync.Once
	return func() {
		once.Do(func() { n.unsubscribe(id) })
	}
}

func (n *Notifier) unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.observers, id)
	for i, existing := range n.order {
		if existing == id {
			n.order = append(n.order[:i:i], n.order[i+1:]...)
			break
		}
	}
}

// NotifyAll delivers update to every observer in subscription order. A
// failing observer is logged and skipped.
func (n *Notifier) NotifyAll(update Update) {
	n.mu.RLock()
	observers := make([]Observer, 0, len(n.order))
	for _, id := range n.order {
		observers = append(observers, n.observers[id])
	}
	n.mu.RUnlock()

	for _, observer := range observers {
		if err := n.deliver(observer, update); err != nil {
			n.logger.Error("queue observer failed", "kind", update.Kind, "service_type", update.ServiceKey, "error", err)
		}
	}
}

func (n *Notifier) deliver(observer Observer, update Update) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return observer.QueueUpdated(update)
}

type feedbackSlot struct {
	mu     sync.RWMutex
	prompt FeedbackPromptFunc
}

func (s *feedbackSlot) set(prompt FeedbackPromptFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompt = prompt
}

func (s *feedbackSlot) fire(logger *slog.Logger, ticketNumber string) {
	s.mu.RLock()
	prompt := s.prompt
	s.mu.RUnlock()
	if prompt == nil {
		logger.Warn("no feedback prompt registered", "ticket", ticketNumber)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Error("feedback prompt panic", "ticket", ticketNumber, "panic", r)
		}
	}()
	if err := prompt(ticketNumber); err != nil {
		logger.Error("feedback prompt failed", "ticket", ticketNumber, "error", err)
	}
}
