// Package memory is an in-process store.Store used when no database is
// configured and by tests.
package memory

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var sequenceSuffix = regexp.MustCompile(`-([0-9]+)$`)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	services map[string]models.ServiceType
	tickets  map[string]models.Ticket
	order    []string
	feedback []models.Feedback
	now      func() time.Time
}

func New() *Store {
	return &Store{
		services: make(map[string]models.ServiceType),
		tickets:  make(map[string]models.Ticket),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) ListServiceTypes(ctx context.Context) ([]models.ServiceType, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ServiceType, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (s *Store) FindServiceType(ctx context.Context, key string) (models.ServiceType, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ServiceType{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[models.NormalizeServiceKey(key)]
	return svc, ok, nil
}

func (s *Store) HighestTicketSequence(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var highest int64
	for number := range s.tickets {
		match := sequenceSuffix.FindStringSubmatch(number)
		if match == nil {
			continue
		}
		value, err := strconv.ParseInt(match[1], 10, 64)
		if err != nil {
			continue
		}
		if value > highest {
			highest = value
		}
	}
	return highest, nil
}

func (s *Store) ListTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, number := range s.order {
		ticket := s.tickets[number]
		if !filter.Matches(ticket.Status) {
			continue
		}
		if svc, ok := s.services[ticket.ServiceType.Key]; ok {
			ticket.ServiceType = svc
		}
		out = append(out, ticket.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssueTime.Before(out[j].IssueTime)
	})
	return out, nil
}

func (s *Store) SaveTicket(ctx context.Context, ticket models.Ticket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeServiceKey(ticket.ServiceType.Key)
	if _, ok := s.services[key]; !ok {
		return store.ErrServiceTypeNotFound
	}
	if _, ok := s.tickets[ticket.TicketNumber]; ok {
		return store.ErrTicketExists
	}
	ticket.ServiceType.Key = key
	s.tickets[ticket.TicketNumber] = ticket.Clone()
	s.order = append(s.order, ticket.TicketNumber)
	return nil
}

func (s *Store) UpdateTicketStatus(ctx context.Context, ticketNumber string, status models.Status, agentID *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNumber]
	if !ok {
		return store.ErrTicketNotFound
	}
	ticket.Status = status
	ticket.AgentID = nil
	if agentID != nil {
		agent := *agentID
		ticket.AgentID = &agent
	}
	s.tickets[ticketNumber] = ticket
	return nil
}

func (s *Store) UpdateTicketTimes(ctx context.Context, ticketNumber string, callTime, startTime, endTime *time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNumber]
	if !ok {
		return store.ErrTicketNotFound
	}
	if callTime != nil {
		ticket.CallTime = utc(*callTime)
	}
	if startTime != nil {
		ticket.ServiceStartTime = utc(*startTime)
	}
	if endTime != nil {
		ticket.ServiceEndTime = utc(*endTime)
	}
	s.tickets[ticketNumber] = ticket
	return nil
}

func (s *Store) UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNumber]
	if !ok {
		return false, nil
	}
	ticket.SetPriorityReason(reason)
	s.tickets[ticketNumber] = ticket
	return true, nil
}

func (s *Store) AddServiceType(ctx context.Context, serviceType models.ServiceType) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.NormalizeServiceKey(serviceType.Key)
	if _, ok := s.services[key]; ok {
		return store.ErrServiceTypeExists
	}
	s.services[key] = models.ServiceType{Key: key, DisplayName: strings.TrimSpace(serviceType.DisplayName)}
	return nil
}

func (s *Store) UpdateServiceTypeDisplayName(ctx context.Context, key, displayName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key = models.NormalizeServiceKey(key)
	svc, ok := s.services[key]
	if !ok {
		return store.ErrServiceTypeNotFound
	}
	svc.DisplayName = strings.TrimSpace(displayName)
	s.services[key] = svc
	return nil
}

func (s *Store) RemoveServiceType(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key = models.NormalizeServiceKey(key)
	if _, ok := s.services[key]; !ok {
		return store.ErrServiceTypeNotFound
	}
	for _, ticket := range s.tickets {
		if ticket.ServiceType.Key == key {
			return store.ErrServiceTypeInUse
		}
	}
	delete(s.services, key)
	return nil
}

func (s *Store) SaveFeedback(ctx context.Context, feedback models.Feedback) (models.Feedback, error) {
	if err := ctx.Err(); err != nil {
		return models.Feedback{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if feedback.SubmissionTime.IsZero() {
		feedback.SubmissionTime = s.now()
	}
	feedback.ID = int64(len(s.feedback) + 1)
	s.feedback = append(s.feedback, feedback)
	return feedback, nil
}

func (s *Store) ListFeedback(ctx context.Context) ([]models.Feedback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Feedback, 0, len(s.feedback))
	for i := len(s.feedback) - 1; i >= 0; i-- {
		out = append(out, s.feedback[i])
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SubmissionTime.After(out[j].SubmissionTime)
	})
	return out, nil
}

func (s *Store) SearchTickets(ctx context.Context, query store.TicketQuery) ([]models.Ticket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	filter := store.TicketFilter{Statuses: query.Statuses}
	text := strings.ToLower(strings.TrimSpace(query.Text))

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, number := range s.order {
		ticket := s.tickets[number]
		if !filter.Matches(ticket.Status) {
			continue
		}
		if svc, ok := s.services[ticket.ServiceType.Key]; ok {
			ticket.ServiceType = svc
		}
		if text != "" && !matchesText(ticket, text) {
			continue
		}
		out = append(out, ticket.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].IssueTime.After(out[j].IssueTime)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

func matchesText(ticket models.Ticket, text string) bool {
	for _, field := range []string{ticket.TicketNumber, ticket.CustomerName, ticket.ServiceType.Key, ticket.ServiceType.DisplayName} {
		if strings.Contains(strings.ToLower(field), text) {
			return true
		}
	}
	return false
}

// Feedback returns every saved feedback entry in submission order.
func (s *Store) Feedback() []models.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Feedback, len(s.feedback))
	copy(out, s.feedback)
	return out
}

// Ticket returns the stored copy of a ticket.
func (s *Store) Ticket(ticketNumber string) (models.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ticket, ok := s.tickets[ticketNumber]
	if !ok {
		return models.Ticket{}, false
	}
	return ticket.Clone(), true
}

func utc(value time.Time) *time.Time {
	v := value.UTC()
	return &v
}
