package store

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
)

// TicketFilter restricts ListTickets to the given statuses. An empty filter
// returns every ticket.
type TicketFilter struct {
	Statuses []models.Status
}

func (f TicketFilter) Matches(status models.Status) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// TicketQuery selects ticket history. Text matches the ticket number,
// customer name, service type key or display name, case-insensitively.
// Results come newest first; a non-positive Limit returns everything.
type TicketQuery struct {
	Statuses []models.Status
	Text     string
	Limit    int
}

type TicketStore interface {
	ListServiceTypes(ctx context.Context) ([]models.ServiceType, error)
	FindServiceType(ctx context.Context, key string) (models.ServiceType, bool, error)
	HighestTicketSequence(ctx context.Context) (int64, error)
	ListTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	// SaveTicket returns ErrTicketExists when the number is already stored.
	SaveTicket(ctx context.Context, ticket models.Ticket) error
	UpdateTicketStatus(ctx context.Context, ticketNumber string, status models.Status, agentID *string) error
	UpdateTicketTimes(ctx context.Context, ticketNumber string, callTime, startTime, endTime *time.Time) error
	UpdateTicketPriority(ctx context.Context, ticketNumber string, reason models.PriorityReason) (bool, error)
}

type CatalogStore interface {
	ListServiceTypes(ctx context.Context) ([]models.ServiceType, error)
	AddServiceType(ctx context.Context, serviceType models.ServiceType) error
	UpdateServiceTypeDisplayName(ctx context.Context, key, displayName string) error
	RemoveServiceType(ctx context.Context, key string) error
}

type FeedbackStore interface {
	SaveFeedback(ctx context.Context, feedback models.Feedback) (models.Feedback, error)
	// ListFeedback returns every entry, newest submission first.
	ListFeedback(ctx context.Context) ([]models.Feedback, error)
}

type HistoryStore interface {
	SearchTickets(ctx context.Context, query TicketQuery) ([]models.Ticket, error)
}

type Store interface {
	TicketStore
	CatalogStore
	FeedbackStore
	HistoryStore
}
