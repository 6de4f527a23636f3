package models

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusWaiting   Status = "WAITING"
	StatusServing   Status = "SERVING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func ParseStatus(raw string) (Status, error) {
	switch Status(strings.ToUpper(strings.TrimSpace(raw))) {
	case StatusWaiting:
		return StatusWaiting, nil
	case StatusServing:
		return StatusServing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", fmt.Errorf("unknown ticket status %q", raw)
	}
}

type PriorityReason string

const (
	PriorityNone          PriorityReason = "NONE"
	PrioritySeniorCitizen PriorityReason = "SENIOR_CITIZEN"
	PriorityPWD           PriorityReason = "PWD"
	PriorityPregnant      PriorityReason = "PREGNANT"
)

const (
	RegularPriority  = 0
	ElevatedPriority = 10
)

// DefaultCustomerName is stored when a ticket is issued without a name.
const DefaultCustomerName = "N/A"

func (r PriorityReason) DisplayName() string {
	switch r {
	case PrioritySeniorCitizen:
		return "Senior Citizen"
	case PriorityPWD:
		return "Person with Disability"
	case PriorityPregnant:
		return "Pregnant Woman"
	default:
		return "Regular"
	}
}

// ParsePriorityReason maps a blank value to PriorityNone.
func ParsePriorityReason(raw string) (PriorityReason, error) {
	value := strings.ToUpper(strings.TrimSpace(raw))
	switch PriorityReason(value) {
	case "", PriorityNone:
		return PriorityNone, nil
	case PrioritySeniorCitizen, PriorityPWD, PriorityPregnant:
		return PriorityReason(value), nil
	default:
		return "", fmt.Errorf("unknown priority reason %q", raw)
	}
}

// ComputePriority is binary: regular tickets get 0, any priority reason gets 10.
func ComputePriority(reason PriorityReason) int {
	if reason == "" || reason == PriorityNone {
		return RegularPriority
	}
	return ElevatedPriority
}

type Ticket struct {
	TicketNumber     string         `json:"ticket_number"`
	ServiceType      ServiceType    `json:"service_type"`
	CustomerName     string         `json:"customer_name"`
	IssueTime        time.Time      `json:"issue_time"`
	PriorityReason   PriorityReason `json:"priority_reason"`
	Priority         int            `json:"priority"`
	Status           Status         `json:"status"`
	CallTime         *time.Time     `json:"call_time,omitempty"`
	ServiceStartTime *time.Time     `json:"service_start_time,omitempty"`
	ServiceEndTime   *time.Time     `json:"service_end_time,omitempty"`
	AgentID          *string        `json:"agent_id,omitempty"`
}

func NewTicket(number string, serviceType ServiceType, customerName string, reason PriorityReason, issuedAt time.Time) *Ticket {
	customerName = strings.TrimSpace(customerName)
	if customerName == "" {
		customerName = DefaultCustomerName
	}
	ticket := &Ticket{
		TicketNumber: number,
		ServiceType:  serviceType,
		CustomerName: customerName,
		IssueTime:    issuedAt,
		Status:       StatusWaiting,
	}
	ticket.SetPriorityReason(reason)
	return ticket
}

func (t *Ticket) SetPriorityReason(reason PriorityReason) {
	if reason == "" {
		reason = PriorityNone
	}
	t.PriorityReason = reason
	t.Priority = ComputePriority(reason)
}

// Clone returns a deep copy so callers never share timestamp pointers with
// the engine's queue state.
func (t *Ticket) Clone() Ticket {
	out := *t
	out.CallTime = cloneTime(t.CallTime)
	out.ServiceStartTime = cloneTime(t.ServiceStartTime)
	out.ServiceEndTime = cloneTime(t.ServiceEndTime)
	if t.AgentID != nil {
		agent := *t.AgentID
		out.AgentID = &agent
	}
	return out
}

func (t *Ticket) Agent() string {
	if t.AgentID == nil {
		return ""
	}
	return *t.AgentID
}

// Compare orders tickets for dispatch: higher priority first, then earlier
// issue time. The ticket number is the last tie-breaker so the order stays
// total when two tickets share a timestamp.
func Compare(a, b *Ticket) int {
	if a.Priority != b.Priority {
		if a.Priority > b.Priority {
			return -1
		}
		return 1
	}
	if !a.IssueTime.Equal(b.IssueTime) {
		if a.IssueTime.Before(b.IssueTime) {
			return -1
		}
		return 1
	}
	return strings.Compare(a.TicketNumber, b.TicketNumber)
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}
