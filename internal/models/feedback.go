package models

import "time"

type Feedback struct {
	ID             int64     `json:"id"`
	TicketNumber   string    `json:"ticket_number"`
	Rating         int       `json:"rating"`
	Comments       string    `json:"comments,omitempty"`
	SubmissionTime time.Time `json:"submission_time"`
}

const (
	MinRating = 1
	MaxRating = 5
)
