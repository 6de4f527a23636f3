package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var (
	ErrInvalidRating = fmt.Errorf("rating must be between %d and %d", models.MinRating, models.MaxRating)
	ErrMissingTicket = errors.New("ticket number is required")
)

// Prompt is a completed ticket whose customer has not rated the service yet.
type Prompt struct {
	TicketNumber string    `json:"ticket_number"`
	PromptedAt   time.Time `json:"prompted_at"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Collector receives feedback prompts from the queue engine and stores the
// ratings customers submit.
type Collector struct {
	store  store.FeedbackStore
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// NewCollector keeps prompts for ttl. A non-positive ttl keeps them until
// feedback arrives.
func NewCollector(st store.FeedbackStore, ttl time.Duration, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:   st,
		ttl:     ttl,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
		pending: make(map[string]time.Time),
	}
}

// Prompt records that ticketNumber should be asked for feedback. Its
// signature matches queue.FeedbackPromptFunc.
func (c *Collector) Prompt(ticketNumber string) error {
	ticketNumber = strings.TrimSpace(ticketNumber)
	if ticketNumber == "" {
		return ErrMissingTicket
	}
	c.mu.Lock()
	c.pending[ticketNumber] = c.now()
	c.mu.Unlock()
	c.logger.Info("feedback prompt opened", "ticket", ticketNumber)
	return nil
}

func (c *Collector) Submit(ctx context.Context, ticketNumber string, rating int, comments string) (models.Feedback, error) {
	ticketNumber = strings.TrimSpace(ticketNumber)
	if ticketNumber == "" {
		return models.Feedback{}, ErrMissingTicket
	}
	if rating < models.MinRating || rating > models.MaxRating {
		return models.Feedback{}, ErrInvalidRating
	}

	saved, err := c.store.SaveFeedback(ctx, models.Feedback{
		TicketNumber:   ticketNumber,
		Rating:         rating,
		Comments:       strings.TrimSpace(comments),
		SubmissionTime: c.now(),
	})
	if err != nil {
		c.logger.Error("save feedback failed", "ticket", ticketNumber, "error", err)
		return models.Feedback{}, fmt.Errorf("save feedback: %w", err)
	}

	c.mu.Lock()
	delete(c.pending, ticketNumber)
	c.mu.Unlock()
	c.logger.Info("feedback submitted", "ticket", ticketNumber, "rating", rating)
	return saved, nil
}

// List returns every stored rating, newest first.
func (c *Collector) List(ctx context.Context) ([]models.Feedback, error) {
	items, err := c.store.ListFeedback(ctx)
	if err != nil {
		c.logger.Error("list feedback failed", "error", err)
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return items, nil
}

// Pending prunes expired prompts and returns the rest, oldest first.
func (c *Collector) Pending(now time.Time) []Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Prompt, 0, len(c.pending))
	for number, promptedAt := range c.pending {
		prompt := Prompt{TicketNumber: number, PromptedAt: promptedAt}
		if c.ttl > 0 {
			prompt.ExpiresAt = promptedAt.Add(c.ttl)
			if !now.Before(prompt.ExpiresAt) {
				delete(c.pending, number)
				continue
			}
		}
		out = append(out, prompt)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PromptedAt.Equal(out[j].PromptedAt) {
			return out[i].PromptedAt.Before(out[j].PromptedAt)
		}
		return out[i].TicketNumber < out[j].TicketNumber
	})
	return out
}
