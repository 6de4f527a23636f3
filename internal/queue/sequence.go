package queue

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"qms/dispatch-service/internal/models"
)

// Sequence is the ticket-number counter. It must be seeded from the store's
// highest existing suffix before the first ticket is issued.
type Sequence struct {
	value atomic.Int64
	state atomic.Int32
}

const (
	sequenceUnseeded int32 = iota
	sequenceSeeding
	sequenceReady
)

func (s *Sequence) Seed(highest int64) error {
	if highest < 0 {
		return invalidArgument("negative sequence seed %d", highest)
	}
	if !s.state.CompareAndSwap(sequenceUnseeded, sequenceSeeding) {
		return fmt.Errorf("ticket sequence already seeded")
	}
	s.value.Store(highest)
	s.state.Store(sequenceReady)
	return nil
}

func (s *Sequence) Next() (int64, error) {
	if s.state.Load() != sequenceReady {
		return 0, ErrSequenceNotSeeded
	}
	return s.value.Add(1), nil
}

// Observe moves the counter up to n when n is ahead of it. Tickets written by
// another process carry numbers this counter has not issued yet.
func (s *Sequence) Observe(n int64) bool {
	for {
		current := s.value.Load()
		if n <= current {
			return false
		}
		if s.value.CompareAndSwap(current, n) {
			return true
		}
	}
}

func (s *Sequence) Current() int64 {
	return s.value.Load()
}

// ticketSequence reads the numeric suffix of a ticket number.
func ticketSequence(number string) (int64, bool) {
	idx := strings.LastIndexByte(number, '-')
	if idx < 0 || idx == len(number)-1 {
		return 0, false
	}
	value, err := strconv.ParseInt(number[idx+1:], 10, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

func formatTicketNumber(serviceType models.ServiceType, seq int64) string {
	return fmt.Sprintf("%s-%04d", serviceType.TicketPrefix(), seq)
}
