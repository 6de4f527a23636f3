package queue

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrUnknownServiceType = errors.New("unknown service type")
	ErrAgentBusy          = errors.New("agent already serving a ticket")
	ErrNoTicketAvailable  = errors.New("no ticket available")
	ErrNotFound           = errors.New("not found")
	ErrPersistence        = errors.New("persistence failure")
	ErrSequenceNotSeeded  = errors.New("ticket sequence not seeded")
)

// PersistenceError reports a storage call that failed after the in-memory
// state was already decided. errors.Is(err, ErrPersistence) matches it.
type PersistenceError struct {
	Op           string
	TicketNumber string
	Err          error
}

func (e *PersistenceError) Error() string {
	if e.TicketNumber == "" {
		return fmt.Sprintf("%s: %s: %v", ErrPersistence, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s %s: %v", ErrPersistence, e.Op, e.TicketNumber, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceError(op, ticketNumber string, err error) error {
	return &PersistenceError{Op: op, TicketNumber: ticketNumber, Err: err}
}

func invalidArgument(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
