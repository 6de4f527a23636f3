package store

import "errors"

var (
	ErrServiceTypeNotFound = errors.New("service type not found")
	ErrServiceTypeExists   = errors.New("service type already exists")
	ErrServiceTypeInUse    = errors.New("service type referenced by tickets")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrTicketExists        = errors.New("ticket number already stored")
)
