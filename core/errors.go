package core

import "errors"

// Error taxonomy shared by the pool, the scheduler, the ledger and the bundle house.
// Operations wrap these with context; match them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrBelowMinimumBid     = errors.New("bid below minimum")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIntegrityViolation  = errors.New("integrity violation")
	ErrInvalidState        = errors.New("invalid state")
	ErrSystemDisabled      = errors.New("auction system is disabled")
	ErrEmergencyMode       = errors.New("auction system in emergency mode")
)
