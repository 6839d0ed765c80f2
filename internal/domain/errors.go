package domain

import "errors"

// Allocation.
var (
	ErrCourierNotFound    = errors.New("courier not found")
	ErrAllocationConflict = errors.New("tracking allocation conflict")
	ErrCourierProtected   = errors.New("courier is the express master toggle and cannot be deleted")
	ErrDuplicatePrefix    = errors.New("courier prefix already in use")
	ErrInvalidPrefix      = errors.New("invalid courier prefix")
	ErrCounterRegression  = errors.New("courier counter can only move forward")
	ErrInvalidCharge      = errors.New("courier charges must be non-negative")
)

// Slip lifecycle.
var (
	ErrSlipNotFound       = errors.New("slip not found")
	ErrInvalidBoxCount    = errors.New("number of boxes must be at least 1")
	ErrInvalidMethod      = errors.New("shipping method must be air or surface")
	ErrInvalidWeight      = errors.New("box weights must be non-negative")
	ErrMissingCustomer    = errors.New("customer id is required")
	ErrSlipCancelled      = errors.New("slip is cancelled")
	ErrInvalidTransition  = errors.New("invalid slip state transition")
	ErrIncompleteWeights  = errors.New("every box needs a non-zero weight before completion")
	ErrNotPacked          = errors.New("slip is not packed")
	ErrDuplicateTracking  = errors.New("tracking id already exists")
	ErrVersionConflict    = errors.New("record modified concurrently")
	ErrAlreadyNotified    = errors.New("slip already notified")
	ErrNotificationFailed = errors.New("slip notification failed permanently")
)

// Dispatch.
var (
	ErrDeliveryTimeout  = errors.New("delivery timed out")
	ErrOverrideDisabled = errors.New("manual override is disabled")
	ErrInvalidSettings  = errors.New("invalid notification settings")
	ErrNoMessenger      = errors.New("no messenger for contact channel")
	ErrDispatchInFlight = errors.New("slip dispatch already in flight")
	ErrMixedCustomers   = errors.New("slips belong to different customers")
)
