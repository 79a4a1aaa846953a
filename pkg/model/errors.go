package model

import "errors"

var (
	ErrInvalidOrder       = errors.New("invalid order")
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidAmend       = errors.New("invalid amend")
	ErrInvariantViolation = errors.New("order book invariant violated")
	ErrSinkUnavailable    = errors.New("settlement sink unavailable")
	ErrInstrumentHalted   = errors.New("instrument halted")
	ErrInstrumentStopped  = errors.New("instrument stopped")
	ErrUnknownInstrument  = errors.New("unknown instrument")
)
