package ccu

import "errors"

// Sentinel errors for controller operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidAddress is returned when an address does not follow
	// <interface>.<serial>:<channel>[.<parameter>].
	ErrInvalidAddress = errors.New("ccu: invalid address")

	// ErrNotConnected is returned when the controller transport is down.
	ErrNotConnected = errors.New("ccu: not connected")

	// ErrNoValue is returned when no value is known for a datapoint.
	ErrNoValue = errors.New("ccu: no value")

	// ErrTimeout is returned when the controller did not answer in time.
	ErrTimeout = errors.New("ccu: operation timed out")
)
