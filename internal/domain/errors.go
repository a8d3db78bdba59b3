// Package domain contains core domain types for the agentquest service.
package domain

import "errors"

var (
	// ErrNotFound is returned when a referenced agent, conversation or
	// subscription does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned when a unique record is created twice.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalid is returned when input fails validation.
	ErrInvalid = errors.New("invalid input")
)
