package common

import "errors"

// Pipeline errors
var (
	// Ingestion errors (resolved synchronously, surfaced to the caller)
	ErrValidation       = errors.New("validation failed")
	ErrAuth             = errors.New("authentication failed")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrQueueUnavailable = errors.New("event queue unavailable")

	// Read-path errors
	ErrNotFound      = errors.New("resource not found")
	ErrGroupNotFound = errors.New("error group not found")
	ErrRuleNotFound  = errors.New("alert rule not found")
)
