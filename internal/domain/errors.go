package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for not-found and infrastructure conditions. Business
// rejections carrying detail get their own types below so callers can
// render actionable states ("wait N minutes") instead of opaque failures.
var (
	ErrUserNotFound     = errors.New("user not found")
	ErrNoUnusedTokens   = errors.New("no unused tokens")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExpired   = errors.New("session expired")
	ErrNoItemsAvailable = errors.New("no eligible ad items available")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError rejects malformed input before any write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validation builds a ValidationError.
func Validation(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ActiveTokenError is returned when activation is refused because the user
// already has a running speed token.
type ActiveTokenError struct {
	TokenID          string
	RemainingMinutes int
}

func (e *ActiveTokenError) Error() string {
	return fmt.Sprintf("active token exists: %d minutes remaining", e.RemainingMinutes)
}

// InsufficientWatchedError is returned when a completion attempt presents
// fewer watched items than the session reserved. The session stays PENDING.
type InsufficientWatchedError struct {
	Required int
	Watched  int
}

func (e *InsufficientWatchedError) Error() string {
	return fmt.Sprintf("insufficient watched items: got %d, need %d", e.Watched, e.Required)
}
