package store

import "errors"

var (
	ErrTenantNotFound     = errors.New("clinic not found")
	ErrSpecialistNotFound = errors.New("specialist not found")
	ErrTokenNotFound      = errors.New("token not found")
	ErrInvalidState       = errors.New("invalid token state")
	ErrDailyLimit         = errors.New("daily token limit reached")
	ErrTokenConflict      = errors.New("token key conflict")
)
