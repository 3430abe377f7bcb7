package queue

import (
	"errors"
	"fmt"
	"strings"
)

type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

const (
	ReasonQRInactive = "qr_inactive"
	ReasonDoctorOut  = "doctor_out"
	ReasonGeofence   = "outside_geofence"
	ReasonDailyLimit = "daily_limit_reached"
)

// ForbiddenError is a business-rule rejection of token creation. Distance and
// Radius are set only for geofence rejections.
type ForbiddenError struct {
	Reason   string
	Message  string
	Distance *int
	Radius   *float64
}

func (e *ForbiddenError) Error() string {
	return e.Message
}

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors lists every offending field of a request.
type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	parts := make([]string, 0, len(v))
	for _, fe := range v {
		parts = append(parts, fe.Field+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// ConflictError means a concurrent issuance collided twice in a row. The
// request can be retried.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return "token allocation conflict, retry the request"
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

type TransitionError struct {
	TokenID string
	From    string
	To      string
}

func (e *TransitionError) Error() string {
	if e.From == "" {
		return fmt.Sprintf("cannot move token to %s", e.To)
	}
	return fmt.Sprintf("cannot move token from %s to %s", e.From, e.To)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsForbidden(err error) bool {
	var target *ForbiddenError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target ValidationErrors
	return errors.As(err, &target)
}

func IsTransition(err error) bool {
	var target *TransitionError
	return errors.As(err, &target)
}
