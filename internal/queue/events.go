package queue

import (
	"time"

	"qms/clinic-queue/internal/models"
)

const (
	EventTokenCreated = "token.created"
	EventTokenCalled  = "token.called"
	EventTokenStatus  = "token.status_changed"
	EventDoctorStatus = "doctor_status.changed"
)

// Event describes a committed queue change for live dashboards.
type Event struct {
	Type         string               `json:"type"`
	TenantID     string               `json:"tenant_id"`
	SpecialistID string               `json:"specialist_id,omitempty"`
	Token        *models.Token        `json:"token,omitempty"`
	DoctorStatus *models.DoctorStatus `json:"doctor_status,omitempty"`
	At           time.Time            `json:"at"`
}

// Publisher must not block the caller.
type Publisher interface {
	Publish(event Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(Event) {}
