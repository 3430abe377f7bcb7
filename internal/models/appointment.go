package models

import "time"

type Appointment struct {
	AppointmentID string    `json:"appointment_id"`
	TenantID      string    `json:"tenant_id"`
	PatientID     string    `json:"patient_id"`
	SpecialistID  string    `json:"specialist_id"`
	TokenID       string    `json:"token_id"`
	VisitDate     time.Time `json:"visit_date"`
	Status        string    `json:"status"`
	Diagnosis     string    `json:"diagnosis,omitempty"`
	Prescription  string    `json:"prescription,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

const (
	AppointmentWaiting        = "WAITING"
	AppointmentInConsultation = "IN_CONSULTATION"
	AppointmentCompleted      = "COMPLETED"
	AppointmentNoShow         = "NO_SHOW"
	AppointmentCancelled      = "CANCELLED"
)
