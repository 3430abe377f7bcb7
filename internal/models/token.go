package models

import "time"

type Token struct {
	TokenID      string      `json:"token_id"`
	PublicID     string      `json:"public_id"`
	TenantID     string      `json:"tenant_id"`
	SpecialistID string      `json:"specialist_id"`
	Date         time.Time   `json:"date"`
	TokenNumber  int         `json:"token_number"`
	Status       string      `json:"status"`
	PatientID    *string     `json:"patient_id,omitempty"`
	CreatedLat   *float64    `json:"created_lat,omitempty"`
	CreatedLng   *float64    `json:"created_lng,omitempty"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	Source       string      `json:"source"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	Specialist   *Specialist `json:"specialist,omitempty"`
	Patient      *Patient    `json:"patient,omitempty"`
}

const (
	StatusWaiting        = "WAITING"
	StatusCalled         = "CALLED"
	StatusInConsultation = "IN_CONSULTATION"
	StatusCompleted      = "COMPLETED"
	StatusExpired        = "EXPIRED"
	StatusNoShow         = "NO_SHOW"
)

const (
	SourceQRWeb = "QR_WEB"
	SourceStaff = "STAFF"
)

func IsTokenStatus(value string) bool {
	switch value {
	case StatusWaiting, StatusCalled, StatusInConsultation, StatusCompleted, StatusExpired, StatusNoShow:
		return true
	}
	return false
}

// Partition scopes sequence numbers and queue order.
type Partition struct {
	TenantID     string
	SpecialistID string
	Date         time.Time
}

// Key is stable for a partition and is used for lock naming.
func (p Partition) Key() string {
	return p.TenantID + "|" + p.SpecialistID + "|" + p.Date.Format(DateLayout)
}

type Stats struct {
	Total     int `json:"total"`
	Waiting   int `json:"waiting"`
	Completed int `json:"completed"`
	Expired   int `json:"expired"`
}
