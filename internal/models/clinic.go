package models

import "time"

const DateLayout = "2006-01-02"

type Tenant struct {
	TenantID             string   `json:"tenant_id"`
	Slug                 string   `json:"slug"`
	Name                 string   `json:"name"`
	QRActive             bool     `json:"qr_active"`
	GeoLat               *float64 `json:"geo_lat,omitempty"`
	GeoLng               *float64 `json:"geo_lng,omitempty"`
	LocationRadiusMeters *float64 `json:"location_radius_meters,omitempty"`
}

type Specialist struct {
	SpecialistID    string `json:"specialist_id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	Specialty       string `json:"specialty"`
	IsActive        bool   `json:"is_active"`
	MaxTokensPerDay *int   `json:"max_tokens_per_day,omitempty"`
}

type Patient struct {
	PatientID string     `json:"patient_id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	Phone     string     `json:"phone"`
	DOB       *time.Time `json:"dob,omitempty"`
	Address   string     `json:"address,omitempty"`
	Email     string     `json:"email,omitempty"`
	Gender    string     `json:"gender,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type DoctorStatus struct {
	DoctorStatusID string    `json:"doctor_status_id"`
	TenantID       string    `json:"tenant_id"`
	SpecialistID   string    `json:"specialist_id,omitempty"`
	Date           time.Time `json:"date"`
	Status         string    `json:"status"`
	SetBy          string    `json:"set_by"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const (
	DoctorIn  = "IN"
	DoctorOut = "OUT"
)

type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Day returns the civil date of t in loc as midnight UTC, the form used for
// partition dates and DATE columns.
func Day(t time.Time, loc *time.Location) time.Time {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
