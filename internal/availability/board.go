package availability

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

const (
	VirtualSpecialistName      = "General Practitioner"
	VirtualSpecialistSpecialty = "General"
)

type BoardEntry struct {
	SpecialistID string `json:"id,omitempty"`
	Name         string `json:"name"`
	Specialty    string `json:"specialty"`
	Status       string `json:"status"`
	WaitingCount int    `json:"waiting_count"`
}

type Board struct {
	TenantID          string       `json:"tenant_id"`
	ClinicName        string       `json:"clinic_name"`
	QRActive          bool         `json:"qr_active"`
	Date              string       `json:"date"`
	Doctors           []BoardEntry `json:"doctors"`
	MaxTokensPerDay   int          `json:"max_tokens_per_day"`
	TokensIssuedToday int          `json:"tokens_issued_today"`
}

// QueueCounter reports per-specialist waiting counts and the day's total.
// An empty specialistID means every specialist of the tenant.
type QueueCounter interface {
	WaitingCount(ctx context.Context, tenantID, specialistID string, date time.Time) (int, error)
	IssuedCount(ctx context.Context, tenantID string, date time.Time) (int, error)
}

// Board lists every active specialist with its effective status. A clinic
// without specialists gets a single virtual General Practitioner driven by
// the general record alone.
func (g *Gate) Board(ctx context.Context, tenant models.Tenant, specialists []models.Specialist, date time.Time, defaultCap int, counter QueueCounter) (Board, error) {
	general, hasGeneral, err := g.store.GetDoctorStatus(ctx, tenant.TenantID, "", date)
	if err != nil {
		return Board{}, err
	}

	board := Board{
		TenantID:        tenant.TenantID,
		ClinicName:      tenant.Name,
		QRActive:        tenant.QRActive,
		Date:            date.Format(models.DateLayout),
		MaxTokensPerDay: defaultCap,
	}

	if len(specialists) == 0 {
		status, err := g.resolve(ctx, tenant.TenantID, "", date, general, hasGeneral)
		if err != nil {
			return Board{}, err
		}
		waiting, err := counter.WaitingCount(ctx, tenant.TenantID, "", date)
		if err != nil {
			return Board{}, err
		}
		board.Doctors = []BoardEntry{{
			Name:         VirtualSpecialistName,
			Specialty:    VirtualSpecialistSpecialty,
			Status:       status,
			WaitingCount: waiting,
		}}
	}

	for _, specialist := range specialists {
		status, err := g.resolve(ctx, tenant.TenantID, specialist.SpecialistID, date, general, hasGeneral)
		if err != nil {
			return Board{}, err
		}
		waiting, err := counter.WaitingCount(ctx, tenant.TenantID, specialist.SpecialistID, date)
		if err != nil {
			return Board{}, err
		}
		board.Doctors = append(board.Doctors, BoardEntry{
			SpecialistID: specialist.SpecialistID,
			Name:         specialist.Name,
			Specialty:    specialist.Specialty,
			Status:       status,
			WaitingCount: waiting,
		})
	}

	issued, err := counter.IssuedCount(ctx, tenant.TenantID, date)
	if err != nil {
		return Board{}, err
	}
	board.TokensIssuedToday = issued
	return board, nil
}
