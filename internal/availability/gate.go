// Package availability decides whether a clinic, or one of its specialists,
// is taking walk-in tokens on a given day.
//
// A tenant-wide "general" record (no specialist) and per-specialist records
// are combined with this precedence:
//
//  1. general record IN: every specialist is IN
//  2. specialist record present: use it
//  3. general record present (OUT): use it
//  4. no record: OUT
package availability

import (
	"context"
	"errors"
	"time"

	"qms/clinic-queue/internal/models"
)

var ErrInvalidStatus = errors.New("status must be IN or OUT")

type StatusStore interface {
	GetDoctorStatus(ctx context.Context, tenantID, specialistID string, date time.Time) (models.DoctorStatus, bool, error)
	UpsertDoctorStatus(ctx context.Context, status models.DoctorStatus) (models.DoctorStatus, error)
}

type Gate struct {
	store StatusStore
	now   func() time.Time
}

func NewGate(store StatusStore) *Gate {
	return &Gate{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// CurrentStatus resolves the effective status. An empty specialistID asks
// for the clinic-wide status, which only the general record drives.
func (g *Gate) CurrentStatus(ctx context.Context, tenantID, specialistID string, date time.Time) (string, error) {
	general, hasGeneral, err := g.store.GetDoctorStatus(ctx, tenantID, "", date)
	if err != nil {
		return "", err
	}
	return g.resolve(ctx, tenantID, specialistID, date, general, hasGeneral)
}

func (g *Gate) resolve(ctx context.Context, tenantID, specialistID string, date time.Time, general models.DoctorStatus, hasGeneral bool) (string, error) {
	if hasGeneral && general.Status == models.DoctorIn {
		return models.DoctorIn, nil
	}
	if specialistID != "" {
		own, found, err := g.store.GetDoctorStatus(ctx, tenantID, specialistID, date)
		if err != nil {
			return "", err
		}
		if found {
			return own.Status, nil
		}
	}
	if hasGeneral {
		return general.Status, nil
	}
	return models.DoctorOut, nil
}

func (g *Gate) IsAccepting(ctx context.Context, tenantID, specialistID string, date time.Time) (bool, error) {
	status, err := g.CurrentStatus(ctx, tenantID, specialistID, date)
	if err != nil {
		return false, err
	}
	return status == models.DoctorIn, nil
}

// SetStatus upserts the record for {tenant, specialist-or-general, date}.
// Repeating a call overwrites setBy and keeps the single row.
func (g *Gate) SetStatus(ctx context.Context, tenantID, specialistID string, date time.Time, status, setBy string) (models.DoctorStatus, error) {
	if status != models.DoctorIn && status != models.DoctorOut {
		return models.DoctorStatus{}, ErrInvalidStatus
	}
	return g.store.UpsertDoctorStatus(ctx, models.DoctorStatus{
		TenantID:     tenantID,
		SpecialistID: specialistID,
		Date:         date,
		Status:       status,
		SetBy:        setBy,
		UpdatedAt:    g.now(),
	})
}
