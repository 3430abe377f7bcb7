package store

import (
	"context"
	"time"

	"qms/clinic-queue/internal/models"
)

type TenantStore interface {
	GetTenant(ctx context.Context, tenantID string) (models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error)
}

type SpecialistStore interface {
	GetSpecialist(ctx context.Context, tenantID, specialistID string) (models.Specialist, error)
	// ListActiveSpecialists orders by name, then id.
	ListActiveSpecialists(ctx context.Context, tenantID string) ([]models.Specialist, error)
	// EnsureDefaultSpecialist creates fallback only when the tenant has no
	// active specialist; otherwise it returns the first active one. The bool
	// reports whether a row was created.
	EnsureDefaultSpecialist(ctx context.Context, tenantID string, fallback models.Specialist) (models.Specialist, bool, error)
}

type PatientStore interface {
	FindPatientByPhone(ctx context.Context, tenantID, phone string) (models.Patient, bool, error)
	CreatePatient(ctx context.Context, patient models.Patient) (models.Patient, error)
}

type DoctorStatusStore interface {
	// GetDoctorStatus looks up the record for specialistID, or the general
	// record when specialistID is empty.
	GetDoctorStatus(ctx context.Context, tenantID, specialistID string, date time.Time) (models.DoctorStatus, bool, error)
	UpsertDoctorStatus(ctx context.Context, status models.DoctorStatus) (models.DoctorStatus, error)
}

type QueueFilter struct {
	TenantID     string
	SpecialistID string
	Date         time.Time
}

type CountFilter struct {
	TenantID     string
	SpecialistID string
	Date         time.Time
	Status       string
}

type TransitionInput struct {
	TenantID   string
	TokenID    string
	Action     string
	OccurredAt time.Time
}

// PartitionTx is the unit of work for a single partition. Everything done
// through it commits or rolls back together.
type PartitionTx interface {
	CountTokens(ctx context.Context) (int, error)
	NextTokenNumber(ctx context.Context) (int, error)
	InsertToken(ctx context.Context, token models.Token) (models.Token, error)
	InsertAppointment(ctx context.Context, appointment models.Appointment) error
}

type TokenStore interface {
	// WithinPartition runs fn while holding the partition's lock; no other
	// WithinPartition call for the same partition interleaves with it.
	WithinPartition(ctx context.Context, partition models.Partition, fn func(tx PartitionTx) error) error
	GetToken(ctx context.Context, tenantID, tokenID string) (models.Token, error)
	GetTokenByPublicID(ctx context.Context, tenantID, publicID string) (models.Token, error)
	// ListWaiting returns WAITING tokens ordered by token number, then
	// creation time and id.
	ListWaiting(ctx context.Context, filter QueueFilter) ([]models.Token, error)
	// CallNext moves the head of the queue to CALLED and cascades its
	// appointment. The bool is false when the queue is empty.
	CallNext(ctx context.Context, filter QueueFilter, calledAt time.Time) (models.Token, bool, error)
	// TransitionToken applies action only if the token is currently in one of
	// the action's allowed statuses.
	TransitionToken(ctx context.Context, input TransitionInput) (models.Token, error)
	CountTokens(ctx context.Context, filter CountFilter) (int, error)
	ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]models.Token, error)
	GetAppointmentByToken(ctx context.Context, tenantID, tokenID string) (models.Appointment, error)
}

type Store interface {
	TenantStore
	SpecialistStore
	PatientStore
	DoctorStatusStore
	TokenStore
}
