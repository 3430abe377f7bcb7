package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewPool opens a pool and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const tenantColumns = `tenant_id, slug, name, qr_active, geo_lat, geo_lng, location_radius_meters`

func scanTenant(row pgx.Row) (models.Tenant, error) {
	var tenant models.Tenant
	err := row.Scan(&tenant.TenantID, &tenant.Slug, &tenant.Name, &tenant.QRActive, &tenant.GeoLat, &tenant.GeoLng, &tenant.LocationRadiusMeters)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Tenant{}, store.ErrTenantNotFound
		}
		return models.Tenant{}, err
	}
	return tenant, nil
}

func (s *Store) GetTenant(ctx context.Context, tenantID string) (models.Tenant, error) {
	if !isUUID(tenantID) {
		return models.Tenant{}, store.ErrTenantNotFound
	}
	return scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE tenant_id = $1`, tenantID))
}

func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	return scanTenant(s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE slug = $1`, slug))
}

func (s *Store) CreateTenant(ctx context.Context, tenant models.Tenant) (models.Tenant, error) {
	if tenant.TenantID == "" {
		tenant.TenantID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tenant.TenantID, tenant.Slug, tenant.Name, tenant.QRActive, tenant.GeoLat, tenant.GeoLng, tenant.LocationRadiusMeters)
	if err != nil {
		return models.Tenant{}, fmt.Errorf("insert tenant: %w", err)
	}
	return tenant, nil
}

const specialistColumns = `specialist_id, tenant_id, name, specialty, is_active, max_tokens_per_day`

func scanSpecialist(row pgx.Row) (models.Specialist, error) {
	var specialist models.Specialist
	err := row.Scan(&specialist.SpecialistID, &specialist.TenantID, &specialist.Name, &specialist.Specialty, &specialist.IsActive, &specialist.MaxTokensPerDay)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Specialist{}, store.ErrSpecialistNotFound
		}
		return models.Specialist{}, err
	}
	return specialist, nil
}

func (s *Store) GetSpecialist(ctx context.Context, tenantID, specialistID string) (models.Specialist, error) {
	if !isUUID(tenantID) || !isUUID(specialistID) {
		return models.Specialist{}, store.ErrSpecialistNotFound
	}
	return scanSpecialist(s.pool.QueryRow(ctx, `
		SELECT `+specialistColumns+`
		FROM specialists
		WHERE specialist_id = $1 AND tenant_id = $2 AND is_active
	`, specialistID, tenantID))
}

func (s *Store) ListActiveSpecialists(ctx context.Context, tenantID string) ([]models.Specialist, error) {
	if !isUUID(tenantID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+specialistColumns+`
		FROM specialists
		WHERE tenant_id = $1 AND is_active
		ORDER BY name ASC, specialist_id ASC
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specialists []models.Specialist
	for rows.Next() {
		specialist, err := scanSpecialist(rows)
		if err != nil {
			return nil, err
		}
		specialists = append(specialists, specialist)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return specialists, nil
}

func (s *Store) CreateSpecialist(ctx context.Context, specialist models.Specialist) (models.Specialist, error) {
	if specialist.SpecialistID == "" {
		specialist.SpecialistID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO specialists (`+specialistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, specialist.SpecialistID, specialist.TenantID, specialist.Name, specialist.Specialty, specialist.IsActive, specialist.MaxTokensPerDay)
	if err != nil {
		if isForeignKeyViolation(err) {
			return models.Specialist{}, store.ErrTenantNotFound
		}
		return models.Specialist{}, fmt.Errorf("insert specialist: %w", err)
	}
	return specialist, nil
}

func (s *Store) EnsureDefaultSpecialist(ctx context.Context, tenantID string, fallback models.Specialist) (models.Specialist, bool, error) {
	if !isUUID(tenantID) {
		return models.Specialist{}, false, store.ErrTenantNotFound
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Specialist{}, false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, "specialists|"+tenantID); err != nil {
		return models.Specialist{}, false, err
	}

	existing, err := scanSpecialist(tx.QueryRow(ctx, `
		SELECT `+specialistColumns+`
		FROM specialists
		WHERE tenant_id = $1 AND is_active
		ORDER BY name ASC, specialist_id ASC
		LIMIT 1
	`, tenantID))
	if err == nil {
		if err = tx.Commit(ctx); err != nil {
			return models.Specialist{}, false, err
		}
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrSpecialistNotFound) {
		return models.Specialist{}, false, err
	}

	fallback.SpecialistID = uuid.NewString()
	fallback.TenantID = tenantID
	fallback.IsActive = true
	_, err = tx.Exec(ctx, `
		INSERT INTO specialists (`+specialistColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, fallback.SpecialistID, fallback.TenantID, fallback.Name, fallback.Specialty, fallback.IsActive, fallback.MaxTokensPerDay)
	if err != nil {
		if isForeignKeyViolation(err) {
			err = store.ErrTenantNotFound
		}
		return models.Specialist{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Specialist{}, false, err
	}
	return fallback, true, nil
}

const patientColumns = `patient_id, tenant_id, name, phone, dob, COALESCE(address, ''), COALESCE(email, ''), COALESCE(gender, ''), created_at`

func (s *Store) FindPatientByPhone(ctx context.Context, tenantID, phone string) (models.Patient, bool, error) {
	var patient models.Patient
	err := s.pool.QueryRow(ctx, `
		SELECT `+patientColumns+`
		FROM patients
		WHERE tenant_id = $1 AND phone = $2
		ORDER BY created_at ASC
		LIMIT 1
	`, tenantID, phone).Scan(&patient.PatientID, &patient.TenantID, &patient.Name, &patient.Phone, &patient.DOB, &patient.Address, &patient.Email, &patient.Gender, &patient.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Patient{}, false, nil
		}
		return models.Patient{}, false, err
	}
	return patient, true, nil
}

func (s *Store) CreatePatient(ctx context.Context, patient models.Patient) (models.Patient, error) {
	if patient.PatientID == "" {
		patient.PatientID = uuid.NewString()
	}
	if patient.CreatedAt.IsZero() {
		patient.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO patients (patient_id, tenant_id, name, phone, dob, address, email, gender, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, patient.PatientID, patient.TenantID, patient.Name, patient.Phone, patient.DOB, nullIfEmpty(patient.Address), nullIfEmpty(patient.Email), nullIfEmpty(patient.Gender), patient.CreatedAt)
	if err != nil {
		return models.Patient{}, fmt.Errorf("insert patient: %w", err)
	}
	return patient, nil
}

func (s *Store) GetDoctorStatus(ctx context.Context, tenantID, specialistID string, date time.Time) (models.DoctorStatus, bool, error) {
	if !isUUID(tenantID) || (specialistID != "" && !isUUID(specialistID)) {
		return models.DoctorStatus{}, false, nil
	}
	var status models.DoctorStatus
	var specialist *string
	err := s.pool.QueryRow(ctx, `
		SELECT doctor_status_id, tenant_id, specialist_id, date, status, set_by, updated_at
		FROM doctor_status
		WHERE tenant_id = $1 AND specialist_id IS NOT DISTINCT FROM $2::uuid AND date = $3
	`, tenantID, nullIfEmpty(specialistID), date).Scan(&status.DoctorStatusID, &status.TenantID, &specialist, &status.Date, &status.Status, &status.SetBy, &status.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DoctorStatus{}, false, nil
		}
		return models.DoctorStatus{}, false, err
	}
	if specialist != nil {
		status.SpecialistID = *specialist
	}
	return status, true, nil
}

func (s *Store) UpsertDoctorStatus(ctx context.Context, status models.DoctorStatus) (models.DoctorStatus, error) {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO doctor_status (doctor_status_id, tenant_id, specialist_id, date, status, set_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant_id, (COALESCE(specialist_id, '00000000-0000-0000-0000-000000000000'::uuid)), date)
		DO UPDATE SET status = EXCLUDED.status, set_by = EXCLUDED.set_by, updated_at = EXCLUDED.updated_at
		RETURNING doctor_status_id
	`, uuid.NewString(), status.TenantID, nullIfEmpty(status.SpecialistID), status.Date, status.Status, status.SetBy, status.UpdatedAt).Scan(&status.DoctorStatusID)
	if err != nil {
		if isForeignKeyViolation(err) {
			if status.SpecialistID != "" {
				return models.DoctorStatus{}, store.ErrSpecialistNotFound
			}
			return models.DoctorStatus{}, store.ErrTenantNotFound
		}
		return models.DoctorStatus{}, fmt.Errorf("upsert doctor status: %w", err)
	}
	return status, nil
}

// advisoryLock takes a transaction-scoped lock on key.
func advisoryLock(ctx context.Context, tx pgx.Tx, key string) error {
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
