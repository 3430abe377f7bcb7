package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const tokenSelect = `
	SELECT t.token_id, t.public_id, t.tenant_id, t.specialist_id, t.date, t.token_number, t.status,
		t.patient_id, t.created_lat, t.created_lng, t.expires_at, t.source, t.created_at, t.updated_at,
		s.name, s.specialty, s.is_active, s.max_tokens_per_day,
		p.name, p.phone, p.dob, p.address, p.email, p.gender, p.created_at
	FROM tokens t
	JOIN specialists s ON s.specialist_id = t.specialist_id
	LEFT JOIN patients p ON p.patient_id = t.patient_id
`

func scanToken(row pgx.Row) (models.Token, error) {
	var token models.Token
	var specialist models.Specialist
	var patientName, patientPhone sql.NullString
	var patientAddress, patientEmail, patientGender sql.NullString
	var patientDOB, patientCreatedAt sql.NullTime

	err := row.Scan(
		&token.TokenID, &token.PublicID, &token.TenantID, &token.SpecialistID, &token.Date, &token.TokenNumber, &token.Status,
		&token.PatientID, &token.CreatedLat, &token.CreatedLng, &token.ExpiresAt, &token.Source, &token.CreatedAt, &token.UpdatedAt,
		&specialist.Name, &specialist.Specialty, &specialist.IsActive, &specialist.MaxTokensPerDay,
		&patientName, &patientPhone, &patientDOB, &patientAddress, &patientEmail, &patientGender, &patientCreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, err
	}

	specialist.SpecialistID = token.SpecialistID
	specialist.TenantID = token.TenantID
	token.Specialist = &specialist

	if token.PatientID != nil && patientName.Valid {
		token.Patient = &models.Patient{
			PatientID: *token.PatientID,
			TenantID:  token.TenantID,
			Name:      patientName.String,
			Phone:     patientPhone.String,
			DOB:       nullTimePtr(patientDOB),
			Address:   patientAddress.String,
			Email:     patientEmail.String,
			Gender:    patientGender.String,
			CreatedAt: patientCreatedAt.Time,
		}
	}
	return token, nil
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time
	return &t
}

func (s *Store) WithinPartition(ctx context.Context, partition models.Partition, fn func(tx store.PartitionTx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	if err = advisoryLock(ctx, tx, "partition|"+partition.Key()); err != nil {
		return err
	}
	if err = fn(&partitionTx{tx: tx, partition: partition}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return store.ErrTokenConflict
		}
		return err
	}
	return nil
}

type partitionTx struct {
	tx        pgx.Tx
	partition models.Partition
}

func (p *partitionTx) CountTokens(ctx context.Context) (int, error) {
	var count int
	err := p.tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM tokens
		WHERE tenant_id = $1 AND specialist_id = $2 AND date = $3
	`, p.partition.TenantID, p.partition.SpecialistID, p.partition.Date).Scan(&count)
	return count, err
}

// NextTokenNumber advances the partition's sequence row. The row is seeded
// from the highest issued number so existing data stays gapless.
func (p *partitionTx) NextTokenNumber(ctx context.Context) (int, error) {
	var next int
	err := p.tx.QueryRow(ctx, `
		INSERT INTO token_sequences (tenant_id, specialist_id, date, last_number)
		VALUES ($1, $2, $3, (
			SELECT COALESCE(MAX(token_number), 0) + 1
			FROM tokens
			WHERE tenant_id = $1 AND specialist_id = $2 AND date = $3
		))
		ON CONFLICT (tenant_id, specialist_id, date)
		DO UPDATE SET last_number = GREATEST(token_sequences.last_number + 1, EXCLUDED.last_number)
		RETURNING last_number
	`, p.partition.TenantID, p.partition.SpecialistID, p.partition.Date).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next token number: %w", err)
	}
	return next, nil
}

func (p *partitionTx) InsertToken(ctx context.Context, token models.Token) (models.Token, error) {
	if token.TokenID == "" {
		token.TokenID = uuid.NewString()
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}
	token.UpdatedAt = token.CreatedAt
	if token.Source == "" {
		token.Source = models.SourceQRWeb
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO tokens (token_id, public_id, tenant_id, specialist_id, date, token_number, status,
			patient_id, created_lat, created_lng, expires_at, source, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, token.TokenID, token.PublicID, token.TenantID, token.SpecialistID, token.Date, token.TokenNumber, token.Status,
		token.PatientID, token.CreatedLat, token.CreatedLng, token.ExpiresAt, token.Source, token.CreatedAt, token.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Token{}, store.ErrTokenConflict
		}
		if isForeignKeyViolation(err) {
			return models.Token{}, store.ErrSpecialistNotFound
		}
		return models.Token{}, fmt.Errorf("insert token: %w", err)
	}
	return token, nil
}

func (p *partitionTx) InsertAppointment(ctx context.Context, appointment models.Appointment) error {
	if appointment.AppointmentID == "" {
		appointment.AppointmentID = uuid.NewString()
	}
	if appointment.CreatedAt.IsZero() {
		appointment.CreatedAt = time.Now().UTC()
	}
	_, err := p.tx.Exec(ctx, `
		INSERT INTO appointments (appointment_id, tenant_id, patient_id, specialist_id, token_id, visit_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, appointment.AppointmentID, appointment.TenantID, appointment.PatientID, appointment.SpecialistID,
		appointment.TokenID, appointment.VisitDate, appointment.Status, appointment.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (s *Store) GetToken(ctx context.Context, tenantID, tokenID string) (models.Token, error) {
	if !isUUID(tenantID) || !isUUID(tokenID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return scanToken(s.pool.QueryRow(ctx, tokenSelect+` WHERE t.token_id = $1 AND t.tenant_id = $2`, tokenID, tenantID))
}

func (s *Store) GetTokenByPublicID(ctx context.Context, tenantID, publicID string) (models.Token, error) {
	if !isUUID(tenantID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	return scanToken(s.pool.QueryRow(ctx, tokenSelect+` WHERE t.public_id = $1 AND t.tenant_id = $2`, publicID, tenantID))
}

// queueFilterSQL builds the WHERE clause shared by queue reads. The
// specialist condition is only added when the filter names one.
func queueFilterSQL(tenantID, specialistID string, date time.Time, status string) (string, []interface{}) {
	args := []interface{}{tenantID, date, status}
	where := ` WHERE t.tenant_id = $1 AND t.date = $2 AND t.status = $3`
	if specialistID != "" {
		args = append(args, specialistID)
		where += ` AND t.specialist_id = $` + strconv.Itoa(len(args))
	}
	return where, args
}

func (s *Store) ListWaiting(ctx context.Context, filter store.QueueFilter) ([]models.Token, error) {
	if !isUUID(filter.TenantID) || (filter.SpecialistID != "" && !isUUID(filter.SpecialistID)) {
		return nil, nil
	}
	where, args := queueFilterSQL(filter.TenantID, filter.SpecialistID, filter.Date, models.StatusWaiting)
	rows, err := s.pool.Query(ctx, tokenSelect+where+` ORDER BY t.token_number ASC, t.created_at ASC, t.token_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) CallNext(ctx context.Context, filter store.QueueFilter, calledAt time.Time) (token models.Token, ok bool, err error) {
	if !isUUID(filter.TenantID) || (filter.SpecialistID != "" && !isUUID(filter.SpecialistID)) {
		return models.Token{}, false, nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback(ctx)
		}
	}()

	where, args := queueFilterSQL(filter.TenantID, filter.SpecialistID, filter.Date, models.StatusWaiting)
	args = append(args, models.StatusCalled, calledAt)
	statusArg := len(args) - 1
	atArg := len(args)

	var tokenID string
	err = tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT t.token_id
			FROM tokens t`+where+`
			ORDER BY t.token_number ASC, t.created_at ASC, t.token_id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = $`+strconv.Itoa(statusArg)+`, updated_at = $`+strconv.Itoa(atArg)+`
		FROM next_token
		WHERE tokens.token_id = next_token.token_id
		RETURNING tokens.token_id
	`, args...).Scan(&tokenID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = nil
			return models.Token{}, false, nil
		}
		return models.Token{}, false, err
	}

	if err = cascadeAppointment(ctx, tx, tokenID, store.ActionCallNext, calledAt); err != nil {
		return models.Token{}, false, err
	}
	token, err = scanToken(tx.QueryRow(ctx, tokenSelect+` WHERE t.token_id = $1`, tokenID))
	if err != nil {
		return models.Token{}, false, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, false, err
	}
	return token, true, nil
}

func (s *Store) TransitionToken(ctx context.Context, input store.TransitionInput) (token models.Token, err error) {
	if !isUUID(input.TenantID) || !isUUID(input.TokenID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	target := store.TargetStatus(input.Action)
	if target == "" {
		return models.Token{}, store.ErrInvalidState
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	tag, err := tx.Exec(ctx, `
		UPDATE tokens
		SET status = $1, updated_at = $2
		WHERE token_id = $3 AND tenant_id = $4 AND status = ANY($5)
	`, target, occurredAt, input.TokenID, input.TenantID, store.AllowedFrom(input.Action))
	if err != nil {
		return models.Token{}, err
	}
	if tag.RowsAffected() == 0 {
		current, loadErr := scanToken(tx.QueryRow(ctx, tokenSelect+` WHERE t.token_id = $1 AND t.tenant_id = $2`, input.TokenID, input.TenantID))
		if loadErr != nil {
			err = loadErr
			return models.Token{}, err
		}
		err = store.ErrInvalidState
		return current, err
	}

	if err = cascadeAppointment(ctx, tx, input.TokenID, input.Action, occurredAt); err != nil {
		return models.Token{}, err
	}
	token, err = scanToken(tx.QueryRow(ctx, tokenSelect+` WHERE t.token_id = $1`, input.TokenID))
	if err != nil {
		return models.Token{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func cascadeAppointment(ctx context.Context, tx pgx.Tx, tokenID, action string, at time.Time) error {
	status, ok := store.AppointmentCascade(action)
	if !ok {
		return nil
	}
	_, err := tx.Exec(ctx, `UPDATE appointments SET status = $1, updated_at = $2 WHERE token_id = $3`, status, at, tokenID)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return nil
}

func (s *Store) CountTokens(ctx context.Context, filter store.CountFilter) (int, error) {
	if !isUUID(filter.TenantID) || (filter.SpecialistID != "" && !isUUID(filter.SpecialistID)) {
		return 0, nil
	}
	args := []interface{}{filter.TenantID, filter.Date}
	query := `SELECT COUNT(*) FROM tokens WHERE tenant_id = $1 AND date = $2`
	if filter.SpecialistID != "" {
		args = append(args, filter.SpecialistID)
		query += ` AND specialist_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	var count int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListExpiredTokens(ctx context.Context, now time.Time, limit int) ([]models.Token, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, tokenSelect+`
		WHERE t.expires_at <= $1 AND t.status = ANY($2)
		ORDER BY t.expires_at ASC
		LIMIT $3
	`, now, store.AllowedFrom(store.ActionExpire), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (s *Store) GetAppointmentByToken(ctx context.Context, tenantID, tokenID string) (models.Appointment, error) {
	if !isUUID(tenantID) || !isUUID(tokenID) {
		return models.Appointment{}, store.ErrTokenNotFound
	}
	var appointment models.Appointment
	var diagnosis, prescription, notes sql.NullString
	err := s.pool.QueryRow(ctx, `
		SELECT appointment_id, tenant_id, patient_id, specialist_id, token_id, visit_date, status,
			diagnosis, prescription, notes, created_at, updated_at
		FROM appointments
		WHERE token_id = $1 AND tenant_id = $2
	`, tokenID, tenantID).Scan(&appointment.AppointmentID, &appointment.TenantID, &appointment.PatientID, &appointment.SpecialistID,
		&appointment.TokenID, &appointment.VisitDate, &appointment.Status, &diagnosis, &prescription, &notes,
		&appointment.CreatedAt, &appointment.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Appointment{}, store.ErrTokenNotFound
		}
		return models.Appointment{}, err
	}
	appointment.Diagnosis = diagnosis.String
	appointment.Prescription = prescription.String
	appointment.Notes = notes.String
	return appointment, nil
}
