// Package queue issues walk-in tokens and advances the per-specialist daily
// queues built from them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"qms/clinic-queue/internal/availability"
	"qms/clinic-queue/internal/geofence"
	"qms/clinic-queue/internal/models"
	"qms/clinic-queue/internal/publicid"
	"qms/clinic-queue/internal/store"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxTokensPerDay = 50
	DefaultTokenTTL        = 24 * time.Hour
	expiryBatchSize        = 100
)

type Options struct {
	// Now defaults to time.Now.
	Now func() time.Time
	// Location defines the clinic's civil day; defaults to UTC.
	Location            *time.Location
	DefaultMaxTokens    int
	DefaultRadiusMeters float64
	TokenTTL            time.Duration
	Logger              zerolog.Logger
	Publisher           Publisher
	Tracer              trace.Tracer
	// NewPublicID defaults to publicid.New.
	NewPublicID func() (string, error)
}

type Engine struct {
	store       store.Store
	gate        *availability.Gate
	now         func() time.Time
	location    *time.Location
	maxTokens   int
	radius      float64
	ttl         time.Duration
	logger      zerolog.Logger
	publisher   Publisher
	tracer      trace.Tracer
	newPublicID func() (string, error)
}

func NewEngine(st store.Store, options Options) *Engine {
	e := &Engine{
		store:       st,
		gate:        availability.NewGate(st),
		now:         options.Now,
		location:    options.Location,
		maxTokens:   options.DefaultMaxTokens,
		radius:      options.DefaultRadiusMeters,
		ttl:         options.TokenTTL,
		logger:      options.Logger,
		publisher:   options.Publisher,
		tracer:      options.Tracer,
		newPublicID: options.NewPublicID,
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.location == nil {
		e.location = time.UTC
	}
	if e.maxTokens <= 0 {
		e.maxTokens = DefaultMaxTokensPerDay
	}
	if e.radius <= 0 {
		e.radius = geofence.DefaultRadiusMeters
	}
	if e.ttl <= 0 {
		e.ttl = DefaultTokenTTL
	}
	if e.publisher == nil {
		e.publisher = nopPublisher{}
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("qms/clinic-queue/queue")
	}
	if e.newPublicID == nil {
		e.newPublicID = publicid.New
	}
	return e
}

// Today is the clinic's current civil date as a partition date.
func (e *Engine) Today() time.Time {
	return models.Day(e.now(), e.location)
}

func (e *Engine) Gate() *availability.Gate {
	return e.gate
}

type CreatedToken struct {
	Token           models.Token `json:"token"`
	PositionInQueue int          `json:"position_in_queue"`
}

func (e *Engine) CreateToken(ctx context.Context, tenantID string, req CreateTokenRequest) (created CreatedToken, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CreateToken", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer func() { endSpan(span, err) }()

	now := e.now().UTC()
	today := models.Day(now, e.location)

	req = normalize(req)
	if err := ValidateCreateToken(req, today); err != nil {
		return CreatedToken{}, err
	}

	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return CreatedToken{}, e.translate(err, tenantID)
	}
	specialist, err := e.resolveSpecialist(ctx, tenant.TenantID, req.SpecialistID)
	if err != nil {
		return CreatedToken{}, err
	}
	span.SetAttributes(attribute.String("specialist.id", specialist.SpecialistID))

	if req.Source == models.SourceQRWeb && !tenant.QRActive {
		return CreatedToken{}, &ForbiddenError{Reason: ReasonQRInactive, Message: "QR code is not active for this clinic"}
	}
	accepting, err := e.gate.IsAccepting(ctx, tenant.TenantID, specialist.SpecialistID, today)
	if err != nil {
		return CreatedToken{}, err
	}
	if !accepting {
		return CreatedToken{}, &ForbiddenError{Reason: ReasonDoctorOut, Message: "Doctor is currently OUT"}
	}

	var location *models.Location
	if req.Location != nil {
		location = &models.Location{Lat: *req.Location.Lat, Lng: *req.Location.Lng}
		if err := e.checkGeofence(tenant, *location); err != nil {
			return CreatedToken{}, err
		}
	}

	partition := models.Partition{TenantID: tenant.TenantID, SpecialistID: specialist.SpecialistID, Date: today}
	limit := e.maxTokens
	if specialist.MaxTokensPerDay != nil && *specialist.MaxTokensPerDay > 0 {
		limit = *specialist.MaxTokensPerDay
	}
	issued, err := e.store.CountTokens(ctx, store.CountFilter{TenantID: partition.TenantID, SpecialistID: partition.SpecialistID, Date: today})
	if err != nil {
		return CreatedToken{}, err
	}
	if issued >= limit {
		return CreatedToken{}, dailyLimitError()
	}

	patient, err := e.resolvePatient(ctx, tenant.TenantID, req.Patient, now)
	if err != nil {
		return CreatedToken{}, err
	}

	token, err := e.issue(ctx, partition, limit, patient, location, req.Source, now)
	if err != nil {
		return CreatedToken{}, err
	}
	token.Specialist = &specialist
	token.Patient = &patient

	position, err := e.QueuePosition(ctx, token)
	if err != nil {
		return CreatedToken{}, err
	}

	e.logger.Info().
		Str("tenant_id", token.TenantID).
		Str("specialist_id", token.SpecialistID).
		Str("token_id", token.TokenID).
		Int("token_number", token.TokenNumber).
		Str("source", token.Source).
		Msg("token issued")
	e.publish(EventTokenCreated, token)

	return CreatedToken{Token: token, PositionInQueue: position}, nil
}

// issue allocates the number and writes token and appointment as one unit of
// work. A collision is retried once with a fresh public id.
func (e *Engine) issue(ctx context.Context, partition models.Partition, limit int, patient models.Patient, location *models.Location, source string, now time.Time) (models.Token, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := e.issueOnce(ctx, partition, limit, patient, location, source, now)
		switch {
		case err == nil:
			return token, nil
		case errors.Is(err, store.ErrDailyLimit):
			return models.Token{}, dailyLimitError()
		case errors.Is(err, store.ErrTokenConflict):
			lastErr = err
			e.logger.Warn().Str("partition", partition.Key()).Int("attempt", attempt+1).Msg("token allocation conflict")
		default:
			return models.Token{}, e.translate(err, partition.TenantID)
		}
	}
	return models.Token{}, &ConflictError{Err: lastErr}
}

func (e *Engine) issueOnce(ctx context.Context, partition models.Partition, limit int, patient models.Patient, location *models.Location, source string, now time.Time) (models.Token, error) {
	publicID, err := e.newPublicID()
	if err != nil {
		return models.Token{}, err
	}
	expiresAt := now.Add(e.ttl)

	var token models.Token
	err = e.store.WithinPartition(ctx, partition, func(tx store.PartitionTx) error {
		count, err := tx.CountTokens(ctx)
		if err != nil {
			return err
		}
		if count >= limit {
			return store.ErrDailyLimit
		}
		number, err := tx.NextTokenNumber(ctx)
		if err != nil {
			return err
		}
		candidate := models.Token{
			PublicID:     publicID,
			TenantID:     partition.TenantID,
			SpecialistID: partition.SpecialistID,
			Date:         partition.Date,
			TokenNumber:  number,
			Status:       models.StatusWaiting,
			PatientID:    &patient.PatientID,
			ExpiresAt:    &expiresAt,
			Source:       source,
			CreatedAt:    now,
		}
		if location != nil {
			lat, lng := location.Lat, location.Lng
			candidate.CreatedLat = &lat
			candidate.CreatedLng = &lng
		}
		token, err = tx.InsertToken(ctx, candidate)
		if err != nil {
			return err
		}
		return tx.InsertAppointment(ctx, models.Appointment{
			TenantID:     partition.TenantID,
			PatientID:    patient.PatientID,
			SpecialistID: partition.SpecialistID,
			TokenID:      token.TokenID,
			VisitDate:    partition.Date,
			Status:       models.AppointmentWaiting,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func dailyLimitError() error {
	return &ForbiddenError{Reason: ReasonDailyLimit, Message: "Daily token limit reached"}
}

func (e *Engine) resolveSpecialist(ctx context.Context, tenantID, specialistID string) (models.Specialist, error) {
	if specialistID != "" {
		specialist, err := e.store.GetSpecialist(ctx, tenantID, specialistID)
		if err != nil {
			return models.Specialist{}, e.translate(err, specialistID)
		}
		return specialist, nil
	}
	return e.EnsureDefaultSpecialist(ctx, tenantID)
}

// EnsureDefaultSpecialist returns the tenant's first active specialist by
// name, creating a General Practitioner when the tenant has none.
func (e *Engine) EnsureDefaultSpecialist(ctx context.Context, tenantID string) (models.Specialist, error) {
	specialist, created, err := e.store.EnsureDefaultSpecialist(ctx, tenantID, models.Specialist{
		Name:      availability.VirtualSpecialistName,
		Specialty: availability.VirtualSpecialistSpecialty,
		IsActive:  true,
	})
	if err != nil {
		return models.Specialist{}, e.translate(err, tenantID)
	}
	if created {
		e.logger.Info().Str("tenant_id", tenantID).Str("specialist_id", specialist.SpecialistID).Msg("default specialist created")
	}
	return specialist, nil
}

func (e *Engine) checkGeofence(tenant models.Tenant, point models.Location) error {
	radius := e.radius
	if tenant.LocationRadiusMeters != nil && *tenant.LocationRadiusMeters > 0 {
		radius = *tenant.LocationRadiusMeters
	}
	result := geofence.Validate(geofence.TenantCenter(tenant), &radius, point)
	if result.Skipped {
		e.logger.Debug().Str("tenant_id", tenant.TenantID).Msg("clinic location not configured, skipping geofence")
		return nil
	}
	distance := result.RoundedDistance()
	if !result.Accepted {
		e.logger.Debug().Str("tenant_id", tenant.TenantID).Int("distance_m", distance).Float64("radius_m", result.RadiusMeters).Msg("geofence rejected")
		return &ForbiddenError{
			Reason:   ReasonGeofence,
			Message:  fmt.Sprintf("You must be within %sm of the clinic to get a token. Current distance: %dm", formatMeters(result.RadiusMeters), distance),
			Distance: &distance,
			Radius:   &result.RadiusMeters,
		}
	}
	e.logger.Debug().Str("tenant_id", tenant.TenantID).Int("distance_m", distance).Msg("geofence accepted")
	return nil
}

func formatMeters(value float64) string {
	if value == float64(int64(value)) {
		return fmt.Sprintf("%d", int64(value))
	}
	return fmt.Sprintf("%.1f", value)
}

// resolvePatient finds the tenant's patient by phone or creates one. Two
// concurrent first submissions for a phone may create two rows.
func (e *Engine) resolvePatient(ctx context.Context, tenantID string, input PatientInput, now time.Time) (models.Patient, error) {
	patient, found, err := e.store.FindPatientByPhone(ctx, tenantID, input.Phone)
	if err != nil {
		return models.Patient{}, err
	}
	if found {
		return patient, nil
	}
	var dob *time.Time
	if parsed, err := time.Parse(models.DateLayout, input.DOB); err == nil {
		dob = &parsed
	}
	return e.store.CreatePatient(ctx, models.Patient{
		TenantID:  tenantID,
		Name:      input.Name,
		Phone:     input.Phone,
		DOB:       dob,
		Address:   input.Address,
		Email:     input.Email,
		Gender:    input.Gender,
		CreatedAt: now,
	})
}

// QueuePosition is the 1-based place of token among the WAITING tokens of its
// partition, or 0 when it is no longer waiting.
func (e *Engine) QueuePosition(ctx context.Context, token models.Token) (int, error) {
	waiting, err := e.store.ListWaiting(ctx, store.QueueFilter{TenantID: token.TenantID, SpecialistID: token.SpecialistID, Date: token.Date})
	if err != nil {
		return 0, err
	}
	for i, candidate := range waiting {
		if candidate.TokenID == token.TokenID {
			return i + 1, nil
		}
	}
	return 0, nil
}

// GetQueue lists WAITING tokens in queue order. An empty specialistID covers
// every specialist; a zero date means today.
func (e *Engine) GetQueue(ctx context.Context, tenantID, specialistID string, date time.Time) ([]models.Token, error) {
	if _, err := e.store.GetTenant(ctx, tenantID); err != nil {
		return nil, e.translate(err, tenantID)
	}
	if date.IsZero() {
		date = e.Today()
	}
	tokens, err := e.store.ListWaiting(ctx, store.QueueFilter{TenantID: tenantID, SpecialistID: specialistID, Date: date})
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		tokens = []models.Token{}
	}
	return tokens, nil
}

// CallNextToken moves the head of today's queue to CALLED. The bool is false
// when nothing is waiting.
func (e *Engine) CallNextToken(ctx context.Context, tenantID, specialistID string) (token models.Token, ok bool, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.CallNextToken", trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer func() { endSpan(span, err) }()

	if _, err := e.store.GetTenant(ctx, tenantID); err != nil {
		return models.Token{}, false, e.translate(err, tenantID)
	}
	now := e.now().UTC()
	filter := store.QueueFilter{TenantID: tenantID, SpecialistID: specialistID, Date: models.Day(now, e.location)}
	token, ok, err = e.store.CallNext(ctx, filter, now)
	if err != nil {
		return models.Token{}, false, err
	}
	if !ok {
		return models.Token{}, false, nil
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("token_id", token.TokenID).Int("token_number", token.TokenNumber).Msg("token called")
	e.publish(EventTokenCalled, token)
	return token, true, nil
}

// UpdateTokenStatus applies a staff transition. Targets outside the
// transition table, and moves from a status that does not allow them, fail
// with a TransitionError.
func (e *Engine) UpdateTokenStatus(ctx context.Context, tenantID, tokenID, status string) (token models.Token, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.UpdateTokenStatus", trace.WithAttributes(
		attribute.String("tenant.id", tenantID),
		attribute.String("token.id", tokenID),
		attribute.String("token.status", status),
	))
	defer func() { endSpan(span, err) }()

	if !models.IsTokenStatus(status) {
		return models.Token{}, ValidationErrors{{Field: "status", Message: "Unknown token status"}}
	}
	current, err := e.store.GetToken(ctx, tenantID, tokenID)
	if err != nil {
		return models.Token{}, e.translate(err, tokenID)
	}
	action, ok := store.ActionForTarget(status)
	if !ok {
		return models.Token{}, &TransitionError{TokenID: tokenID, From: current.Status, To: status}
	}
	token, err = e.store.TransitionToken(ctx, store.TransitionInput{
		TenantID:   tenantID,
		TokenID:    tokenID,
		Action:     action,
		OccurredAt: e.now().UTC(),
	})
	if err != nil {
		if errors.Is(err, store.ErrInvalidState) {
			from := token.Status
			if from == "" {
				from = current.Status
			}
			return models.Token{}, &TransitionError{TokenID: tokenID, From: from, To: status}
		}
		return models.Token{}, e.translate(err, tokenID)
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("token_id", tokenID).Str("from", current.Status).Str("to", token.Status).Msg("token status updated")
	e.publish(EventTokenStatus, token)
	return token, nil
}

// GetTodayStats counts today's tokens per status with independent queries.
func (e *Engine) GetTodayStats(ctx context.Context, tenantID, specialistID string) (models.Stats, error) {
	if _, err := e.store.GetTenant(ctx, tenantID); err != nil {
		return models.Stats{}, e.translate(err, tenantID)
	}
	filter := store.CountFilter{TenantID: tenantID, SpecialistID: specialistID, Date: e.Today()}
	var stats models.Stats
	counts := []struct {
		status string
		dest   *int
	}{
		{"", &stats.Total},
		{models.StatusWaiting, &stats.Waiting},
		{models.StatusCompleted, &stats.Completed},
		{models.StatusExpired, &stats.Expired},
	}
	for _, c := range counts {
		filter.Status = c.status
		count, err := e.store.CountTokens(ctx, filter)
		if err != nil {
			return models.Stats{}, err
		}
		*c.dest = count
	}
	return stats, nil
}

func (e *Engine) GetTokenByPublicID(ctx context.Context, tenantID, publicID string) (models.Token, error) {
	token, err := e.store.GetTokenByPublicID(ctx, tenantID, publicID)
	if err != nil {
		return models.Token{}, e.translate(err, publicID)
	}
	return token, nil
}

// TokenStatus is the public view of a token with its live queue position.
type TokenStatus struct {
	Token           models.Token `json:"token"`
	PositionInQueue int          `json:"position_in_queue"`
}

func (e *Engine) GetTokenStatus(ctx context.Context, tenantID, publicID string) (TokenStatus, error) {
	token, err := e.GetTokenByPublicID(ctx, tenantID, publicID)
	if err != nil {
		return TokenStatus{}, err
	}
	position, err := e.QueuePosition(ctx, token)
	if err != nil {
		return TokenStatus{}, err
	}
	return TokenStatus{Token: token, PositionInQueue: position}, nil
}

func (e *Engine) GetTenantBySlug(ctx context.Context, slug string) (models.Tenant, error) {
	tenant, err := e.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return models.Tenant{}, e.translate(err, slug)
	}
	return tenant, nil
}

// ClinicStatus builds today's public board for the tenant.
func (e *Engine) ClinicStatus(ctx context.Context, tenantID string) (availability.Board, error) {
	tenant, err := e.store.GetTenant(ctx, tenantID)
	if err != nil {
		return availability.Board{}, e.translate(err, tenantID)
	}
	specialists, err := e.store.ListActiveSpecialists(ctx, tenantID)
	if err != nil {
		return availability.Board{}, err
	}
	return e.gate.Board(ctx, tenant, specialists, e.Today(), e.maxTokens, boardCounter{store: e.store})
}

type boardCounter struct {
	store store.TokenStore
}

func (c boardCounter) WaitingCount(ctx context.Context, tenantID, specialistID string, date time.Time) (int, error) {
	return c.store.CountTokens(ctx, store.CountFilter{TenantID: tenantID, SpecialistID: specialistID, Date: date, Status: models.StatusWaiting})
}

func (c boardCounter) IssuedCount(ctx context.Context, tenantID string, date time.Time) (int, error) {
	return c.store.CountTokens(ctx, store.CountFilter{TenantID: tenantID, Date: date})
}

// SetDoctorStatus records today's IN/OUT status for a specialist, or the
// general status when specialistID is empty.
func (e *Engine) SetDoctorStatus(ctx context.Context, tenantID, specialistID, status, setBy string) (models.DoctorStatus, error) {
	if _, err := e.store.GetTenant(ctx, tenantID); err != nil {
		return models.DoctorStatus{}, e.translate(err, tenantID)
	}
	if specialistID != "" {
		if _, err := e.store.GetSpecialist(ctx, tenantID, specialistID); err != nil {
			return models.DoctorStatus{}, e.translate(err, specialistID)
		}
	}
	record, err := e.gate.SetStatus(ctx, tenantID, specialistID, e.Today(), status, setBy)
	if err != nil {
		if errors.Is(err, availability.ErrInvalidStatus) {
			return models.DoctorStatus{}, ValidationErrors{{Field: "status", Message: "Status must be IN or OUT"}}
		}
		return models.DoctorStatus{}, e.translate(err, tenantID)
	}
	e.logger.Info().Str("tenant_id", tenantID).Str("specialist_id", specialistID).Str("status", status).Str("set_by", setBy).Msg("doctor status set")
	e.publisher.Publish(Event{Type: EventDoctorStatus, TenantID: tenantID, SpecialistID: specialistID, DoctorStatus: &record, At: record.UpdatedAt})
	return record, nil
}

// ExpireStale moves live tokens whose expiry has passed to EXPIRED and
// returns how many it changed. Tokens that moved on concurrently are skipped.
func (e *Engine) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		batch, err := e.store.ListExpiredTokens(ctx, now, expiryBatchSize)
		if err != nil {
			return expired, err
		}
		changed := 0
		for _, candidate := range batch {
			token, err := e.store.TransitionToken(ctx, store.TransitionInput{
				TenantID:   candidate.TenantID,
				TokenID:    candidate.TokenID,
				Action:     store.ActionExpire,
				OccurredAt: now,
			})
			if err != nil {
				if errors.Is(err, store.ErrInvalidState) || errors.Is(err, store.ErrTokenNotFound) {
					continue
				}
				return expired, err
			}
			changed++
			e.publish(EventTokenStatus, token)
		}
		expired += changed
		if len(batch) < expiryBatchSize || changed == 0 {
			break
		}
	}
	if expired > 0 {
		e.logger.Info().Int("expired", expired).Msg("expired stale tokens")
	}
	return expired, nil
}

func (e *Engine) publish(eventType string, token models.Token) {
	e.publisher.Publish(Event{
		Type:         eventType,
		TenantID:     token.TenantID,
		SpecialistID: token.SpecialistID,
		Token:        &token,
		At:           token.UpdatedAt,
	})
}

// translate maps store sentinels to engine errors. id names the entity the
// caller asked for.
func (e *Engine) translate(err error, id string) error {
	switch {
	case errors.Is(err, store.ErrTenantNotFound):
		return &NotFoundError{Resource: "clinic", ID: id}
	case errors.Is(err, store.ErrSpecialistNotFound):
		return &NotFoundError{Resource: "specialist", ID: id}
	case errors.Is(err, store.ErrTokenNotFound):
		return &NotFoundError{Resource: "token", ID: id}
	default:
		return err
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
